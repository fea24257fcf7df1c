package proxy

import (
	"bytes"
	"fmt"
	"strings"
)

// commandNames lists the dispatchable commands, sorted, for the INFO Server
// block and the per-command counters.
var commandNames = []string{
	"ADDSHARD",
	"AUTH",
	"CONFIG",
	"DEL",
	"ECHO",
	"GET",
	"INFO",
	"LASTSAVE",
	"PING",
	"QUIT",
	"SET",
	"SETREPLICANESS",
	"TIME",
}

// infoBody renders the INFO sections. An empty section name selects all of
// them; an unrecognized one yields an empty body.
func (s *Server) infoBody(section string) []byte {
	all := section == ""
	var blocks [][]byte
	if all || strings.EqualFold(section, "Server") {
		blocks = append(blocks, []byte(
			"# Server\ncommands:"+strings.Join(commandNames, ",")+"\n"))
	}
	if all || strings.EqualFold(section, "Shards") {
		blocks = append(blocks, []byte(fmt.Sprintf(
			"# Shards\ncount:%d\nstatus:%s\n",
			s.cluster.Count(), s.cluster.StatusString())))
	}
	if all || strings.EqualFold(section, "Cluster") {
		blocks = append(blocks, []byte(fmt.Sprintf(
			"# Cluster\nreplicaness:%d\n", s.cluster.Replicaness())))
	}
	return bytes.Join(blocks, []byte("\r\n"))
}
