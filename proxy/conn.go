package proxy

import (
	"errors"
	"io"
	"net"
	"runtime/debug"
	"sort"
	"strconv"
	"strings"

	"github.com/rsms/go-log"

	"github.com/rsms/rcluster/cluster"
	"github.com/rsms/rcluster/resp"
)

// CommandError is a user-facing command failure; its message is sent to the
// client verbatim as an error reply and the connection stays open.
type CommandError struct {
	Message string
}

func (e *CommandError) Error() string { return e.Message }

func usageError(usage string) error {
	return &CommandError{"ERR Expected> " + usage}
}

var errUnknownCommand = errors.New("unknown command")

// conn serves one client connection: requests are read, dispatched and
// answered strictly in order.
type conn struct {
	srv    *Server
	nc     net.Conn
	rr     *resp.RequestReader
	wbuf   []byte
	authed bool
}

func newConn(s *Server, nc net.Conn) *conn {
	return &conn{srv: s, nc: nc, rr: resp.NewRequestReader(nc)}
}

func (c *conn) serve() {
	for {
		args, err := c.rr.ReadRequest()
		if err != nil {
			var perr *resp.ProtocolError
			if errors.As(err, &perr) {
				// malformed request bytes: report once, then hang up
				c.writeReply(resp.Error(perr.Error()))
			} else if err != io.EOF {
				c.logDebug("read: %v", err)
			}
			return
		}
		reply := c.dispatch(args)
		if !c.writeReply(reply) {
			return
		}
		if reply != nil && reply.Quit {
			return
		}
	}
}

func (c *conn) dispatch(args [][]byte) *resp.Reply {
	name := strings.ToUpper(string(args[0]))
	c.logDebug("%s %q", name, args[1:])

	if i := sort.SearchStrings(commandNames, name); i < len(commandNames) && commandNames[i] == name {
		commandsTotal.WithLabelValues(name).Inc()
	}
	if c.srv.Password != "" && !c.authed && name != "AUTH" {
		errorRepliesTotal.Inc()
		return resp.Error("ERR Not authenticated.")
	}

	reply, err := c.handle(name, args[1:])
	if err != nil {
		errorRepliesTotal.Inc()
		if err == errUnknownCommand {
			return resp.Error("ERR Unknown command: " + string(args[0]))
		}
		var cerr *CommandError
		if errors.As(err, &cerr) {
			return resp.Error(cerr.Message)
		}
		if c.srv.Logger != nil {
			c.srv.Logger.Error("%s: %v\n%s", name, err, debug.Stack())
		}
		return resp.Error("ERR Internal server error.")
	}
	return reply
}

func (c *conn) handle(name string, args [][]byte) (*resp.Reply, error) {
	switch name {
	case "PING":
		if len(args) != 0 {
			return nil, usageError("PING")
		}
		return resp.Status("PONG"), nil

	case "ECHO":
		if len(args) != 1 {
			return nil, usageError("ECHO data")
		}
		return resp.Bulk(args[0]), nil

	case "QUIT":
		if len(args) != 0 {
			return nil, usageError("QUIT")
		}
		reply := resp.Status("OK Bye!")
		reply.Quit = true
		return reply, nil

	case "AUTH":
		return c.handleAuth(args)

	case "INFO":
		if len(args) > 1 {
			return nil, usageError("INFO [section]")
		}
		section := ""
		if len(args) == 1 {
			section = string(args[0])
		}
		return resp.Bulk(c.srv.infoBody(section)), nil

	case "ADDSHARD":
		return c.handleAddShard(args)

	case "SETREPLICANESS":
		if len(args) != 1 {
			return nil, usageError("SETREPLICANESS value")
		}
		return c.setReplicaness(args[0])

	case "CONFIG":
		if len(args) != 3 || !strings.EqualFold(string(args[0]), "SET") {
			return nil, usageError("CONFIG SET replicaness value")
		}
		if !strings.EqualFold(string(args[1]), "replicaness") {
			return nil, &CommandError{"ERR Unsupported CONFIG parameter: " + string(args[1])}
		}
		return c.setReplicaness(args[2])

	case "TIME":
		if len(args) != 0 {
			return nil, usageError("TIME")
		}
		secs, micros := c.srv.cluster.Time()
		return resp.Array(
			resp.Bulk([]byte(strconv.FormatInt(secs, 10))),
			resp.Bulk([]byte(strconv.FormatInt(micros, 10))),
		), nil

	case "LASTSAVE":
		if len(args) != 0 {
			return nil, usageError("LASTSAVE")
		}
		return resp.Int(c.srv.cluster.LastSave()), nil

	case "GET":
		if len(args) != 1 {
			return nil, usageError("GET key")
		}
		value, ok := c.srv.cluster.Get(args[0])
		if !ok {
			return resp.Null(), nil
		}
		return resp.Bulk(value), nil

	case "SET":
		if len(args) != 2 {
			return nil, usageError("SET key value")
		}
		if _, err := c.srv.cluster.Set(args[0], args[1]); err != nil {
			return nil, writeError(err)
		}
		return resp.Status("OK"), nil

	case "DEL":
		if len(args) == 0 {
			return nil, usageError("DEL key [key ...]")
		}
		removed := int64(0)
		for _, key := range args {
			existed, err := c.srv.cluster.Del(key)
			if err != nil {
				return nil, writeError(err)
			}
			if existed {
				removed++
			}
		}
		return resp.Int(removed), nil
	}
	return nil, errUnknownCommand
}

func (c *conn) handleAuth(args [][]byte) (*resp.Reply, error) {
	if len(args) != 1 {
		return nil, usageError("AUTH password")
	}
	if c.srv.Password == "" {
		return nil, &CommandError{"ERR Client sent AUTH, but no password is set."}
	}
	if string(args[0]) != c.srv.Password {
		c.authed = false
		return nil, &CommandError{"ERR Invalid password."}
	}
	c.authed = true
	return resp.Status("Authenticated."), nil
}

func (c *conn) handleAddShard(args [][]byte) (*resp.Reply, error) {
	if len(args) != 3 {
		return nil, usageError("ADDSHARD host port db")
	}
	port, err1 := strconv.Atoi(string(args[1]))
	db, err2 := strconv.Atoi(string(args[2]))
	if err1 != nil || err2 != nil {
		return nil, usageError("ADDSHARD host port db")
	}
	shard, err := c.srv.cluster.AddShard(string(args[0]), port, db)
	if err != nil {
		if errors.Is(err, cluster.ErrShardUnreachable) {
			return nil, &CommandError{"ERR Could not connect to the shard."}
		}
		return nil, err
	}
	return resp.Status("OK Shard " + shard.ID + " is added"), nil
}

func (c *conn) setReplicaness(arg []byte) (*resp.Reply, error) {
	n, err := strconv.Atoi(string(arg))
	if err != nil {
		return nil, &CommandError{"ERR Invalid replicaness value."}
	}
	enough, err := c.srv.cluster.SetReplicaness(n)
	if err != nil {
		return nil, &CommandError{"ERR Invalid replicaness value."}
	}
	if !enough {
		return resp.Status("OK Add more shards."), nil
	}
	return resp.Status("OK"), nil
}

// writeError maps an engine write failure to its client-facing reply
func writeError(err error) error {
	if errors.Is(err, cluster.ErrNotReplicated) {
		return &CommandError{"ERR The key is not set - possible cluster failure."}
	}
	return err
}

func (c *conn) writeReply(r *resp.Reply) bool {
	c.wbuf = resp.AppendReply(c.wbuf[:0], r)
	c.logDebug("reply %q", c.wbuf)
	if _, err := c.nc.Write(c.wbuf); err != nil {
		c.logDebug("write: %v", err)
		return false
	}
	return true
}

func (c *conn) logDebug(format string, args ...interface{}) {
	if c.srv.Logger != nil && c.srv.Logger.Level <= log.LevelDebug {
		c.srv.Logger.Debug(format, args...)
	}
}
