package cluster

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"sync/atomic"

	"github.com/mediocregopher/radix/v3"
	"github.com/rsms/go-uuid"
)

// Reserved backend keys. Everything else in a backend's keyspace is left
// alone.
const (
	shardIDKey  = "rcluster:shard:id"
	keyPrefix   = "rc:"
	tsKeySuffix = ":ts"
)

// Shard is the registry's record of one attached backend.
type Shard struct {
	ID   string // 32 hex characters; stable for the lifetime of the backend
	Host string
	Port int
	DB   int

	client radix.Client
	dbsize int64 // most recent DBSIZE observed on this backend; load hint only
}

func dialShard(host string, port, db int) (radix.Client, error) {
	addr := fmt.Sprintf("%s:%d", host, port)
	return radix.NewPool("tcp", addr, 1, radix.PoolConnFunc(
		func(network, addr string) (radix.Conn, error) {
			return radix.Dial(network, addr, radix.DialSelectDB(db))
		}))
}

// bootstrapShardID proposes a locally generated random identifier with a
// set-if-absent and adopts whatever the reserved key ends up holding, so the
// same backend keeps its identity across reconnects.
func bootstrapShardID(client radix.Client) (string, error) {
	u := uuid.MustGen()
	id := hex.EncodeToString(u[:])
	var stored int
	if err := client.Do(radix.Cmd(&stored, "SETNX", shardIDKey, id)); err != nil {
		return "", err
	}
	if stored == 0 {
		if err := client.Do(radix.Cmd(&id, "GET", shardIDKey)); err != nil {
			return "", err
		}
	}
	return id, nil
}

// DBSize returns the cached size of this backend's keyspace.
func (s *Shard) DBSize() int64 { return atomic.LoadInt64(&s.dbsize) }

func (s *Shard) setDBSize(n int64) { atomic.StoreInt64(&s.dbsize, n) }

// Alive reports whether the backend answers PING right now.
func (s *Shard) Alive() bool {
	return s.client.Do(radix.Cmd(nil, "PING")) == nil
}

func (s *Shard) lastSave() (int64, error) {
	var n int64
	err := s.client.Do(radix.Cmd(&n, "LASTSAVE"))
	return n, err
}

// Addr returns the backend endpoint in host:port/db form.
func (s *Shard) Addr() string {
	return fmt.Sprintf("%s:%d/%d", s.Host, s.Port, s.DB)
}

type writeResult struct {
	conflict bool
	removed  bool // the data key existed on this backend before the write
	dbsize   int64
}

// writeWrapped runs one replication transaction on this backend: both
// wrapped keys are always cleared, then rewritten when the shard acts as a
// replica for this write. value==nil leaves only the timestamp behind, a
// delete marker that outdates any stale copy elsewhere.
func (s *Shard) writeWrapped(dataKey, tsKey, value []byte, replica bool, ts int64) (writeResult, error) {
	var res writeResult
	err := s.client.Do(radix.WithConn("", func(c radix.Conn) error {
		if err := c.Do(makeCmd("WATCH", dataKey, tsKey)); err != nil {
			return err
		}
		ok := false
		defer func() {
			if !ok {
				// Note: EXEC implicitly UNWATCHes
				c.Do(cmdUNWATCH)
			}
		}()

		exec := &execCmd{}
		cmds := make([]radix.CmdAction, 0, 7)
		cmds = append(cmds, cmdMULTI,
			makeCmd("DEL", dataKey),
			makeCmd("DEL", tsKey))
		if replica {
			if value != nil {
				cmds = append(cmds, makeCmd("SET", dataKey, value))
			}
			cmds = append(cmds, makeCmd("SET", tsKey,
				[]byte(strconv.FormatInt(ts, 10))))
		}
		cmds = append(cmds, makeCmd("DBSIZE"), exec)

		if err := c.Do(radix.Pipeline(cmds...)); err != nil {
			return err
		}
		ok = true
		res.conflict = exec.conflict
		res.removed = exec.removed > 0
		res.dbsize = exec.dbsize
		return nil
	}))
	if err == nil && !res.conflict {
		s.setDBSize(res.dbsize)
	}
	return res, err
}

type readResult struct {
	value   []byte
	present bool
	ts      int64
}

// readWrapped fetches the wrapped key pair atomically, along with a fresh
// keyspace size for the placement cache.
func (s *Shard) readWrapped(dataKey, tsKey []byte) (readResult, error) {
	get := &txnGetCmd{}
	err := s.client.Do(radix.Pipeline(
		cmdMULTI,
		makeCmd("GET", dataKey),
		makeCmd("GET", tsKey),
		makeCmd("DBSIZE"),
		get,
	))
	if err != nil {
		return readResult{}, err
	}
	s.setDBSize(get.dbsize)
	return readResult{value: get.value, present: get.present, ts: get.ts}, nil
}
