package cluster

import (
	"errors"
	"strings"
	"sync"

	"github.com/mediocregopher/radix/v3"
	"github.com/mediocregopher/radix/v3/resp/resp2"

	"github.com/rsms/rcluster/resp"
)

// fakeBackend is a minimal in-memory redis speaking just enough of the
// protocol for the engine: plain strings, SETNX, WATCH/MULTI/EXEC, DBSIZE,
// PING and LASTSAVE. Backed by radix.Stub so no server is needed.
type fakeBackend struct {
	mu       sync.Mutex
	data     map[string]string
	lastsave int64

	inMulti      bool
	queue        [][]string
	conflictOnce bool // next EXEC aborts as if a watched key had changed
	failing      bool // every command errors, as if the backend were down

	tsWrites  []string // values written to timestamp keys, in order
	tsAborted []string // timestamp values queued in aborted transactions
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{data: make(map[string]string)}
}

func (b *fakeBackend) conn() radix.Conn {
	return radix.Stub("tcp", "stub", b.handle)
}

func (b *fakeBackend) setFailing(failing bool) {
	b.mu.Lock()
	b.failing = failing
	b.mu.Unlock()
}

func (b *fakeBackend) get(key string) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	v, ok := b.data[key]
	return v, ok
}

func (b *fakeBackend) put(key, value string) {
	b.mu.Lock()
	b.data[key] = value
	b.mu.Unlock()
}

func (b *fakeBackend) handle(args []string) interface{} {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.failing {
		return errors.New("stub: connection refused")
	}
	cmd := strings.ToUpper(args[0])
	if b.inMulti && cmd != "EXEC" {
		b.queue = append(b.queue, args)
		return resp2.RawMessage("+QUEUED\r\n")
	}

	switch cmd {
	case "PING":
		return resp2.RawMessage("+PONG\r\n")
	case "WATCH", "UNWATCH":
		return resp2.RawMessage("+OK\r\n")
	case "MULTI":
		b.inMulti = true
		b.queue = nil
		return resp2.RawMessage("+OK\r\n")
	case "EXEC":
		b.inMulti = false
		queue := b.queue
		b.queue = nil
		if b.conflictOnce {
			b.conflictOnce = false
			for _, q := range queue {
				if strings.ToUpper(q[0]) == "SET" && strings.HasSuffix(q[1], tsKeySuffix) {
					b.tsAborted = append(b.tsAborted, q[2])
				}
			}
			return resp2.RawMessage("*-1\r\n")
		}
		items := make([]*resp.Reply, len(queue))
		for i, q := range queue {
			items[i] = b.apply(q)
		}
		return resp2.RawMessage(resp.AppendReply(nil, resp.Array(items...)))
	case "LASTSAVE":
		return resp2.RawMessage(resp.AppendReply(nil, resp.Int(b.lastsave)))
	}
	return resp2.RawMessage(resp.AppendReply(nil, b.apply(args)))
}

func (b *fakeBackend) apply(args []string) *resp.Reply {
	switch strings.ToUpper(args[0]) {
	case "GET":
		v, ok := b.data[args[1]]
		if !ok {
			return resp.Null()
		}
		return resp.Bulk([]byte(v))
	case "SET":
		if strings.HasSuffix(args[1], tsKeySuffix) {
			b.tsWrites = append(b.tsWrites, args[2])
		}
		b.data[args[1]] = args[2]
		return resp.Status("OK")
	case "SETNX":
		if _, ok := b.data[args[1]]; ok {
			return resp.Int(0)
		}
		b.data[args[1]] = args[2]
		return resp.Int(1)
	case "DEL":
		n := int64(0)
		for _, k := range args[1:] {
			if _, ok := b.data[k]; ok {
				delete(b.data, k)
				n++
			}
		}
		return resp.Int(n)
	case "DBSIZE":
		return resp.Int(int64(len(b.data)))
	}
	return resp.Error("ERR stub: unknown command " + args[0])
}
