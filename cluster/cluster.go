// Package cluster owns the shard registry and the replicated key-value
// engine: timestamped last-writer-wins writes fanned out over the attached
// backends, reads reconciled by picking the newest copy.
package cluster

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/mediocregopher/radix/v3"
	"github.com/rsms/go-log"
)

var (
	// ErrShardUnreachable means a backend could not be dialed or
	// bootstrapped during attach.
	ErrShardUnreachable = errors.New("could not connect to the shard")

	// ErrNotReplicated means a write was accepted by zero backends.
	ErrNotReplicated = errors.New("write not accepted by any shard")

	// ErrInvalidReplicaness rejects a replicaness below one.
	ErrInvalidReplicaness = errors.New("invalid replicaness value")
)

type Cluster struct {
	Logger *log.Logger

	// mu guards the registry and replicaness. It is never held across
	// backend I/O; operations work on a snapshot of the shard list.
	mu          sync.Mutex
	shards      []*Shard
	replicaness int

	clk writeClock
}

func New() *Cluster {
	return &Cluster{replicaness: 1}
}

// AddShard dials a backend, bootstraps its identity and registers it.
// Re-adding a backend that already carries a shard id replaces the previous
// record in place.
func (c *Cluster) AddShard(host string, port, db int) (*Shard, error) {
	client, err := dialShard(host, port, db)
	if err != nil {
		c.logWarn("addshard %s:%d/%d: %v", host, port, db, err)
		return nil, ErrShardUnreachable
	}
	s, err := c.AttachClient(client, host, port, db)
	if err != nil {
		client.Close()
		return nil, err
	}
	return s, nil
}

// AttachClient registers a shard over an already-established backend client.
// AddShard uses it after dialing; callers that manage their own connections
// can use it directly.
func (c *Cluster) AttachClient(client radix.Client, host string, port, db int) (*Shard, error) {
	id, err := bootstrapShardID(client)
	if err != nil {
		c.logWarn("addshard %s:%d/%d: id bootstrap: %v", host, port, db, err)
		return nil, ErrShardUnreachable
	}
	var size int64
	if err := client.Do(radix.Cmd(&size, "DBSIZE")); err != nil {
		c.logWarn("addshard %s:%d/%d: dbsize: %v", host, port, db, err)
		return nil, ErrShardUnreachable
	}
	s := &Shard{ID: id, Host: host, Port: port, DB: db, client: client, dbsize: size}

	c.mu.Lock()
	replaced := false
	for i, old := range c.shards {
		if old.ID == id {
			c.shards[i] = s
			old.client.Close()
			replaced = true
			break
		}
	}
	if !replaced {
		c.shards = append(c.shards, s)
	}
	c.mu.Unlock()

	if c.Logger != nil && c.Logger.Level <= log.LevelDebug {
		c.Logger.Debug("attached shard %s at %s; cluster %s", id, s.Addr(), c.DebugString())
	}
	return s, nil
}

// Count returns the number of attached shards.
func (c *Cluster) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.shards)
}

// Shards returns a point-in-time copy of the registry.
func (c *Cluster) Shards() []*Shard {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*Shard(nil), c.shards...)
}

// Replicaness returns the desired number of replicas per write.
func (c *Cluster) Replicaness() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.replicaness
}

// SetReplicaness updates the desired number of replicas per write.
// enough reports whether that many shards are currently attached.
func (c *Cluster) SetReplicaness(n int) (enough bool, err error) {
	if n < 1 {
		return false, ErrInvalidReplicaness
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.replicaness = n
	return n <= len(c.shards), nil
}

// Set stores value under key on the configured number of replicas and clears
// stale copies everywhere else. A nil value removes the key. Reports whether
// the key existed on at least one backend before the write.
func (c *Cluster) Set(key, value []byte) (existed bool, err error) {
	dataKey, tsKey := wrapKey(key)

	for {
		ts := c.clk.next()

		c.mu.Lock()
		want := c.replicaness
		shards := append([]*Shard(nil), c.shards...)
		c.mu.Unlock()

		// cheapest backends first; ties keep attach order
		sort.SliceStable(shards, func(i, j int) bool {
			return shards[i].DBSize() < shards[j].DBSize()
		})

		existed = false
		conflict := false
		remaining := want
		for _, s := range shards {
			res, werr := s.writeWrapped(dataKey, tsKey, value, remaining > 0, ts)
			if werr != nil {
				c.logWarn("shard %s skipped during write: %v", s.ID, werr)
				continue
			}
			if res.conflict {
				conflict = true
				break
			}
			if res.removed {
				existed = true
			}
			if remaining > 0 {
				remaining--
			}
		}
		if conflict {
			// another writer raced us on a backend; redo the whole pass so
			// the surviving write carries a later timestamp than anything
			// the losing attempt observed
			c.logDebug("write conflict on %q, retrying", key)
			continue
		}
		if remaining == want {
			return existed, ErrNotReplicated
		}
		return existed, nil
	}
}

// Del removes key from every backend, leaving a fresh delete marker on the
// replica set so stale copies can never win a later read. Reports whether
// the key existed anywhere.
func (c *Cluster) Del(key []byte) (existed bool, err error) {
	return c.Set(key, nil)
}

// Get returns the most recently written copy of key. ok is false when no
// backend holds a live value (never written, deleted, or all unreachable).
func (c *Cluster) Get(key []byte) (value []byte, ok bool) {
	dataKey, tsKey := wrapKey(key)

	var winner []byte
	var winnerPresent bool
	var best int64
	for _, s := range c.Shards() {
		res, err := s.readWrapped(dataKey, tsKey)
		if err != nil {
			c.logWarn("shard %s skipped during read: %v", s.ID, err)
			continue
		}
		// strictly greater: the first copy seen wins a timestamp tie
		if res.ts > best {
			best = res.ts
			winner = res.value
			winnerPresent = res.present
		}
	}
	if !winnerPresent {
		return nil, false
	}
	return winner, true
}

// Time returns the proxy clock as seconds and microseconds-within-second.
func (c *Cluster) Time() (secs, micros int64) {
	t := nowMicros()
	return t / 1e6, t % 1e6
}

// LastSave returns the newest LASTSAVE reported by any reachable backend,
// or 0 for an empty (or fully unreachable) cluster.
func (c *Cluster) LastSave() int64 {
	var max int64
	for _, s := range c.Shards() {
		n, err := s.lastSave()
		if err != nil {
			c.logWarn("shard %s skipped during lastsave: %v", s.ID, err)
			continue
		}
		if n > max {
			max = n
		}
	}
	return max
}

// StatusString returns one byte per attached shard: "." when the backend
// answers PING, "F" when it does not.
func (c *Cluster) StatusString() string {
	shards := c.Shards()
	b := make([]byte, len(shards))
	for i, s := range shards {
		if s.Alive() {
			b[i] = '.'
		} else {
			b[i] = 'F'
		}
	}
	return string(b)
}

// wrapKey derives the backend key pair for a user key: the data key and the
// timestamp key that versions it.
func wrapKey(key []byte) (dataKey, tsKey []byte) {
	dataKey = make([]byte, 0, len(keyPrefix)+len(key))
	dataKey = append(append(dataKey, keyPrefix...), key...)
	tsKey = make([]byte, 0, len(dataKey)+len(tsKeySuffix))
	tsKey = append(append(tsKey, dataKey...), tsKeySuffix...)
	return dataKey, tsKey
}

// writeClock issues the logical write timestamps: microseconds since the
// epoch, strictly increasing within the process so a retried write always
// supersedes what the losing attempt observed.
type writeClock struct {
	mu   sync.Mutex
	last int64
}

func (c *writeClock) next() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := nowMicros()
	if t <= c.last {
		t = c.last + 1
	}
	c.last = t
	return t
}

func nowMicros() int64 {
	return time.Now().UnixNano() / int64(time.Microsecond)
}

func (c *Cluster) logWarn(format string, args ...interface{}) {
	if c.Logger != nil {
		c.Logger.Warn(format, args...)
	}
}

func (c *Cluster) logDebug(format string, args ...interface{}) {
	if c.Logger != nil {
		c.Logger.Debug(format, args...)
	}
}
