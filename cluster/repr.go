package cluster

import "github.com/rsms/go-json"

// DebugString returns a JSON rendering of the registry, for debug logs.
func (c *Cluster) DebugString() string {
	var b json.Builder
	b.StartObject()
	b.Key("replicaness")
	b.Int(int64(c.Replicaness()), 64)
	b.Key("shards")
	b.StartArray()
	for _, s := range c.Shards() {
		b.StartObject()
		b.Key("id")
		b.Str(s.ID)
		b.Key("addr")
		b.Str(s.Addr())
		b.Key("dbsize")
		b.Int(s.DBSize(), 64)
		b.EndObject()
	}
	b.EndArray()
	b.EndObject()
	return string(b.Bytes())
}
