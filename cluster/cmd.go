package cluster

import (
	"bufio"
	"errors"
	"io"
	"strconv"

	"github.com/mediocregopher/radix/v3"

	"github.com/rsms/rcluster/resp"
)

// rawCmd sends verbatim bytes over a redis connection and discards the reply.
// Conforms to radix.CmdAction so it can take part in radix.Pipeline.
type rawCmd struct {
	data []byte // never mutated
}

func makeCmd(cmd string, args ...[]byte) *rawCmd {
	return &rawCmd{resp.AppendCommand(nil, cmd, args...)}
}

// constant commands without results
var (
	cmdMULTI   = &rawCmd{[]byte("*1\r\n$5\r\nMULTI\r\n")}
	cmdUNWATCH = &rawCmd{[]byte("*1\r\n$7\r\nUNWATCH\r\n")}
)

func (c *rawCmd) Keys() []string { return []string{} }

func (c *rawCmd) Run(conn radix.Conn) error {
	if err := conn.Encode(c); err != nil {
		return err
	}
	return conn.Decode(c)
}

func (c *rawCmd) MarshalRESP(w io.Writer) error {
	_, err := w.Write(c.data)
	return err
}

func (c *rawCmd) UnmarshalRESP(r *bufio.Reader) error {
	reply, err := resp.ReadReply(r)
	if err == nil && reply.Kind == resp.KindError {
		err = backendError(reply)
	}
	return err
}

func backendError(reply *resp.Reply) error {
	return errors.New("redis: " + string(reply.Data))
}

var execData = []byte("*1\r\n$4\r\nEXEC\r\n")

// execCmd sends EXEC and interprets the outcome of the write transaction
// queued before it: DEL dataKey, DEL tsKey, optional SET pair, DBSIZE.
// A nil multi-bulk reply means a watched key changed and nothing ran.
type execCmd struct {
	conflict bool
	removed  int64 // result of the leading DEL on the data key
	dbsize   int64 // result of the trailing DBSIZE
}

func (c *execCmd) Keys() []string { return []string{} }

func (c *execCmd) Run(conn radix.Conn) error {
	if err := conn.Encode(c); err != nil {
		return err
	}
	return conn.Decode(c)
}

func (c *execCmd) MarshalRESP(w io.Writer) error {
	_, err := w.Write(execData)
	return err
}

func (c *execCmd) UnmarshalRESP(r *bufio.Reader) error {
	reply, err := resp.ReadReply(r)
	if err != nil {
		return err
	}
	switch reply.Kind {
	case resp.KindError:
		return backendError(reply)
	case resp.KindNull:
		c.conflict = true
	case resp.KindArray:
		if n := len(reply.Items); n > 0 {
			if first := reply.Items[0]; first.Kind == resp.KindInteger {
				c.removed = first.N
			}
			if last := reply.Items[n-1]; last.Kind == resp.KindInteger {
				c.dbsize = last.N
			}
		}
	}
	return nil
}

// txnGetCmd sends EXEC and decodes the results of the read transaction
// queued before it: GET dataKey, GET tsKey, DBSIZE.
type txnGetCmd struct {
	value   []byte
	present bool  // the data key exists (value may still be empty)
	ts      int64 // 0 when the timestamp key is absent or unparseable
	dbsize  int64
}

func (c *txnGetCmd) Keys() []string { return []string{} }

func (c *txnGetCmd) Run(conn radix.Conn) error {
	if err := conn.Encode(c); err != nil {
		return err
	}
	return conn.Decode(c)
}

func (c *txnGetCmd) MarshalRESP(w io.Writer) error {
	_, err := w.Write(execData)
	return err
}

func (c *txnGetCmd) UnmarshalRESP(r *bufio.Reader) error {
	reply, err := resp.ReadReply(r)
	if err != nil {
		return err
	}
	if reply.Kind == resp.KindError {
		return backendError(reply)
	}
	if reply.Kind != resp.KindArray || len(reply.Items) != 3 {
		// reads watch nothing, so EXEC cannot be aborted; anything else
		// means the backend is not speaking the protocol we expect
		return errors.New("redis: unexpected EXEC reply")
	}
	if data := reply.Items[0]; data.Kind == resp.KindBulk {
		c.value = data.Data
		c.present = true
	}
	if ts := reply.Items[1]; ts.Kind == resp.KindBulk {
		if n, err := strconv.ParseInt(string(ts.Data), 10, 64); err == nil {
			c.ts = n
		}
	}
	if size := reply.Items[2]; size.Kind == resp.KindInteger {
		c.dbsize = size.N
	}
	return nil
}
