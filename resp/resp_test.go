package resp

import (
	"bufio"
	"bytes"
	"reflect"
	"testing"

	"github.com/rsms/go-testutil"
)

func encode(r *Reply) []byte {
	return AppendReply(nil, r)
}

func TestAppendReply(t *testing.T) {
	assert := testutil.NewAssert(t)

	assert.Eq("status", encode(Status("PONG")), []byte("+PONG\r\n"))
	assert.Eq("error", encode(Error("ERR nope")), []byte("-ERR nope\r\n"))
	assert.Eq("integer", encode(Int(12345)), []byte(":12345\r\n"))
	assert.Eq("integer neg", encode(Int(-1)), []byte(":-1\r\n"))
	assert.Eq("bulk", encode(Bulk([]byte("hello"))), []byte("$5\r\nhello\r\n"))
	assert.Eq("bulk empty", encode(Bulk([]byte{})), []byte("$0\r\n\r\n"))
	assert.Eq("null", encode(Null()), []byte("$-1\r\n"))
	assert.Eq("nil reply", encode(nil), []byte("$-1\r\n"))
	assert.Eq("multi bulk",
		encode(Array(Bulk([]byte("1369376289")), Bulk([]byte("21938")))),
		[]byte("*2\r\n$10\r\n1369376289\r\n$5\r\n21938\r\n"))
	assert.Eq("empty array", encode(Array()), []byte("*0\r\n"))
}

func TestAppendReplyBinaryClean(t *testing.T) {
	assert := testutil.NewAssert(t)
	data := []byte("a\r\nb\x00c\rd\ne")
	want := append([]byte("$10\r\n"), data...)
	want = append(want, '\r', '\n')
	assert.Eq("binary bulk", encode(Bulk(data)), want)
}

func TestAppendCommand(t *testing.T) {
	assert := testutil.NewAssert(t)
	assert.Eq("no args", AppendCommand(nil, "PING"), []byte("*1\r\n$4\r\nPING\r\n"))
	assert.Eq("args",
		AppendCommand(nil, "SET", []byte("foo"), []byte("bar")),
		[]byte("*3\r\n$3\r\nSET\r\n$3\r\nfoo\r\n$3\r\nbar\r\n"))
}

// encoding then decoding a well-formed reply is the identity
func TestReplyRoundTrip(t *testing.T) {
	assert := testutil.NewAssert(t)

	replies := []*Reply{
		Status("OK"),
		Status("OK Bye!"),
		Error("ERR Unknown command: FOO"),
		Int(0),
		Int(-42),
		Int(1369376289),
		Bulk([]byte{}),
		Bulk([]byte("bar")),
		Bulk([]byte("binary\r\n\x00\xff\rbytes")),
		Null(),
		Array(),
		Array(Bulk([]byte("1369376289")), Bulk([]byte("21938"))),
		Array(Int(1), Status("OK"), Null(), Array(Bulk([]byte("x")))),
	}
	for _, in := range replies {
		r := bufio.NewReader(bytes.NewReader(encode(in)))
		out, err := ReadReply(r)
		assert.Ok("decode ok", err == nil)
		assert.Ok("round trip", reflect.DeepEqual(out, in))
	}
}

func TestReadReplyNilArray(t *testing.T) {
	assert := testutil.NewAssert(t)
	r := bufio.NewReader(bytes.NewReader([]byte("*-1\r\n")))
	out, err := ReadReply(r)
	assert.Ok("decode ok", err == nil)
	assert.Eq("nil array is null", out.Kind, KindNull)
}
