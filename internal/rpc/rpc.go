// Package rpc implements the wire protocol shared by the server and client
// packages and by the engine's proxy forwarder and callback delivery path:
// a length-prefixed binary frame (4-byte big-endian length, 1-byte opcode,
// payload), encoded with encoding/binary and internal/bytesconv for
// zero-copy byte/string conversion. The opcode set is small, fixed and
// private to this module, so no schema or codegen layer sits between the
// frame and the Message struct.
package rpc

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/apteryxdb/apteryx/internal/bytesconv"
)

// Op identifies the operation carried by a Message.
type Op byte

const (
	OpGet Op = iota + 1
	OpSet
	OpSetWait
	OpSetTree
	OpCas
	OpCasTree
	OpPrune
	OpSearch
	OpTraverse
	OpQuery
	OpFind
	OpFindTree
	OpTimestamp
	OpInvoke
	OpInvokeReply
)

// MaxFrameSize bounds a single frame's payload to guard against a
// corrupted or hostile length prefix allocating unbounded memory.
const MaxFrameSize = 64 << 20

// Leaf mirrors apteryx.Leaf without importing the root package, avoiding an
// import cycle (the root package imports internal/rpc for proxying and
// callback delivery).
type Leaf struct {
	Path  string
	Value []byte
	Ts    int64
}

// Message is the single envelope used for every request and response.
// Unused fields for a given Op are left zero; one uniform envelope keeps
// the protocol small. On an OpInvoke reply from a refresher, Ts carries
// the validity interval rather than a timestamp.
type Message struct {
	Op      Op
	Status  int32
	Path    string
	Value   []byte
	Ts      int64
	Expect  int64
	Paths   []string
	Leaves  []Leaf
	Guid    string
	Pattern string
}

// WriteFrame encodes msg and writes it to w as a single length-prefixed
// frame.
func WriteFrame(w io.Writer, msg *Message) error {
	payload := encode(msg)
	var header [5]byte
	binary.BigEndian.PutUint32(header[:4], uint32(len(payload)+1))
	header[4] = byte(msg.Op)
	if _, err := w.Write(header[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

// ReadFrame reads and decodes a single frame from r.
func ReadFrame(r io.Reader) (*Message, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n == 0 || n > MaxFrameSize {
		return nil, fmt.Errorf("rpc: invalid frame length %d", n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	msg := &Message{Op: Op(buf[0])}
	if err := decode(buf[1:], msg); err != nil {
		return nil, err
	}
	return msg, nil
}

func encode(msg *Message) []byte {
	buf := make([]byte, 0, 64+len(msg.Value))
	buf = appendInt32(buf, msg.Status)
	buf = appendString(buf, msg.Path)
	buf = appendBytes(buf, msg.Value)
	buf = appendInt64(buf, msg.Ts)
	buf = appendInt64(buf, msg.Expect)
	buf = appendString(buf, msg.Guid)
	buf = appendString(buf, msg.Pattern)
	buf = appendInt32(buf, int32(len(msg.Paths)))
	for _, p := range msg.Paths {
		buf = appendString(buf, p)
	}
	buf = appendInt32(buf, int32(len(msg.Leaves)))
	for _, l := range msg.Leaves {
		buf = appendString(buf, l.Path)
		buf = appendBytes(buf, l.Value)
		buf = appendInt64(buf, l.Ts)
	}
	return buf
}

func decode(buf []byte, msg *Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("rpc: malformed message: %v", r)
		}
	}()

	r := &reader{buf: buf}
	msg.Status = r.int32()
	msg.Path = r.string()
	msg.Value = r.bytes()
	msg.Ts = r.int64()
	msg.Expect = r.int64()
	msg.Guid = r.string()
	msg.Pattern = r.string()

	nPaths := int(r.int32())
	if nPaths > 0 {
		msg.Paths = make([]string, nPaths)
		for i := range msg.Paths {
			msg.Paths[i] = r.string()
		}
	}

	nLeaves := int(r.int32())
	if nLeaves > 0 {
		msg.Leaves = make([]Leaf, nLeaves)
		for i := range msg.Leaves {
			msg.Leaves[i].Path = r.string()
			msg.Leaves[i].Value = r.bytes()
			msg.Leaves[i].Ts = r.int64()
		}
	}
	return nil
}

type reader struct {
	buf []byte
	pos int
}

func (r *reader) int32() int32 {
	v := int32(binary.BigEndian.Uint32(r.buf[r.pos : r.pos+4]))
	r.pos += 4
	return v
}

func (r *reader) int64() int64 {
	v := int64(binary.BigEndian.Uint64(r.buf[r.pos : r.pos+8]))
	r.pos += 8
	return v
}

func (r *reader) bytes() []byte {
	n := int(int32(binary.BigEndian.Uint32(r.buf[r.pos : r.pos+4])))
	r.pos += 4
	if n < 0 {
		return nil
	}
	b := r.buf[r.pos : r.pos+n]
	r.pos += n
	return b
}

func (r *reader) string() string {
	b := r.bytes()
	if b == nil {
		return ""
	}
	return bytesconv.String(b)
}

func appendInt32(buf []byte, v int32) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], uint32(v))
	return append(buf, b[:]...)
}

func appendInt64(buf []byte, v int64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(v))
	return append(buf, b[:]...)
}

// appendBytes writes a nil v with length -1 so that it decodes back to nil,
// distinct from an empty value.
func appendBytes(buf, v []byte) []byte {
	if v == nil {
		return appendInt32(buf, -1)
	}
	buf = appendInt32(buf, int32(len(v)))
	return append(buf, v...)
}

func appendString(buf []byte, s string) []byte {
	return appendBytes(buf, bytesconv.Bytes(s))
}
