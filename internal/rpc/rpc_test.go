package rpc

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFrameRoundTrip(t *testing.T) {
	in := &Message{
		Op:      OpSetTree,
		Status:  -16,
		Path:    "/t/p",
		Value:   []byte{0x00, 0x01, 0xff},
		Ts:      1234567,
		Expect:  42,
		Guid:    "AB-1-2",
		Pattern: "/t/p/*",
		Paths:   []string{"/t/p/a", "/t/p/b"},
		Leaves: []Leaf{
			{Path: "/t/p/a", Value: []byte("1"), Ts: 7},
			{Path: "/t/p/b", Value: nil, Ts: 8},
		},
	}

	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, in))

	out, err := ReadFrame(&buf)
	require.NoError(t, err)
	require.Equal(t, in, out)
}

func TestReadFrameRejectsOversizedLength(t *testing.T) {
	frame := []byte{0xff, 0xff, 0xff, 0xff, byte(OpGet)}
	_, err := ReadFrame(bytes.NewReader(frame))
	require.Error(t, err)
}

func TestReadFrameRejectsTruncatedPayload(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, &Message{Op: OpGet, Path: "/t/a"}))
	truncated := buf.Bytes()[:buf.Len()-3]

	_, err := ReadFrame(bytes.NewReader(truncated))
	require.Error(t, err)
}
