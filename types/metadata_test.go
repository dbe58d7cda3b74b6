package types

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestHandleID(t *testing.T) {
	t.Parallel()

	tests := []struct {
		shard uint32
		wire  uint8
		want  HandleID
	}{
		{0, 0, 0},
		{0, 254, 254},
		{1, 0, 255},
		{1, 3, 258},
		{7, 100, 7*255 + 100},
	}

	for _, tt := range tests {
		id := NewHandleID(tt.shard, tt.wire)
		require.Equal(t, tt.want, id)
		require.Equal(t, tt.shard, id.Shard())
		require.Equal(t, tt.wire, id.Wire())
	}
}

func TestBrokerAddress(t *testing.T) {
	t.Parallel()

	require.Equal(t, "node-1:5552", Broker{Host: "node-1", Port: 5552}.Address())
	require.Equal(t, "[::1]:5552", Broker{Host: "::1", Port: 5552}.Address())
}

func TestStreamMetadataHasLeader(t *testing.T) {
	t.Parallel()

	require.False(t, StreamMetadata{Stream: "s"}.HasLeader())
	require.True(t, StreamMetadata{Stream: "s", Leader: &Broker{Host: "a", Port: 1}}.HasLeader())
}

func TestOffsetString(t *testing.T) {
	t.Parallel()

	ts := time.UnixMilli(1_700_000_000_000)

	require.Equal(t, "first", OffsetFirst().String())
	require.Equal(t, "last", OffsetLast().String())
	require.Equal(t, "next", OffsetNext().String())
	require.Equal(t, "offset(42)", OffsetAt(42).String())
	require.Equal(t, "timestamp(1700000000000)", OffsetTimestamp(ts).String())

	require.True(t, OffsetAt(0).IsAbsolute())
	require.False(t, OffsetNext().IsAbsolute())
}

func TestCommandAndResponseCodeNames(t *testing.T) {
	t.Parallel()

	require.Equal(t, "subscribe", CommandSubscribe.String())
	require.Equal(t, "command(0x0fff)", Command(0x0fff).String())
	require.Equal(t, "stream already exists", ResponseCodeStreamAlreadyExists.String())
	require.True(t, ResponseCodeOK.OK())
	require.False(t, ResponseCodeNoOffset.OK())

	var resp *Response
	require.False(t, resp.OK())
	require.True(t, (&Response{Code: ResponseCodeOK}).OK())
}
