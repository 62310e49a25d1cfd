package enginetest

import (
	"testing"

	"github.com/opd-ai/swiftlet/address"
	"github.com/opd-ai/swiftlet/engine"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestEngine_SendCaps tests that sends stop at the configured capacities.
func TestEngine_SendCaps(t *testing.T) {
	e := New(4, 3)
	h, err := e.Dial(address.MustParse("127.0.0.1:9000"))
	require.NoError(t, err)

	n, err := e.SendMain(h, []byte("abcdef"))
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	_, err = e.SendMain(h, []byte("g"))
	assert.ErrorIs(t, err, engine.ErrBufferFull)

	n, err = e.SendBackground(h, []byte("xy"))
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	n, err = e.SendBackground(h, []byte("zz"))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	c, ok := e.Conn(h)
	require.True(t, ok)
	assert.Equal(t, []byte("abcd"), c.Main)
	assert.Equal(t, [][]byte{[]byte("xy"), []byte("z")}, c.Background)
}

// TestEngine_CloseAndFinish tests the close request and completion flow.
func TestEngine_CloseAndFinish(t *testing.T) {
	e := New(8, 8)
	woken := 0
	e.SetNotify(func() { woken++ })

	h, err := e.Dial(address.MustParse("127.0.0.1:9000"))
	require.NoError(t, err)
	assert.False(t, e.Finish(h), "nothing to finish before Close")

	require.NoError(t, e.Close(h, 7, false))
	require.NoError(t, e.Close(h, 9, true))
	_, err = e.SendMain(h, []byte("late"))
	assert.ErrorIs(t, err, engine.ErrClosing)

	require.True(t, e.Finish(h))
	evs := e.Events()
	require.Len(t, evs, 1)
	assert.Equal(t, engine.EventClosed, evs[0].Kind)
	assert.Equal(t, engine.CloseInfo{Origin: engine.OriginLocal, Application: true, Code: 7}, evs[0].Close)
	assert.Equal(t, 1, woken)

	assert.ErrorIs(t, e.Close(h, 0, true), engine.ErrUnknownHandle)
	assert.Empty(t, e.Handles())
}

// TestEngine_AcceptAndDeliver tests server side simulation helpers.
func TestEngine_AcceptAndDeliver(t *testing.T) {
	e := New(8, 8)
	peer := address.MustParse("[::1]:5000")

	require.NoError(t, e.Deliver([]byte{1, 2, 3}, peer))
	h := e.Accept(peer)
	e.ReceiveMain(h, []byte("hi"))

	evs := e.Events()
	require.Len(t, evs, 2)
	assert.Equal(t, engine.EventEstablished, evs[0].Kind)
	assert.Equal(t, peer, evs[0].Peer)
	assert.Equal(t, []byte("hi"), evs[1].Data)
	assert.Equal(t, []DeliveryRecord{{From: peer, Size: 3}}, e.Deliveries())

	require.NoError(t, e.Shutdown())
	assert.ErrorIs(t, e.Deliver([]byte{1}, peer), engine.ErrShutdown)
}
