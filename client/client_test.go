package client

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stormasm/toy-rpc/message"
	"github.com/stormasm/toy-rpc/transport"
)

// pipeClient returns a client over one end of an in-memory pipe; the other
// end is returned raw so tests can leave it silent or close it.
func pipeClient(t *testing.T) (*Client, net.Conn) {
	t.Helper()
	local, remote := net.Pipe()
	c := NewClient(transport.NewStream(local))
	t.Cleanup(func() {
		remote.Close()
		c.Close()
	})
	return c, remote
}

func TestCallAfterCloseResolvesImmediately(t *testing.T) {
	c, _ := pipeClient(t)
	require.NoError(t, c.Close())

	call := c.Call("Arith.Add", 1)
	err := call.Result(nil)

	var e *message.Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, message.KindIO, e.Kind)
}

func TestSubscribeAfterCloseFails(t *testing.T) {
	c, _ := pipeClient(t)
	require.NoError(t, c.Close())

	_, err := c.Subscribe("topic", 4)
	assert.Error(t, err)
}

func TestCancelResolvesWithoutServer(t *testing.T) {
	// The peer never answers; Cancel must still resolve the call locally in
	// finite time.
	c, _ := pipeClient(t)

	call := c.Call("Slow.Sleep", 1)
	go call.Cancel()

	err := call.Result(nil)
	var e *message.Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, message.KindCanceled, e.Kind)
	assert.Equal(t, call.ID(), e.ID)
}

func TestPeerCloseResolvesPending(t *testing.T) {
	c, remote := pipeClient(t)

	call := c.Call("Arith.Add", 1)
	require.NoError(t, remote.Close())

	err := call.Result(nil)
	var e *message.Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, message.KindIO, e.Kind)
}

func TestCallIDsAreUnique(t *testing.T) {
	c, _ := pipeClient(t)

	seen := make(map[message.MessageID]struct{})
	for i := 0; i < 100; i++ {
		call := c.Call("Echo.Echo", i)
		_, dup := seen[call.ID()]
		require.False(t, dup)
		seen[call.ID()] = struct{}{}
	}
}
