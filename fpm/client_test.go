package fpm

import (
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestClient_DeliversAndReconnects(t *testing.T) {
	defer goleak.VerifyNone(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	c := NewClient(ln.Addr().String(), 4, nil)
	connects := make(chan struct{}, 4)
	c.OnConnect = func() { connects <- struct{}{} }
	assert.False(t, c.Enqueue([]byte{1}), "frames are dropped while disconnected")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	conn, err := ln.Accept()
	require.NoError(t, err)
	select {
	case <-connects:
	case <-time.After(5 * time.Second):
		t.Fatal("no connect callback")
	}
	require.True(t, c.Enqueue([]byte{1, 1, 0, 4}))
	got := make([]byte, 4)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, err = io.ReadFull(conn, got)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 1, 0, 4}, got)

	// the peer goes away; the client dials again and announces it
	require.NoError(t, conn.Close())
	conn, err = ln.Accept()
	require.NoError(t, err)
	defer conn.Close()
	select {
	case <-connects:
	case <-time.After(5 * time.Second):
		t.Fatal("no reconnect callback")
	}

	cancel()
	select {
	case err := <-done:
		assert.True(t, errors.Is(err, context.Canceled))
	case <-time.After(5 * time.Second):
		t.Fatal("client did not stop")
	}
	assert.False(t, c.Connected())
}

func TestClient_QueueFull(t *testing.T) {
	c := NewClient("", 1, nil)
	c.connected.Store(true)
	assert.True(t, c.Enqueue([]byte{1}))
	assert.False(t, c.Enqueue([]byte{2}))
}
