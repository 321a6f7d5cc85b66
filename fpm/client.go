package fpm

import (
	"context"
	"io"
	"log/slog"
	"net"
	"sync/atomic"
	"time"

	"github.com/encodeous/fibd/perf"
)

const (
	DefaultAddress   = "127.0.0.1:2620"
	DefaultQueueSize = 1024

	minBackoff   = 500 * time.Millisecond
	maxBackoff   = 30 * time.Second
	writeTimeout = 5 * time.Second
)

// Client streams frames to an FPM peer over TCP. Delivery is best effort:
// frames are dropped while disconnected or when the queue is full, and every
// reconnect is announced through OnConnect so the caller can resend its table.
type Client struct {
	addr      string
	queue     chan []byte
	log       *slog.Logger
	connected atomic.Bool
	// OnConnect runs on the client goroutine after each successful dial.
	OnConnect func()
}

func NewClient(addr string, queueSize int, log *slog.Logger) *Client {
	if addr == "" {
		addr = DefaultAddress
	}
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	if log == nil {
		log = slog.Default()
	}
	return &Client{
		addr:  addr,
		queue: make(chan []byte, queueSize),
		log:   log.With("fpm", addr),
	}
}

func (c *Client) Connected() bool {
	return c.connected.Load()
}

// Enqueue hands a frame to the writer without blocking. The frame must not be
// modified afterwards.
func (c *Client) Enqueue(frame []byte) bool {
	if !c.Connected() {
		perf.FpmDroppedPerSecond.Add(1)
		return false
	}
	select {
	case c.queue <- frame:
		return true
	default:
		perf.FpmDroppedPerSecond.Add(1)
		c.log.Debug("fpm queue full, dropping frame")
		return false
	}
}

// Run keeps a connection to the peer until ctx is done.
func (c *Client) Run(ctx context.Context) error {
	var d net.Dialer
	backoff := minBackoff
	for {
		conn, err := d.DialContext(ctx, "tcp", c.addr)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.log.Debug("fpm dial failed", "error", err, "retry", backoff)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, maxBackoff)
			continue
		}
		backoff = minBackoff
		c.log.Info("fpm peer connected")
		err = c.serve(ctx, conn)
		c.connected.Store(false)
		_ = conn.Close()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.log.Warn("fpm peer disconnected", "error", err)
	}
}

func (c *Client) serve(ctx context.Context, conn net.Conn) error {
	// the peer never talks back; reading only detects a closed connection
	closed := make(chan error, 1)
	go func() {
		_, err := io.Copy(io.Discard, conn)
		if err == nil {
			err = io.EOF
		}
		closed <- err
	}()

	c.drain()
	c.connected.Store(true)
	if c.OnConnect != nil {
		c.OnConnect()
	}
	for {
		select {
		case <-ctx.Done():
			_ = conn.Close()
			<-closed
			return ctx.Err()
		case err := <-closed:
			return err
		case frame := <-c.queue:
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if _, err := conn.Write(frame); err != nil {
				_ = conn.Close()
				<-closed
				return err
			}
			perf.FpmSentPerSecond.Add(1)
			perf.FpmSentBytesPerSecond.Add(float64(len(frame)))
		}
	}
}

// drain discards frames queued for a previous connection.
func (c *Client) drain() {
	for {
		select {
		case <-c.queue:
		default:
			return
		}
	}
}
