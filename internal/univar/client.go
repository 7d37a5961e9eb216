// Package univar implements the universal-variable client (spec component
// C9): a connection to the universal server over a UNIX socket, a send
// queue, an inbound dispatch loop, reconnection with bounded retries, and
// the barrier primitive exposed as a blocking call (spec §9 models it as
// "a future completed when BARRIER_REPLY arrives" — here, a channel).
package univar

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nsh-project/nsh/internal/univarproto"
)

// ErrBarrierTimeout is returned when a BARRIER is not acknowledged before
// ctx expires.
var ErrBarrierTimeout = errors.New("univar: barrier timed out")

// Callback is invoked for every inbound SET/SET_EXPORT/ERASE, per spec
// §4.8 "Callback": (type, name, optional value). value is "" for ERASE.
type Callback func(op univarproto.Op, name, value string)

// Spawner attempts to start the universal daemon locally, used on the
// first reconnect attempt per spec §4.8 "Reconnection". Returns an error
// if it could not even attempt to spawn.
type Spawner func() error

// Client is a universal-variable connection. One Client is associated
// with one shell process; it is NOT safe to share across unrelated
// shells (each gets its own socket connection and ID), matching spec §3
// "Universal variable" cache-per-client semantics.
type Client struct {
	log     *zap.Logger
	addr    string
	cb      Callback
	spawn   Spawner
	maxTries int

	mu      sync.Mutex
	conn    net.Conn
	w       *bufio.Writer
	alive   bool
	barrier chan struct{} // non-nil while a BARRIER is outstanding

	id string
}

// New constructs a Client that will dial addr (a UNIX socket path) on
// first Connect. maxTries bounds reconnection attempts; 0 selects the
// spec default of 32.
func New(log *zap.Logger, addr string, cb Callback, spawn Spawner, maxTries int) *Client {
	if maxTries <= 0 {
		maxTries = 32
	}
	return &Client{
		log:      log.Named("univar"),
		addr:     addr,
		cb:       cb,
		spawn:    spawn,
		maxTries: maxTries,
		id:       uuid.NewString(),
	}
}

// Connect dials the universal socket and starts the inbound dispatch
// loop. Safe to call again after a disconnect to force a fresh attempt.
func (c *Client) Connect(ctx context.Context) error {
	return c.reconnect(ctx, false)
}

func (c *Client) reconnect(ctx context.Context, viaSpawn bool) error {
	var lastErr error
	for attempt := 0; attempt < c.maxTries; attempt++ {
		if attempt == 1 && c.spawn != nil {
			if err := c.spawn(); err != nil {
				c.log.Warn("daemon spawn attempt failed", zap.Error(err))
			}
		}

		conn, err := net.Dial("unix", c.addr)
		if err == nil {
			c.mu.Lock()
			c.conn = conn
			c.w = bufio.NewWriter(conn)
			c.alive = true
			c.mu.Unlock()

			go c.readLoop(conn)

			// Recovery point per spec §4.8: a barrier on reconnect re-syncs.
			bctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			berr := c.Barrier(bctx)
			cancel()
			if berr != nil {
				c.log.Warn("post-reconnect barrier failed", zap.Error(berr))
			}
			return nil
		}
		lastErr = err

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff(attempt)):
		}
	}
	return fmt.Errorf("univar: reconnect exhausted %d attempts: %w", c.maxTries, lastErr)
}

func backoff(attempt int) time.Duration {
	d := time.Duration(attempt+1) * 50 * time.Millisecond
	if d > 2*time.Second {
		d = 2 * time.Second
	}
	return d
}

func (c *Client) readLoop(conn net.Conn) {
	r := bufio.NewReader(conn)
	for {
		msg, err := univarproto.ReadMessage(r)
		if err != nil {
			c.markDead()
			return
		}

		switch msg.Op {
		case univarproto.OpBarrierAck:
			c.mu.Lock()
			if c.barrier != nil {
				close(c.barrier)
				c.barrier = nil
			}
			c.mu.Unlock()
		case univarproto.OpSet, univarproto.OpSetExport, univarproto.OpErase:
			if c.cb != nil {
				c.cb(msg.Op, msg.Name, msg.Value)
			}
		}
	}
}

func (c *Client) markDead() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.alive = false
	if c.conn != nil {
		_ = c.conn.Close()
	}
	if c.barrier != nil {
		close(c.barrier)
		c.barrier = nil
	}
}

// Alive reports whether the connection is currently believed live.
func (c *Client) Alive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.alive
}

func (c *Client) send(m univarproto.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.alive || c.w == nil {
		return errors.New("univar: connection not alive")
	}
	return univarproto.WriteMessage(c.w, m)
}

// Set issues SET name:value (or SET_EXPORT if exported).
func (c *Client) Set(name, value string, exported bool) error {
	op := univarproto.OpSet
	if exported {
		op = univarproto.OpSetExport
	}
	return c.send(univarproto.Message{Op: op, Name: name, Value: value})
}

// Erase issues ERASE name.
func (c *Client) Erase(name string) error {
	return c.send(univarproto.Message{Op: univarproto.OpErase, Name: name})
}

// Barrier issues BARRIER and blocks until BARRIER_REPLY arrives or ctx is
// done. Per spec §4.8, this is the synchronisation point guaranteeing the
// caller has observed every prior write the server had queued for it.
func (c *Client) Barrier(ctx context.Context) error {
	c.mu.Lock()
	if !c.alive {
		c.mu.Unlock()
		return errors.New("univar: connection not alive")
	}
	ch := make(chan struct{})
	c.barrier = ch
	err := univarproto.WriteMessage(c.w, univarproto.Message{Op: univarproto.OpBarrier})
	c.mu.Unlock()
	if err != nil {
		return err
	}

	select {
	case <-ch:
		// markDead also closes ch; a dead connection means no BARRIER_REPLY.
		if !c.Alive() {
			return errors.New("univar: connection lost before BARRIER_REPLY")
		}
		return nil
	case <-ctx.Done():
		return ErrBarrierTimeout
	}
}

// Close terminates the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.alive = false
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}
