package univar

import (
	"bufio"
	"context"
	"net"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/nsh-project/nsh/internal/univarproto"
)

// fakeServer is a minimal stand-in for univarproto.Server: it acks every
// BARRIER and echoes SET calls back as callbacks via the test's
// assertions, enough to exercise the client's framing and barrier future
// without a real socket listener.
func fakeServer(t *testing.T, conn net.Conn, received chan univarproto.Message) {
	t.Helper()
	r := bufio.NewReader(conn)
	w := bufio.NewWriter(conn)
	for {
		msg, err := univarproto.ReadMessage(r)
		if err != nil {
			return
		}
		if msg.Op == univarproto.OpBarrier {
			_ = univarproto.WriteMessage(w, univarproto.Message{Op: univarproto.OpBarrierAck})
			continue
		}
		received <- msg
	}
}

func TestClientSetAndBarrier(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	received := make(chan univarproto.Message, 4)
	go fakeServer(t, server, received)

	c := &Client{
		log:      zap.NewNop(),
		alive:    true,
		conn:     client,
		maxTries: 1,
	}
	c.w = bufio.NewWriter(client)
	go c.readLoop(client)

	if err := c.Set("FOO", "bar", false); err != nil {
		t.Fatalf("Set: %v", err)
	}

	select {
	case msg := <-received:
		if msg.Op != univarproto.OpSet || msg.Name != "FOO" || msg.Value != "bar" {
			t.Fatalf("unexpected message: %+v", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for SET to reach fake server")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.Barrier(ctx); err != nil {
		t.Fatalf("Barrier: %v", err)
	}
}
