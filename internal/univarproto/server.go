package univarproto

import (
	"bufio"
	"context"
	"net"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/nsh-project/nsh/internal/univarstore"
)

// Server implements the universal-variable daemon side of C10: it accepts
// connections over a UNIX socket, persists SET/SET_EXPORT/ERASE to a
// Store, and fans writes out to every other connected client. BARRIER
// handling flushes a client's own pending outbound queue before replying,
// giving that client causal consistency without requiring server-wide
// synchrony (spec §4.8 "Barrier primitive").
type Server struct {
	log   *zap.Logger
	store *univarstore.Store

	mu      sync.Mutex
	clients map[string]*serverConn

	// barrierGroup wraps BARRIER handling, keyed by client id, so one
	// client's barrier never waits on another's; see handleBarrier.
	barrierGroup singleflight.Group
}

type serverConn struct {
	id  string
	w   *bufio.Writer
	out chan Message
	mu  sync.Mutex
}

// NewServer constructs a Server backed by store.
func NewServer(log *zap.Logger, store *univarstore.Store) *Server {
	return &Server{
		log:     log.Named("univarserver"),
		store:   store,
		clients: make(map[string]*serverConn),
	}
}

// Serve accepts connections on l until it returns an error (typically from
// l.Close()).
func (s *Server) Serve(l net.Listener) error {
	for {
		conn, err := l.Accept()
		if err != nil {
			return err
		}
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()

	sc := &serverConn{
		id:  uuid.NewString(),
		w:   bufio.NewWriter(conn),
		out: make(chan Message, 256),
	}

	s.mu.Lock()
	s.clients[sc.id] = sc
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.clients, sc.id)
		s.mu.Unlock()
	}()

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.writeLoop(sc, conn)
	}()

	// Replay current state so the client has a consistent view even before
	// its first BARRIER (SPEC_FULL "Universal variable persistence"). This
	// must happen, and fully enqueue onto sc.out, before the read loop
	// below can observe an incoming BARRIER and enqueue BARRIER_REPLY:
	// running it synchronously here, strictly before the read loop starts,
	// is what gives that ordering - running it on its own goroutine (as a
	// previous version of this function did) raced the read loop, since
	// nothing serialized "every replay record enqueued" before "BARRIER_
	// REPLY enqueued" when a client barriers immediately after connecting.
	s.replay(sc)

	r := bufio.NewReader(conn)
	for {
		msg, err := ReadMessage(r)
		if err != nil {
			return
		}
		s.handleMessage(sc, msg)
	}
}

func (s *Server) replay(sc *serverConn) {
	recs, err := s.store.All(context.Background())
	if err != nil {
		s.log.Warn("replay failed", zap.Error(err))
		return
	}
	for _, rec := range recs {
		op := OpSet
		if rec.Exported {
			op = OpSetExport
		}
		sc.out <- Message{Op: op, Name: rec.Name, Value: rec.Value}
	}
}

func (s *Server) writeLoop(sc *serverConn, conn net.Conn) {
	for msg := range sc.out {
		sc.mu.Lock()
		err := WriteMessage(sc.w, msg)
		sc.mu.Unlock()
		if err != nil {
			return
		}
	}
}

func (s *Server) handleMessage(sc *serverConn, msg Message) {
	ctx := context.Background()

	switch msg.Op {
	case OpSet, OpSetExport:
		if err := s.store.Set(ctx, msg.Name, msg.Value, msg.Op == OpSetExport); err != nil {
			s.log.Warn("persist SET failed", zap.String("name", msg.Name), zap.Error(err))
			return
		}
		s.broadcast(sc.id, msg)

	case OpErase:
		if err := s.store.Erase(ctx, msg.Name); err != nil {
			s.log.Warn("persist ERASE failed", zap.String("name", msg.Name), zap.Error(err))
			return
		}
		s.broadcast(sc.id, msg)

	case OpBarrier:
		s.handleBarrier(sc)
	}
}

// broadcast fans msg out to every connected client except the originator
// (spec C10 "multi-client fan-out contract").
func (s *Server) broadcast(originID string, msg Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, c := range s.clients {
		if id == originID {
			continue
		}
		select {
		case c.out <- msg:
		default:
			s.log.Warn("client outbox full, dropping update", zap.String("client", id))
		}
	}
}

// handleBarrier flushes sc's pending outbound messages (guaranteed by the
// fact that writeLoop drains sc.out in order before the BARRIER_REPLY is
// enqueued after them) and replies.
//
// handleBarrier is called from the connection's own read loop, one
// message at a time, so calls for the same client never overlap and the
// singleflight key never merges two requests: every BARRIER gets its own
// BARRIER_REPLY.
func (s *Server) handleBarrier(sc *serverConn) {
	_, _, _ = s.barrierGroup.Do(sc.id, func() (any, error) {
		sc.out <- Message{Op: OpBarrierAck}
		return nil, nil
	})
}
