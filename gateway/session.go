package gateway

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/tarancss/ledgerfeed/lib/config"
	"github.com/tarancss/ledgerfeed/lib/ledger"
	"github.com/tarancss/ledgerfeed/lib/ledger/types"
	"github.com/tarancss/ledgerfeed/lib/metrics"
)

const (
	// Message limit for receiving side.
	wsReadLimit = 4096

	// Disconnection timeout.
	wsPongLimit = 60 * time.Second

	// Ping period for connection liveness check.
	wsPingPeriod = wsPongLimit / 2

	// Write deadline.
	wsWriteLimit = wsPingPeriod / 2
)

// session is one client stream. Its interests are only changed by the goroutine reading its commands; every frame
// goes through a bounded queue drained by its writer goroutine.
type session struct {
	id  string
	ws  *websocket.Conn
	g   *Gateway
	log *zap.Logger

	l      sync.Mutex
	queue  []*websocket.PreparedMessage
	closed bool
	wake   chan struct{}
	done   chan struct{}
	once   sync.Once

	address string
	ledger  bool
}

func newSession(g *Gateway, ws *websocket.Conn) *session {
	id := uuid.NewString()

	return &session{
		id:   id,
		ws:   ws,
		g:    g,
		log:  g.log.With(zap.String("session", id)),
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

// enqueue queues m applying the overflow policy. It reports whether m was queued.
func (s *session) enqueue(m *websocket.PreparedMessage) bool {
	s.l.Lock()

	if s.closed {
		s.l.Unlock()

		return false
	}

	if len(s.queue) >= s.g.opts.SessionBuffer {
		if s.g.opts.Overflow == config.Disconnect {
			s.l.Unlock()

			metrics.EventsDropped.WithLabelValues("slow_session").Inc()
			s.log.Warn("session queue is full, disconnecting", zap.Int("queued", s.g.opts.SessionBuffer))
			s.close()

			return false
		}

		s.queue[0] = nil
		s.queue = s.queue[1:]

		metrics.EventsDropped.WithLabelValues("overflow").Inc()
	}

	s.queue = append(s.queue, m)
	s.l.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}

	return true
}

// pop returns the oldest queued frame or nil.
func (s *session) pop() *websocket.PreparedMessage {
	s.l.Lock()
	defer s.l.Unlock()

	if len(s.queue) == 0 {
		return nil
	}

	m := s.queue[0]
	s.queue[0] = nil
	s.queue = s.queue[1:]

	return m
}

// close discards the queue and closes the connection, unblocking the reader.
func (s *session) close() {
	s.once.Do(func() {
		s.l.Lock()
		s.closed = true
		s.queue = nil
		s.l.Unlock()

		close(s.done)

		if s.ws != nil {
			_ = s.ws.Close()
		}
	})
}

// reply queues a frame for this session only.
func (s *session) reply(f frame) {
	pm, err := prepare(f)
	if err != nil {
		s.log.Error("cannot encode frame", zap.String("type", f.Type), zap.Error(err))

		return
	}

	s.enqueue(pm)
}

func (s *session) writer() {
	pingTicker := time.NewTicker(wsPingPeriod)
	defer pingTicker.Stop()
	defer s.close()

	for {
		select {
		case <-s.done:
			return
		case <-s.wake:
			for m := s.pop(); m != nil; m = s.pop() {
				if err := s.ws.SetWriteDeadline(time.Now().Add(wsWriteLimit)); err != nil {
					return
				}

				if err := s.ws.WritePreparedMessage(m); err != nil {
					s.log.Debug("session write failed", zap.Error(err))

					return
				}
			}
		case <-pingTicker.C:
			if err := s.ws.SetWriteDeadline(time.Now().Add(wsWriteLimit)); err != nil {
				return
			}

			if err := s.ws.WriteMessage(websocket.PingMessage, []byte{}); err != nil {
				return
			}
		}
	}
}

// serve reads the session commands until the client goes away, then releases every interest of the session.
func (s *session) serve() {
	defer s.finish()

	s.ws.SetReadLimit(wsReadLimit)
	err := s.ws.SetReadDeadline(time.Now().Add(wsPongLimit))
	s.ws.SetPongHandler(func(string) error { return s.ws.SetReadDeadline(time.Now().Add(wsPongLimit)) })

	s.reply(frame{Type: frameConnection, Data: connectionInfo{
		SessionID: s.id,
		Network:   s.g.conn.Network(),
		State:     s.g.conn.State(),
	}})

	for err == nil {
		var b []byte

		if _, b, err = s.ws.ReadMessage(); err != nil {
			break
		}

		// reading resets the deadline, clients not answering pings still time out
		err = s.ws.SetReadDeadline(time.Now().Add(wsPongLimit))

		ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
		if s.g.limiter.Allow(ctx, "session:"+s.id, s.g.opts.RateLimit, s.g.opts.RateWindow) {
			s.handle(ctx, b)
		} else {
			metrics.RateLimited.WithLabelValues("session").Inc()
			s.log.Debug("session command rate limited")
		}
		cancel()
	}

	s.log.Debug("session closed", zap.Error(err))
}

// handle executes one client command.
func (s *session) handle(ctx context.Context, b []byte) {
	var c command
	if err := json.Unmarshal(b, &c); err != nil || c.Type == "" {
		s.reply(frame{Type: frameError, Message: "malformed command"})

		return
	}

	switch c.Type {
	case cmdPing:
		s.reply(frame{Type: framePong})
	case cmdSubscribeLedger:
		if s.ledger {
			return
		}

		s.g.subs.Acquire(ctx, types.LedgerKey)
		s.ledger = true
		s.g.reg.setLedger(s, true)
	case cmdUnsubscribeLedger:
		if !s.ledger {
			return
		}

		s.ledger = false
		s.g.reg.setLedger(s, false)
		s.g.release(ctx, types.LedgerKey)
	case cmdSubscribeWallet:
		if !ledger.ValidAddress(c.Address) {
			s.reply(frame{Type: frameError, Message: "invalid address"})

			return
		}

		if c.Address == s.address {
			return
		}

		old := s.address
		s.g.subs.Acquire(ctx, c.Address)
		s.address = c.Address
		s.g.reg.setAddress(s, old, c.Address)

		if old != "" {
			s.g.release(ctx, old)
		}
	case cmdUnsubscribeWallet:
		if s.address == "" {
			return
		}

		old := s.address
		s.address = ""
		s.g.reg.setAddress(s, old, "")
		s.g.release(ctx, old)
	default:
		s.log.Info("ignoring unknown command", zap.String("type", c.Type))
	}
}

// finish removes the session and releases its interests.
func (s *session) finish() {
	s.close()
	s.g.reg.remove(s, s.address)
	metrics.Sessions.Dec()

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	if s.address != "" {
		s.g.release(ctx, s.address)
	}

	if s.ledger {
		s.g.release(ctx, types.LedgerKey)
	}
}
