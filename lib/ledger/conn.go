package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tarancss/ledgerfeed/lib/ledger/types"
)

const (
	// Message limit for receiving side.
	wsReadLimit = 10 * 1024 * 1024

	// Disconnection timeout.
	wsPongLimit = 60 * time.Second

	// Ping period for connection liveness check.
	wsPingPeriod = wsPongLimit / 2

	// Write deadline.
	wsWriteLimit = wsPingPeriod / 2

	dialTimeout = 10 * time.Second
	writeQueue  = 64
)

// Transport is one live upstream connection. Read is called by a single goroutine; Write may be called
// concurrently. Close unblocks Read.
type Transport interface {
	Read() ([]byte, error)
	Write(ctx context.Context, msg []byte) error
	Close() error
}

// Dialer opens a Transport to endpoint.
type Dialer func(ctx context.Context, endpoint string) (Transport, error)

type wsConn struct {
	ws       *websocket.Conn
	requests chan []byte
	shutdown chan struct{}
	done     chan struct{}
	once     sync.Once
}

// DialWS opens a websocket Transport.
func DialWS(ctx context.Context, endpoint string) (Transport, error) {
	dialer := websocket.Dialer{HandshakeTimeout: dialTimeout}

	ws, _, err := dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return nil, err
	}

	c := &wsConn{
		ws:       ws,
		requests: make(chan []byte, writeQueue),
		shutdown: make(chan struct{}),
		done:     make(chan struct{}),
	}

	ws.SetReadLimit(wsReadLimit)
	ws.SetPongHandler(func(string) error { return ws.SetReadDeadline(time.Now().Add(wsPongLimit)) })

	go c.writer()

	return c, nil
}

func (c *wsConn) Read() ([]byte, error) {
	if err := c.ws.SetReadDeadline(time.Now().Add(wsPongLimit)); err != nil {
		return nil, err
	}

	_, b, err := c.ws.ReadMessage()

	return b, err
}

func (c *wsConn) Write(ctx context.Context, msg []byte) error {
	select {
	case <-c.done:
		return types.ErrConnectionLost
	case <-ctx.Done():
		return ctx.Err()
	case c.requests <- msg:
		return nil
	}
}

// Close stops the writer, which closes the socket.
func (c *wsConn) Close() error {
	c.once.Do(func() { close(c.shutdown) })
	<-c.done

	return nil
}

func (c *wsConn) writer() {
	pingTicker := time.NewTicker(wsPingPeriod)

	defer close(c.done)
	defer c.ws.Close()
	defer pingTicker.Stop()

	for {
		select {
		case <-c.shutdown:
			_ = c.ws.SetWriteDeadline(time.Now().Add(wsWriteLimit))
			_ = c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))

			return
		case req := <-c.requests:
			_ = c.ws.SetWriteDeadline(time.Now().Add(wsWriteLimit))
			if err := c.ws.WriteMessage(websocket.TextMessage, req); err != nil {
				return
			}
		case <-pingTicker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(wsWriteLimit))
			if err := c.ws.WriteMessage(websocket.PingMessage, []byte{}); err != nil {
				return
			}
		}
	}
}
