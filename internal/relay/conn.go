package relay

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// ErrPeerClosed is returned by writes on a peer that has been closed.
var ErrPeerClosed = errors.New("peer closed")

// DefaultWriteTimeout bounds every write so a peer that stops reading
// cannot hold the write lock indefinitely.
const DefaultWriteTimeout = 10 * time.Second

// Conn is the subset of *websocket.Conn the relay uses.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Peer serializes writes to a websocket and makes Close idempotent. Reads are
// not guarded; each peer has exactly one reading goroutine.
type Peer struct {
	conn         Conn
	writeTimeout time.Duration
	writeMu      sync.Mutex
	closeOnce    sync.Once
	closed       atomic.Bool
}

func NewPeer(conn Conn) *Peer {
	return &Peer{conn: conn, writeTimeout: DefaultWriteTimeout}
}

// SetWriteTimeout changes the per-write deadline. Call before the peer is
// shared between goroutines.
func (p *Peer) SetWriteTimeout(d time.Duration) {
	if d > 0 {
		p.writeTimeout = d
	}
}

func (p *Peer) ReadMessage() (int, []byte, error) {
	return p.conn.ReadMessage()
}

// SetReadDeadline bounds the next reads; the zero time clears it.
func (p *Peer) SetReadDeadline(t time.Time) error {
	return p.conn.SetReadDeadline(t)
}

func (p *Peer) WriteJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	return p.write(websocket.TextMessage, data)
}

func (p *Peer) WriteText(data []byte) error {
	return p.write(websocket.TextMessage, data)
}

func (p *Peer) WriteBinary(data []byte) error {
	return p.write(websocket.BinaryMessage, data)
}

func (p *Peer) write(messageType int, data []byte) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	if p.closed.Load() {
		return ErrPeerClosed
	}
	if err := p.conn.SetWriteDeadline(time.Now().Add(p.writeTimeout)); err != nil {
		return err
	}
	return p.conn.WriteMessage(messageType, data)
}

// Ping sends a ping control frame; the browser answers with a pong.
func (p *Peer) Ping() error {
	if p.closed.Load() {
		return ErrPeerClosed
	}
	ws, ok := p.conn.(*websocket.Conn)
	if !ok {
		return nil
	}
	return ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(p.writeTimeout))
}

// Close sends a normal close frame when possible and closes the socket.
func (p *Peer) Close() error {
	var err error
	p.closeOnce.Do(func() {
		p.closed.Store(true)
		// WriteControl may run concurrently with a pending WriteMessage.
		if ws, ok := p.conn.(*websocket.Conn); ok {
			_ = ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
		}
		err = p.conn.Close()
	})
	return err
}

func (p *Peer) Closed() bool {
	return p.closed.Load()
}
