package gateway

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"telegate/internal/constants"
	"telegate/internal/session"
)

var ErrSendQueueFull = errors.New("send queue full")

type WSOptions struct {
	QueueSize    int
	PingInterval time.Duration
	ReadLimit    int64
	WriteWait    time.Duration
}

// WSTransport adapts a gorilla connection to session.Transport. Writes are
// queued and flushed by a single writer goroutine, which also sends pings.
type WSTransport struct {
	conn       *websocket.Conn
	remoteAddr string
	opts       WSOptions

	send    chan []byte
	closing chan struct{}
	done    chan struct{}

	closeOnce   sync.Once
	closeCode   int
	closeReason string

	onPong func()
}

func NewWSTransport(conn *websocket.Conn, remoteAddr string, opts WSOptions) *WSTransport {
	if opts.QueueSize <= 0 {
		opts.QueueSize = constants.DefaultSendQueueSize
	}
	if opts.WriteWait <= 0 {
		opts.WriteWait = constants.WriteWait
	}
	if remoteAddr == "" {
		remoteAddr = conn.RemoteAddr().String()
	}

	t := &WSTransport{
		conn:       conn,
		remoteAddr: remoteAddr,
		opts:       opts,
		send:       make(chan []byte, opts.QueueSize),
		closing:    make(chan struct{}),
		done:       make(chan struct{}),
	}
	if opts.ReadLimit > 0 {
		conn.SetReadLimit(opts.ReadLimit)
	}
	conn.SetPongHandler(func(string) error {
		if t.onPong != nil {
			t.onPong()
		}
		return nil
	})

	go t.writeLoop()
	return t
}

// OnPong registers fn to run for every pong frame. It must be set before
// the first ReadMessage call.
func (t *WSTransport) OnPong(fn func()) {
	t.onPong = fn
}

func (t *WSTransport) ReadMessage() ([]byte, error) {
	for {
		mt, data, err := t.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if mt == websocket.TextMessage || mt == websocket.BinaryMessage {
			return data, nil
		}
	}
}

// WriteMessage enqueues data without waiting on the network.
func (t *WSTransport) WriteMessage(data []byte) error {
	select {
	case <-t.closing:
		return session.ErrTransportClosed
	case <-t.done:
		return session.ErrTransportClosed
	default:
	}

	select {
	case t.send <- data:
		return nil
	default:
		return ErrSendQueueFull
	}
}

// Close asks the writer to flush queued frames, send a close frame and
// release the connection. It does not wait for the peer.
func (t *WSTransport) Close(code int, reason string) error {
	t.closeOnce.Do(func() {
		t.closeCode = code
		t.closeReason = reason
		close(t.closing)
	})
	return nil
}

// Done is closed once the underlying connection has been released.
func (t *WSTransport) Done() <-chan struct{} {
	return t.done
}

func (t *WSTransport) RemoteAddr() string {
	return t.remoteAddr
}

func (t *WSTransport) writeLoop() {
	var ping <-chan time.Time
	if t.opts.PingInterval > 0 {
		ticker := time.NewTicker(t.opts.PingInterval)
		defer ticker.Stop()
		ping = ticker.C
	}
	defer func() {
		t.conn.Close()
		close(t.done)
	}()

	for {
		select {
		case msg := <-t.send:
			if err := t.write(msg); err != nil {
				return
			}
		case <-ping:
			deadline := time.Now().Add(t.opts.WriteWait)
			if err := t.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		case <-t.closing:
			t.flush()
			msg := websocket.FormatCloseMessage(t.closeCode, t.closeReason)
			t.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(t.opts.WriteWait))
			return
		}
	}
}

func (t *WSTransport) write(msg []byte) error {
	t.conn.SetWriteDeadline(time.Now().Add(t.opts.WriteWait))
	return t.conn.WriteMessage(websocket.TextMessage, msg)
}

func (t *WSTransport) flush() {
	for {
		select {
		case msg := <-t.send:
			if err := t.write(msg); err != nil {
				return
			}
		default:
			return
		}
	}
}
