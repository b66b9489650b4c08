package live

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"

	"github.com/zhouzirui/tutor-voice/backend/internal/metrics"
	"github.com/zhouzirui/tutor-voice/backend/internal/model/voice"
)

// conn is the write side of one client socket. All socket writes happen on
// the writer goroutine; Send only enqueues.
type conn struct {
	ws      *websocket.Conn
	out     chan []byte
	done    chan struct{}
	stopped chan struct{}
	once    sync.Once
	aborted atomic.Bool

	pingInterval time.Duration
	writeTimeout time.Duration
	metrics      *metrics.Metrics
	log          *log.Logger
}

func newConn(ws *websocket.Conn, opts Options, m *metrics.Metrics, l *log.Logger) *conn {
	return &conn{
		ws:           ws,
		out:          make(chan []byte, opts.OutboundQueue),
		done:         make(chan struct{}),
		stopped:      make(chan struct{}),
		pingInterval: opts.PingInterval,
		writeTimeout: opts.WriteTimeout,
		metrics:      m,
		log:          l,
	}
}

// Send queues msg for the client. It never blocks: when the queue is full
// or the connection is closing the frame is dropped and false is returned.
func (c *conn) Send(msg voice.ServerMessage) bool {
	data, err := json.Marshal(msg)
	if err != nil {
		c.log.Error("encode server message", "type", msg.Type, "err", err)
		return false
	}

	select {
	case <-c.done:
		return false
	case <-c.stopped:
		return false
	default:
	}

	select {
	case c.out <- data:
		return true
	default:
		c.metrics.RecordDroppedFrame()
		c.log.Warn("outbound queue full, dropping frame", "type", msg.Type)
		return false
	}
}

// Close flushes queued frames, sends a close frame and closes the socket.
func (c *conn) Close() error {
	c.once.Do(func() { close(c.done) })
	<-c.stopped
	return c.ws.Close()
}

// Abort closes the socket, discarding queued frames. Used once the peer is gone.
func (c *conn) Abort() error {
	c.aborted.Store(true)
	return c.Close()
}

func (c *conn) writeLoop() {
	defer close(c.stopped)

	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			if c.aborted.Load() {
				return
			}
			c.drain()
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(c.writeTimeout))
			return
		case data := <-c.out:
			if err := c.write(data); err != nil {
				c.fail(err)
				return
			}
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.writeTimeout)); err != nil {
				c.fail(err)
				return
			}
		}
	}
}

func (c *conn) drain() {
	for {
		select {
		case data := <-c.out:
			if err := c.write(data); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *conn) write(data []byte) error {
	if err := c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// fail closes the socket so the read loop unblocks and runs teardown.
func (c *conn) fail(err error) {
	c.log.Warn("client write failed", "err", err)
	_ = c.ws.Close()
}
