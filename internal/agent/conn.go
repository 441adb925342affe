package agent

import (
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

var (
	ErrConnClosed = errors.New("agent: connection closed")
	ErrOutboxFull = errors.New("agent: outbox full")
)

// Conn is one agent session. Writes are queued and flushed by a dedicated
// goroutine, so callers never block on the socket.
type Conn struct {
	nc           net.Conn
	remote       string
	writeTimeout time.Duration
	deadAfter    time.Duration
	log          zerolog.Logger

	enbID    atomic.Uint32
	bound    atomic.Bool
	seq      atomic.Uint32
	lastSeen atomic.Int64

	outbox    chan []byte
	closed    chan struct{}
	closeOnce sync.Once
}

func newConn(nc net.Conn, cfg Config, logger zerolog.Logger) *Conn {
	remote := nc.RemoteAddr().String()
	c := &Conn{
		nc:           nc,
		remote:       remote,
		writeTimeout: cfg.WriteTimeout,
		deadAfter:    cfg.DeadAfter,
		log:          logger.With().Str("remote", remote).Logger(),
		outbox:       make(chan []byte, cfg.OutboxSize),
		closed:       make(chan struct{}),
	}
	c.touch()
	return c
}

// ENBID is zero until the first frame has been read.
func (c *Conn) ENBID() uint32 {
	return c.enbID.Load()
}

func (c *Conn) RemoteAddr() string {
	return c.remote
}

func (c *Conn) LastSeen() time.Time {
	return time.Unix(0, c.lastSeen.Load())
}

// IsReachable reports whether the session is open and the agent has sent
// something within the dead-after window.
func (c *Conn) IsReachable() bool {
	select {
	case <-c.closed:
		return false
	default:
	}
	return time.Since(c.LastSeen()) <= c.deadAfter
}

func (c *Conn) NextSeq() uint32 {
	return c.seq.Add(1)
}

// Write queues one encoded frame. It fails instead of blocking when the
// queue is full.
func (c *Conn) Write(frame []byte) error {
	select {
	case <-c.closed:
		return ErrConnClosed
	default:
	}
	select {
	case c.outbox <- frame:
		return nil
	case <-c.closed:
		return ErrConnClosed
	default:
		return ErrOutboxFull
	}
}

func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		err = c.nc.Close()
	})
	return err
}

// Done is closed once the connection has been closed.
func (c *Conn) Done() <-chan struct{} {
	return c.closed
}

func (c *Conn) bind(enbID uint32) bool {
	if c.bound.Load() {
		return false
	}
	c.enbID.Store(enbID)
	c.bound.Store(true)
	return true
}

func (c *Conn) touch() {
	c.lastSeen.Store(time.Now().UnixNano())
}

func (c *Conn) writeLoop() {
	for {
		select {
		case <-c.closed:
			return
		case frame := <-c.outbox:
			if c.writeTimeout > 0 {
				_ = c.nc.SetWriteDeadline(time.Now().Add(c.writeTimeout))
			}
			if _, err := c.nc.Write(frame); err != nil {
				c.log.Warn().Err(err).Uint32("enb_id", c.ENBID()).Msg("agent write failed")
				_ = c.Close()
				return
			}
		}
	}
}
