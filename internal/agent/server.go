package agent

import (
	"bufio"
	"context"
	"errors"
	"io"
	"maps"
	"net"
	"slices"
	"sync"
	"time"

	"github.com/danmuck/measctl/internal/observability"
	"github.com/danmuck/measctl/internal/protocol/vbsp"
	"github.com/danmuck/measctl/internal/trigger"
	"github.com/rs/zerolog"
)

// AgentInfo is the listing view of one bound agent.
type AgentInfo struct {
	ENBID      uint32    `json:"enb_id"`
	RemoteAddr string    `json:"remote_addr"`
	LastSeen   time.Time `json:"last_seen"`
	Reachable  bool      `json:"reachable"`
}

// Server accepts agent sessions and routes their reply frames.
type Server struct {
	cfg Config
	log zerolog.Logger

	handlersMu sync.RWMutex
	handlers   map[uint8]trigger.FrameHandler

	mu    sync.RWMutex
	byENB map[uint32]*Conn

	connsMu sync.Mutex
	conns   map[*Conn]struct{}
}

func NewServer(cfg Config, logger zerolog.Logger) *Server {
	return &Server{
		cfg:      cfg.WithDefaults(),
		log:      logger,
		handlers: make(map[uint8]trigger.FrameHandler),
		byENB:    make(map[uint32]*Conn),
		conns:    make(map[*Conn]struct{}),
	}
}

// Handle registers h for reply frames carrying action. A later call for the
// same action replaces the handler.
func (s *Server) Handle(action uint8, h trigger.FrameHandler) {
	s.handlersMu.Lock()
	defer s.handlersMu.Unlock()
	s.handlers[action] = h
}

// Lookup implements directory.ConnectionResolver.
func (s *Server) Lookup(enbID uint32) (trigger.Connection, bool) {
	c, ok := s.Connection(enbID)
	if !ok {
		return nil, false
	}
	return c, true
}

func (s *Server) Connection(enbID uint32) (*Conn, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.byENB[enbID]
	return c, ok
}

// Agents returns every bound agent ordered by eNB id.
func (s *Server) Agents() []AgentInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := slices.Sorted(maps.Keys(s.byENB))
	out := make([]AgentInfo, 0, len(ids))
	for _, id := range ids {
		c := s.byENB[id]
		out = append(out, AgentInfo{
			ENBID:      id,
			RemoteAddr: c.RemoteAddr(),
			LastSeen:   c.LastSeen(),
			Reachable:  c.IsReachable(),
		})
	}
	return out
}

// Serve runs the accept loop until ctx is cancelled or ln fails.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	if err := s.cfg.Validate(); err != nil {
		return err
	}
	defer ln.Close()
	go func() {
		<-ctx.Done()
		s.closeAllConns()
		_ = ln.Close()
	}()

	s.log.Info().Str("addr", ln.Addr().String()).Msg("agent listener ready")
	for {
		nc, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		c := newConn(nc, s.cfg, s.log)
		s.trackConn(c)
		go c.writeLoop()
		go s.handleConn(c)
	}
}

func (s *Server) handleConn(c *Conn) {
	defer s.untrackConn(c)
	defer c.Close()
	c.log.Info().Msg("agent connected")

	reader := bufio.NewReader(c.nc)
	limits := s.cfg.limits()
	for {
		_ = c.nc.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		fr, err := vbsp.ReadFrame(reader, limits)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				c.log.Info().Uint32("enb_id", c.ENBID()).Msg("agent disconnected")
			} else {
				c.log.Warn().Err(err).Uint32("enb_id", c.ENBID()).Msg("agent read failed")
			}
			s.unbind(c)
			return
		}
		c.touch()

		if c.bind(fr.Header.ENBID) {
			s.bindENB(c)
		} else if fr.Header.ENBID != c.ENBID() {
			c.log.Warn().
				Uint32("enb_id", c.ENBID()).
				Uint32("frame_enb_id", fr.Header.ENBID).
				Msg("frame for foreign enb dropped")
			observability.RecordAgentFrame(fr.Header.Action, false)
			continue
		}
		s.dispatch(c, fr)
	}
}

func (s *Server) dispatch(c *Conn, fr vbsp.Frame) {
	if fr.Header.Action == vbsp.ActHello {
		if fr.Header.Dir == vbsp.DirRequest {
			s.replyHello(c, fr.Header)
		}
		observability.RecordAgentFrame(fr.Header.Action, true)
		return
	}
	if fr.Header.Dir != vbsp.DirReply {
		c.log.Debug().Uint8("action", fr.Header.Action).Uint8("dir", fr.Header.Dir).Msg("unexpected request from agent")
		observability.RecordAgentFrame(fr.Header.Action, false)
		return
	}

	s.handlersMu.RLock()
	h := s.handlers[fr.Header.Action]
	s.handlersMu.RUnlock()
	if h == nil {
		c.log.Debug().Uint8("action", fr.Header.Action).Msg("no handler for action")
		observability.RecordAgentFrame(fr.Header.Action, false)
		return
	}
	h(fr.Payload, fr.Header.ModuleID)
	observability.RecordAgentFrame(fr.Header.Action, true)
}

func (s *Server) replyHello(c *Conn, in vbsp.Header) {
	out := in
	out.Dir = vbsp.DirReply
	out.Op = vbsp.OpSuccess
	out.Seq = c.NextSeq()
	if err := c.Write(vbsp.EncodeHeader(out)); err != nil {
		c.log.Warn().Err(err).Msg("hello reply dropped")
	}
}

func (s *Server) bindENB(c *Conn) {
	enbID := c.ENBID()
	s.mu.Lock()
	old := s.byENB[enbID]
	s.byENB[enbID] = c
	n := len(s.byENB)
	s.mu.Unlock()

	observability.SetConnectedAgents(n)
	if old != nil && old != c {
		old.log.Info().Uint32("enb_id", enbID).Msg("agent session replaced")
		_ = old.Close()
	}
	c.log.Info().Uint32("enb_id", enbID).Msg("agent bound")
}

func (s *Server) unbind(c *Conn) {
	if !c.bound.Load() {
		return
	}
	s.mu.Lock()
	if s.byENB[c.ENBID()] == c {
		delete(s.byENB, c.ENBID())
	}
	n := len(s.byENB)
	s.mu.Unlock()
	observability.SetConnectedAgents(n)
}

func (s *Server) trackConn(c *Conn) {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	s.conns[c] = struct{}{}
}

func (s *Server) untrackConn(c *Conn) {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	delete(s.conns, c)
}

func (s *Server) closeAllConns() {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	for c := range s.conns {
		_ = c.Close()
		delete(s.conns, c)
	}
}
