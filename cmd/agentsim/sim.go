package main

import (
	"bufio"
	"context"
	"errors"
	"io"
	"math/rand"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/measctl/internal/protocol/rrc"
	"github.com/danmuck/measctl/internal/protocol/vbsp"
	"github.com/rs/zerolog"
)

// simulator plays one eNB agent: it announces itself, keeps the session
// alive with hellos and answers every measurement request with a synthetic
// report.
type simulator struct {
	cfg simConfig
	log zerolog.Logger

	rngMu sync.Mutex
	rng   *rand.Rand
}

func newSimulator(cfg simConfig, logger zerolog.Logger) *simulator {
	return &simulator{
		cfg: cfg,
		log: logger.With().Uint32("enb_id", cfg.ENBID).Logger(),
		rng: rand.New(rand.NewSource(cfg.Seed)),
	}
}

// run dials the controller until ctx is done, backing off between attempts.
func (s *simulator) run(ctx context.Context) error {
	var dialer net.Dialer
	attempt := 0
	for {
		nc, err := dialer.DialContext(ctx, "tcp", s.cfg.ControllerAddr)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			attempt++
			delay := s.backoff(attempt)
			s.log.Warn().Err(err).Int("attempt", attempt).Dur("retry_in", delay).Msg("dial controller failed")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(delay):
			}
			continue
		}

		attempt = 0
		s.log.Info().Str("controller", s.cfg.ControllerAddr).Msg("connected")
		err = s.session(ctx, nc)
		if ctx.Err() != nil {
			return nil
		}
		s.log.Warn().Err(err).Msg("session ended")
	}
}

func (s *simulator) backoff(attempt int) time.Duration {
	s.rngMu.Lock()
	defer s.rngMu.Unlock()
	return s.cfg.Backoff.Delay(attempt, s.rng)
}

func (s *simulator) session(ctx context.Context, nc net.Conn) error {
	defer nc.Close()
	stop := context.AfterFunc(ctx, func() { _ = nc.Close() })
	defer stop()

	var (
		writeMu sync.Mutex
		seq     atomic.Uint32
	)
	write := func(fr vbsp.Frame) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		if s.cfg.WriteTimeout > 0 {
			_ = nc.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
		}
		return vbsp.WriteFrame(nc, fr)
	}

	if err := write(s.hello(seq.Add(1))); err != nil {
		return err
	}

	heartbeatDone := make(chan struct{})
	defer close(heartbeatDone)
	go func() {
		ticker := time.NewTicker(s.cfg.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-heartbeatDone:
				return
			case <-ticker.C:
				if err := write(s.hello(seq.Add(1))); err != nil {
					_ = nc.Close()
					return
				}
			}
		}
	}()

	reader := bufio.NewReader(nc)
	for {
		fr, err := vbsp.ReadFrame(reader, vbsp.DefaultLimits())
		if err != nil {
			if errors.Is(err, io.EOF) {
				return io.EOF
			}
			return err
		}
		if fr.Header.Action != vbsp.ActRRCMeasurement || fr.Header.Dir != vbsp.DirRequest {
			continue
		}
		req, err := rrc.DecodeRequest(append(vbsp.EncodeHeader(fr.Header), fr.Payload...))
		if err != nil {
			s.log.Warn().Err(err).Msg("bad measurement request")
			continue
		}
		s.log.Debug().
			Uint32("module_id", req.ModuleID).
			Uint8("meas_id", req.MeasID).
			Uint16("rnti", req.RNTI).
			Uint16("earfcn", req.EARFCN).
			Msg("measurement request")
		if err := write(s.report(req)); err != nil {
			return err
		}
	}
}

func (s *simulator) hello(seq uint32) vbsp.Frame {
	return vbsp.Frame{Header: vbsp.Header{
		Type:    vbsp.TypeSingle,
		Version: vbsp.Version,
		ENBID:   s.cfg.ENBID,
		CellID:  s.cfg.CellID,
		Seq:     seq,
		Action:  vbsp.ActHello,
		Dir:     vbsp.DirRequest,
	}}
}

// report answers req with up to MaxCells neighbour entries.
func (s *simulator) report(req rrc.Request) vbsp.Frame {
	n := min(int(req.MaxCells), len(s.cfg.Neighbors))
	entries := make([]rrc.Entry, 0, n)
	s.rngMu.Lock()
	for _, pci := range s.cfg.Neighbors[:n] {
		entries = append(entries, rrc.Entry{
			MeasID: req.MeasID,
			PCI:    pci,
			RSRP:   uint16(s.rng.Intn(98)),
			RSRQ:   uint16(s.rng.Intn(35)),
		})
	}
	s.rngMu.Unlock()

	return vbsp.Frame{
		Header: vbsp.Header{
			Type:     vbsp.TypeTrigger,
			Version:  vbsp.Version,
			ENBID:    s.cfg.ENBID,
			CellID:   req.CellID,
			ModuleID: req.ModuleID,
			Seq:      req.Seq,
			Action:   vbsp.ActRRCMeasurement,
			Dir:      vbsp.DirReply,
			Op:       vbsp.OpSuccess,
		},
		Payload: rrc.EncodeResponse(rrc.Response{Entries: entries}),
	}
}
