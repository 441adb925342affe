package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/danmuck/measctl/internal/agent"
	"github.com/danmuck/measctl/internal/api"
	"github.com/danmuck/measctl/internal/config"
	"github.com/danmuck/measctl/internal/directory"
	"github.com/danmuck/measctl/internal/logging"
	"github.com/danmuck/measctl/internal/protocol/vbsp"
	"github.com/danmuck/measctl/internal/scheduler"
	"github.com/danmuck/measctl/internal/trigger"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// controller wires the agent transport, tenant directory, trigger worker,
// scheduler and HTTP API of one measctl process.
type controller struct {
	cfg       config.Config
	log       zerolog.Logger
	agents    *agent.Server
	directory *directory.Directory
	worker    *trigger.Worker
	scheduler *scheduler.Scheduler
	api       *api.Server
}

func newController(cfg config.Config) (*controller, error) {
	logger := logging.Component("measctl").With().Str("node", cfg.Controller.ID).Logger()

	agents := agent.NewServer(cfg.Session, logging.Component("agent"))
	dir := directory.New(agents)
	for _, tc := range cfg.Tenants {
		tenant, err := dir.AddTenant(uuid.MustParse(tc.ID), tc.Name)
		if err != nil {
			return nil, err
		}
		for _, ue := range tc.UEs {
			if err := tenant.AddUE(ue.UE()); err != nil {
				return nil, fmt.Errorf("tenant %q: %w", tc.Name, err)
			}
		}
	}

	worker := trigger.NewWorker(trigger.WorkerConfig{
		Name:       trigger.ModuleType,
		Directory:  dir,
		HTTPClient: &http.Client{Timeout: cfg.Controller.CallbackTimeout},
	}, logging.Component("trigger"))
	agents.Handle(vbsp.ActRRCMeasurement, worker.OnInboundFrame)

	for i, tc := range cfg.Triggers {
		tenant, _ := cfg.TenantByRef(tc.Tenant)
		id, err := worker.Create(tc.Params(worker.Name(), uuid.MustParse(tenant.ID)))
		if err != nil {
			return nil, fmt.Errorf("triggers[%d]: %w", i, err)
		}
		logger.Info().Uint32("module_id", id).Str("tenant", tenant.Name).Uint64("imsi", tc.IMSI).Msg("trigger preloaded")
	}

	sched := scheduler.New(logging.Component("scheduler"))
	if err := sched.Add(trigger.ModuleType, cfg.Controller.Schedule, worker); err != nil {
		return nil, err
	}

	ctl := &controller{
		cfg:       cfg,
		log:       logger,
		agents:    agents,
		directory: dir,
		worker:    worker,
		scheduler: sched,
	}
	if cfg.Controller.HTTPAddr != "" {
		ctl.api = api.New(api.Config{
			NodeID:      cfg.Controller.ID,
			CORSOrigins: cfg.Controller.CORSOrigins,
		}, worker, dir, agents, logging.Component("api"))
	}
	return ctl, nil
}

func (c *controller) run(ctx context.Context) error {
	ln, err := net.Listen("tcp", c.cfg.Controller.AgentAddr)
	if err != nil {
		return err
	}
	return c.serve(ctx, ln)
}

// serve blocks until ctx is done or a component fails; either way every
// component is stopped before it returns.
func (c *controller) serve(ctx context.Context, agentLn net.Listener) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 3)
	var wg sync.WaitGroup
	start := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(ctx); err != nil {
				errCh <- fmt.Errorf("%s: %w", name, err)
				cancel()
			}
		}()
	}

	start("agent", func(ctx context.Context) error { return c.agents.Serve(ctx, agentLn) })
	start("scheduler", c.scheduler.Run)
	if c.api != nil {
		start("api", func(ctx context.Context) error { return c.api.Serve(ctx, c.cfg.Controller.HTTPAddr) })
	}
	c.log.Info().
		Str("agent_addr", agentLn.Addr().String()).
		Str("http_addr", c.cfg.Controller.HTTPAddr).
		Str("schedule", c.cfg.Controller.Schedule).
		Int("triggers", c.worker.Len()).
		Msg("controller running")

	wg.Wait()
	close(errCh)
	if err, ok := <-errCh; ok {
		return err
	}
	c.log.Info().Msg("controller stopped")
	return nil
}
