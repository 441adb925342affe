package trigger

import (
	"fmt"
	"maps"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/danmuck/measctl/internal/observability"
	"github.com/danmuck/measctl/internal/protocol/rrc"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// WorkerConfig configures one trigger worker.
type WorkerConfig struct {
	// Name must match the "worker" param of every instance it registers.
	Name      string
	Directory TenantDirectory
	// Callback is used by instances that did not bring their own.
	Callback   Callback
	HTTPClient *http.Client
}

func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		Name:       ModuleType,
		HTTPClient: &http.Client{Timeout: 5 * time.Second},
	}
}

// Worker owns the module-id registry. Scheduler passes and inbound report
// dispatch are serialized: one never observes the other half-done.
type Worker struct {
	name      string
	directory TenantDirectory
	callback  Callback
	client    *http.Client
	log       zerolog.Logger

	dispatchMu sync.Mutex

	mu      sync.RWMutex
	modules map[uint32]*Instance
	lastID  uint32
}

func NewWorker(cfg WorkerConfig, logger zerolog.Logger) *Worker {
	if cfg.Name == "" {
		cfg.Name = ModuleType
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 5 * time.Second}
	}
	return &Worker{
		name:      cfg.Name,
		directory: cfg.Directory,
		callback:  cfg.Callback,
		client:    cfg.HTTPClient,
		log:       logger.With().Str("worker", cfg.Name).Logger(),
		modules:   make(map[uint32]*Instance),
	}
}

func (w *Worker) Name() string {
	return w.name
}

// Create configures and registers one instance. Nothing is registered when
// configuration fails.
func (w *Worker) Create(params Params) (uint32, error) {
	m, err := Configure(params)
	if err != nil {
		return 0, err
	}
	return w.Register(m)
}

// CreateForTenant is Create with tenant_id bound by the caller.
func (w *Worker) CreateForTenant(tenantID uuid.UUID, params Params) (uint32, error) {
	bound := maps.Clone(params)
	if bound == nil {
		bound = Params{}
	}
	bound[ParamTenantID] = tenantID.String()
	return w.Create(bound)
}

// Register assigns a process-unique module id and activates m.
func (w *Worker) Register(m *Instance) (uint32, error) {
	if m == nil {
		return 0, ErrNilInstance
	}
	if m.worker != w.name {
		return 0, fmt.Errorf("%w: instance wants %q, worker is %q", ErrWorkerMismatch, m.worker, w.name)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if m.State() != StatePending {
		return 0, ErrAlreadyRegistered
	}
	id := w.allocateIDLocked()
	logger := w.log.With().Uint32("module_id", id).Logger()
	if err := m.activate(id, w.directory, w.callbackFor(m, logger), logger); err != nil {
		return 0, err
	}
	w.modules[id] = m
	observability.SetActiveTriggers(len(w.modules))

	logger.Info().
		Stringer("tenant_id", m.tenantID).
		Uint64("imsi", m.imsi).
		Int("measurements", len(m.measurements)).
		Msg("trigger registered")
	return id, nil
}

// OnSchedulerTick runs one pass over every active instance. Instances that
// terminate during the pass are removed after it.
func (w *Worker) OnSchedulerTick() {
	w.dispatchMu.Lock()
	defer w.dispatchMu.Unlock()

	start := time.Now()
	terminated := make([]uint32, 0)
	for _, m := range w.instances() {
		if m.State() == StateActive {
			m.OnTick()
		}
		if m.State() == StateTerminated {
			terminated = append(terminated, m.ModuleID())
		}
	}
	remaining := w.remove(terminated)
	observability.RecordTick(remaining, time.Since(start))
}

// OnInboundFrame decodes a report body and hands it to the owning instance.
// Malformed bodies and unknown module ids are dropped. The callback runs after
// the report is recorded and the dispatch lock is released.
func (w *Worker) OnInboundFrame(raw []byte, moduleID uint32) {
	resp, err := rrc.DecodeResponse(raw)
	if err != nil {
		w.log.Warn().Err(err).Uint32("module_id", moduleID).Int("bytes", len(raw)).Msg("dropping rrc report")
		observability.RecordResponse(observability.ResponseMalformed)
		return
	}

	w.dispatchMu.Lock()
	m, ok := w.Instance(moduleID)
	if !ok {
		w.dispatchMu.Unlock()
		w.log.Debug().Uint32("module_id", moduleID).Msg("rrc report for unknown module")
		observability.RecordResponse(observability.ResponseOrphan)
		return
	}
	cb := m.applyResponse(resp)
	w.dispatchMu.Unlock()

	observability.RecordResponse(observability.ResponseAccepted)
	// Outside dispatchMu so a callback may call back into the worker.
	if cb != nil {
		cb(m)
	}
}

func (w *Worker) Instance(moduleID uint32) (*Instance, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	m, ok := w.modules[moduleID]
	return m, ok
}

func (w *Worker) Len() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.modules)
}

// Snapshots returns every registered instance ordered by module id.
func (w *Worker) Snapshots() []Snapshot {
	list := w.instances()
	out := make([]Snapshot, 0, len(list))
	for _, m := range list {
		out = append(out, m.Snapshot())
	}
	return out
}

func (w *Worker) instances() []*Instance {
	w.mu.RLock()
	defer w.mu.RUnlock()
	ids := slices.Sorted(maps.Keys(w.modules))
	out := make([]*Instance, 0, len(ids))
	for _, id := range ids {
		out = append(out, w.modules[id])
	}
	return out
}

func (w *Worker) remove(ids []uint32) int {
	w.mu.Lock()
	removed := make([]*Instance, 0, len(ids))
	for _, id := range ids {
		if m, ok := w.modules[id]; ok {
			delete(w.modules, id)
			removed = append(removed, m)
		}
	}
	remaining := len(w.modules)
	w.mu.Unlock()

	for _, m := range removed {
		m.release()
		w.log.Info().Uint32("module_id", m.ModuleID()).Str("reason", m.TerminationReason()).Msg("trigger removed")
	}
	return remaining
}

func (w *Worker) allocateIDLocked() uint32 {
	for {
		w.lastID++
		if w.lastID == 0 {
			continue
		}
		if _, taken := w.modules[w.lastID]; !taken {
			return w.lastID
		}
	}
}

func (w *Worker) callbackFor(m *Instance, logger zerolog.Logger) Callback {
	if m.callbackURL != "" {
		return HTTPCallback(w.client, m.callbackURL, logger)
	}
	return w.callback
}
