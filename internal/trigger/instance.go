package trigger

import (
	"encoding/json"
	"fmt"
	"slices"
	"sync"

	"github.com/danmuck/measctl/internal/observability"
	"github.com/danmuck/measctl/internal/protocol/rrc"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// State is the lifecycle phase of one trigger instance.
type State int

const (
	StatePending State = iota
	StateActive
	StateRunning
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateActive:
		return "active"
	case StateRunning:
		return "running"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(b []byte) error {
	for _, candidate := range []State{StatePending, StateActive, StateRunning, StateTerminated} {
		if candidate.String() == string(b) {
			*s = candidate
			return nil
		}
	}
	return fmt.Errorf("trigger: unknown state %q", b)
}

// Termination reasons.
const (
	ReasonTenantMissing         = "tenant_missing"
	ReasonSubscriberMissing     = "subscriber_missing"
	ReasonConnectionMissing     = "connection_missing"
	ReasonConnectionUnreachable = "connection_unreachable"
	ReasonBuildFailed           = "build_failed"
)

// Instance periodically requests a measurement list for one subscriber of
// one tenant and accumulates the reports it gets back.
type Instance struct {
	mu sync.RWMutex

	moduleID     uint32
	moduleType   string
	worker       string
	tenantID     uuid.UUID
	imsi         uint64
	measurements []rrc.Measurement
	callbackURL  string

	state    State
	reason   string
	results  []rrc.Entry
	conn     Connection
	callback Callback

	directory TenantDirectory
	log       zerolog.Logger
}

// Snapshot is the JSON view handed to result consumers.
type Snapshot struct {
	ModuleID     uint32            `json:"module_id"`
	ModuleType   string            `json:"module_type"`
	TenantID     uuid.UUID         `json:"tenant_id"`
	IMSI         uint64            `json:"imsi"`
	State        State             `json:"state"`
	Reason       string            `json:"termination_reason,omitempty"`
	Measurements []rrc.Measurement `json:"measurements"`
	Results      []rrc.Entry       `json:"results"`
}

func newInstance(
	moduleType string,
	worker string,
	tenantID uuid.UUID,
	imsi uint64,
	measurements []rrc.Measurement,
	callbackURL string,
	callback Callback,
) *Instance {
	if measurements == nil {
		measurements = []rrc.Measurement{}
	}
	return &Instance{
		moduleType:   moduleType,
		worker:       worker,
		tenantID:     tenantID,
		imsi:         imsi,
		measurements: measurements,
		callbackURL:  callbackURL,
		callback:     callback,
		state:        StatePending,
		results:      make([]rrc.Entry, 0),
		log:          zerolog.Nop(),
	}
}

func (m *Instance) ModuleID() uint32 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.moduleID
}

func (m *Instance) ModuleType() string { return m.moduleType }
func (m *Instance) TenantID() uuid.UUID { return m.tenantID }
func (m *Instance) IMSI() uint64        { return m.imsi }
func (m *Instance) CallbackURL() string { return m.callbackURL }

func (m *Instance) Measurements() []rrc.Measurement {
	return slices.Clone(m.measurements)
}

func (m *Instance) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// TerminationReason is empty until the instance terminates.
func (m *Instance) TerminationReason() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.reason
}

func (m *Instance) Results() []rrc.Entry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.results)
}

// Connection returns the agent connection bound by the last successful tick.
func (m *Instance) Connection() (Connection, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.conn, m.conn != nil
}

func (m *Instance) SetCallback(cb Callback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callback = cb
}

// Equal reports whether two instances request the same measurements for the
// same subscriber. Callers use it to avoid duplicate triggers.
func (m *Instance) Equal(other *Instance) bool {
	if m == nil || other == nil {
		return m == other
	}
	return m.moduleType == other.moduleType &&
		m.tenantID == other.tenantID &&
		m.imsi == other.imsi &&
		slices.Equal(m.measurements, other.measurements)
}

func (m *Instance) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Snapshot{
		ModuleID:     m.moduleID,
		ModuleType:   m.moduleType,
		TenantID:     m.tenantID,
		IMSI:         m.imsi,
		State:        m.state,
		Reason:       m.reason,
		Measurements: slices.Clone(m.measurements),
		Results:      slices.Clone(m.results),
	}
}

func (m *Instance) MarshalJSON() ([]byte, error) {
	return json.Marshal(m.Snapshot())
}

// activate binds the worker-side collaborators and moves pending -> active.
func (m *Instance) activate(id uint32, dir TenantDirectory, cb Callback, log zerolog.Logger) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StatePending {
		return ErrAlreadyRegistered
	}
	m.moduleID = id
	m.directory = dir
	if m.callback == nil {
		m.callback = cb
	}
	m.log = log
	m.state = StateActive
	return nil
}

// release drops the connection back-reference once the worker has removed
// the instance.
func (m *Instance) release() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.conn = nil
}

// OnTick resolves tenant, subscriber and agent connection and writes one
// request per configured measurement, in measurement-id order. A missing or
// unreachable resource terminates the instance without writing anything.
func (m *Instance) OnTick() {
	m.mu.Lock()
	if m.state != StateActive {
		m.mu.Unlock()
		return
	}
	m.state = StateRunning
	dir := m.directory
	m.mu.Unlock()

	var tenant Tenant
	ok := false
	if dir != nil {
		tenant, ok = dir.Tenant(m.tenantID)
	}
	if !ok {
		m.log.Info().Stringer("tenant_id", m.tenantID).Msg("tenant not found")
		m.terminate(ReasonTenantMissing)
		return
	}

	ue, ok := tenant.Subscriber(m.imsi)
	if !ok {
		m.log.Info().Uint64("imsi", m.imsi).Msg("ue not found")
		m.terminate(ReasonSubscriberMissing)
		return
	}

	conn, ok := ue.Connection()
	if !ok {
		m.log.Info().Uint64("imsi", m.imsi).Msg("ue has no agent connection")
		m.terminate(ReasonConnectionMissing)
		return
	}
	if !conn.IsReachable() {
		m.log.Info().Uint32("enb_id", conn.ENBID()).Msg("agent not connected")
		m.terminate(ReasonConnectionUnreachable)
		return
	}

	moduleID := m.ModuleID()
	reqs, err := rrc.BuildRequests(rrc.BuildParams{
		ModuleID: moduleID,
		ENBID:    conn.ENBID(),
		CellID:   ue.CellID(),
		RNTI:     ue.RNTI(),
		Seq:      conn,
	}, m.measurements)
	if err != nil {
		// Configure enforces the limit; only instances built without it get here.
		m.log.Error().Err(err).Msg("build requests")
		m.terminate(ReasonBuildFailed)
		return
	}

	m.mu.Lock()
	m.conn = conn
	m.mu.Unlock()

	for _, req := range reqs {
		m.log.Debug().
			Uint16("rnti", req.RNTI).
			Uint32("enb_id", req.ENBID).
			Uint8("meas_id", req.MeasID).
			Uint32("seq", req.Seq).
			Msg("sending rrc request")
		err := conn.Write(rrc.EncodeRequest(req))
		observability.RecordRequestWritten(err == nil)
		if err != nil {
			m.log.Warn().Err(err).Uint8("meas_id", req.MeasID).Msg("write rrc request")
		}
	}

	m.mu.Lock()
	if m.state == StateRunning {
		m.state = StateActive
	}
	m.mu.Unlock()
}

// OnResponse appends every report entry to the results history and invokes
// the callback. Entries are not matched against outstanding requests.
func (m *Instance) OnResponse(resp rrc.Response) {
	if cb := m.applyResponse(resp); cb != nil {
		cb(m)
	}
}

// applyResponse records resp and returns the callback to run, or nil when the
// instance is not accepting reports.
func (m *Instance) applyResponse(resp rrc.Response) Callback {
	m.mu.Lock()
	if m.state == StateTerminated || m.state == StatePending {
		m.mu.Unlock()
		return nil
	}
	m.results = append(m.results, resp.Entries...)
	cb := m.callback
	m.mu.Unlock()

	m.log.Debug().Int("entries", len(resp.Entries)).Msg("rrc report accepted")
	return cb
}

func (m *Instance) terminate(reason string) {
	m.mu.Lock()
	m.state = StateTerminated
	m.reason = reason
	m.mu.Unlock()
	observability.RecordTermination(reason)
}
