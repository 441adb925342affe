package trigger

import (
	"encoding/json"
	"testing"

	"github.com/danmuck/measctl/internal/protocol/rrc"
	"github.com/danmuck/measctl/internal/protocol/vbsp"
	"github.com/google/uuid"
)

func TestOnTickWritesOneRequestPerMeasurement(t *testing.T) {
	f := newFixture(t)
	p := validParams()
	p[ParamMeasurements] = []rrc.Measurement{
		{EARFCN: 1750, Interval: 240, MaxCells: 2, MaxMeas: 1},
		{EARFCN: 3400, Interval: 480, MaxCells: 8, MaxMeas: 4},
	}
	m := f.create(t, p)

	f.worker.OnSchedulerTick()

	reqs := f.conn.requests(t)
	if len(reqs) != 2 {
		t.Fatalf("writes=%d want 2", len(reqs))
	}
	for i, req := range reqs {
		if req.MeasID != uint8(i) {
			t.Fatalf("request %d meas_id=%d", i, req.MeasID)
		}
		if req.ModuleID != m.ModuleID() || req.ENBID != f.conn.enb || req.CellID != f.ue.cell || req.RNTI != f.ue.rnti {
			t.Fatalf("request %d addressed wrong: %+v", i, req.Header)
		}
		if req.Type != vbsp.TypeTrigger || req.Dir != vbsp.DirRequest || req.Op != vbsp.OpAdd || req.Action != vbsp.ActRRCMeasurement {
			t.Fatalf("request %d has wrong header tags: %+v", i, req.Header)
		}
	}
	if reqs[0].EARFCN != 1750 || reqs[1].EARFCN != 3400 {
		t.Fatalf("earfcn order=%d,%d", reqs[0].EARFCN, reqs[1].EARFCN)
	}
	if reqs[1].Seq <= reqs[0].Seq {
		t.Fatalf("sequence numbers not increasing: %d then %d", reqs[0].Seq, reqs[1].Seq)
	}
	if m.State() != StateActive {
		t.Fatalf("state after tick=%v want active", m.State())
	}
	if conn, ok := m.Connection(); !ok || conn != Connection(f.conn) {
		t.Fatalf("connection not bound after successful tick")
	}
}

func TestOnTickAbsentTenantTerminatesWithoutWrite(t *testing.T) {
	f := newFixture(t)
	p := validParams()
	p[ParamTenantID] = uuid.NewString()
	m := f.create(t, p)

	f.worker.OnSchedulerTick()

	if len(f.conn.writes) != 0 {
		t.Fatalf("writes=%d want 0", len(f.conn.writes))
	}
	if m.State() != StateTerminated || m.TerminationReason() != ReasonTenantMissing {
		t.Fatalf("state=%v reason=%q", m.State(), m.TerminationReason())
	}
	if f.worker.Len() != 0 {
		t.Fatalf("terminated instance still registered")
	}
}

func TestOnTickMissingSubscriber(t *testing.T) {
	f := newFixture(t)
	p := validParams()
	p[ParamIMSI] = testIMSI + 7
	m := f.create(t, p)

	f.worker.OnSchedulerTick()

	if m.TerminationReason() != ReasonSubscriberMissing {
		t.Fatalf("reason=%q want %q", m.TerminationReason(), ReasonSubscriberMissing)
	}
	if len(f.conn.writes) != 0 {
		t.Fatalf("writes=%d want 0", len(f.conn.writes))
	}
}

func TestOnTickMissingConnection(t *testing.T) {
	f := newFixture(t)
	f.ue.conn = nil
	m := f.create(t, validParams())

	f.worker.OnSchedulerTick()

	if m.TerminationReason() != ReasonConnectionMissing {
		t.Fatalf("reason=%q want %q", m.TerminationReason(), ReasonConnectionMissing)
	}
}

func TestOnTickUnreachableKeepsBoundConnection(t *testing.T) {
	f := newFixture(t)
	m := f.create(t, validParams())

	m.OnTick()
	if len(f.conn.writes) != 1 {
		t.Fatalf("first tick writes=%d want 1", len(f.conn.writes))
	}

	f.conn.reachable = false
	m.OnTick()

	if len(f.conn.writes) != 1 {
		t.Fatalf("unreachable tick wrote %d frames", len(f.conn.writes)-1)
	}
	if m.State() != StateTerminated || m.TerminationReason() != ReasonConnectionUnreachable {
		t.Fatalf("state=%v reason=%q", m.State(), m.TerminationReason())
	}
	if conn, ok := m.Connection(); !ok || conn != Connection(f.conn) {
		t.Fatalf("previously bound connection was cleared by the failed tick")
	}

	// Removal by the worker drops the back-reference.
	f.worker.OnSchedulerTick()
	if f.worker.Len() != 0 {
		t.Fatalf("terminated instance still registered")
	}
	if _, ok := m.Connection(); ok {
		t.Fatalf("connection still bound after removal")
	}
}

func TestOnTickWriteFailureKeepsInstanceActive(t *testing.T) {
	f := newFixture(t)
	f.conn.writeErr = errOutboxFull
	m := f.create(t, validParams())

	f.worker.OnSchedulerTick()

	if m.State() != StateActive {
		t.Fatalf("state=%v want active", m.State())
	}
	if f.worker.Len() != 1 {
		t.Fatalf("instance removed after a failed write")
	}
}

func TestOnTickEmptyMeasurementListWritesNothing(t *testing.T) {
	f := newFixture(t)
	p := validParams()
	p[ParamMeasurements] = []any{}
	m := f.create(t, p)

	f.worker.OnSchedulerTick()

	if len(f.conn.writes) != 0 {
		t.Fatalf("writes=%d want 0", len(f.conn.writes))
	}
	if m.State() != StateActive {
		t.Fatalf("state=%v want active", m.State())
	}
}

func TestOnResponseAccumulatesAndCallsBack(t *testing.T) {
	f := newFixture(t)
	calls := 0
	p := validParams()
	p[ParamCallback] = func(*Instance) { calls++ }
	m := f.create(t, p)

	m.OnResponse(rrc.Response{Entries: []rrc.Entry{{MeasID: 0, PCI: 1, RSRP: 2, RSRQ: 3}}})
	m.OnResponse(rrc.Response{Entries: []rrc.Entry{{MeasID: 0, PCI: 4, RSRP: 5, RSRQ: 6}, {MeasID: 1, PCI: 7, RSRP: 8, RSRQ: 9}}})
	m.OnResponse(rrc.Response{})

	if calls != 3 {
		t.Fatalf("callback calls=%d want 3", calls)
	}
	got := m.Results()
	if len(got) != 3 || got[0].PCI != 1 || got[1].PCI != 4 || got[2].PCI != 7 {
		t.Fatalf("results=%+v", got)
	}
}

func TestOnResponseIgnoredOnceTerminated(t *testing.T) {
	f := newFixture(t)
	calls := 0
	p := validParams()
	p[ParamCallback] = func(*Instance) { calls++ }
	p[ParamTenantID] = uuid.NewString()
	m := f.create(t, p)

	m.OnTick()
	m.OnResponse(rrc.Response{Entries: []rrc.Entry{{MeasID: 0, PCI: 1}}})

	if calls != 0 || len(m.Results()) != 0 {
		t.Fatalf("terminated instance accepted a report: calls=%d results=%d", calls, len(m.Results()))
	}
}

func TestSnapshotJSON(t *testing.T) {
	f := newFixture(t)
	m := f.create(t, validParams())
	m.OnResponse(rrc.Response{Entries: []rrc.Entry{{MeasID: 0, PCI: 55, RSRP: 10, RSRQ: 20}}})

	raw, err := json.Marshal(m)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if doc["module_type"] != ModuleType || doc["state"] != "active" || doc["tenant_id"] != testTenantID.String() {
		t.Fatalf("unexpected snapshot: %s", raw)
	}
	if _, ok := doc["termination_reason"]; ok {
		t.Fatalf("active snapshot carries a termination reason: %s", raw)
	}
	results, ok := doc["results"].([]any)
	if !ok || len(results) != 1 {
		t.Fatalf("results=%v", doc["results"])
	}
	entry := results[0].(map[string]any)
	if entry["pci"] != float64(55) || entry["rsrp"] != float64(10) || entry["rsrq"] != float64(20) {
		t.Fatalf("entry=%v", entry)
	}
}

func TestOnTickBuildFailureTerminates(t *testing.T) {
	f := newFixture(t)
	m := newInstance(ModuleType, ModuleType, testTenantID, testIMSI, make([]rrc.Measurement, rrc.MaxMeasurements+1), "", nil)
	if _, err := f.worker.Register(m); err != nil {
		t.Fatalf("register: %v", err)
	}

	f.worker.OnSchedulerTick()

	if m.State() != StateTerminated || m.TerminationReason() != ReasonBuildFailed {
		t.Fatalf("state=%v reason=%q", m.State(), m.TerminationReason())
	}
	if len(f.conn.writes) != 0 {
		t.Fatalf("writes=%d want 0", len(f.conn.writes))
	}
	if f.worker.Len() != 0 {
		t.Fatalf("terminated instance still registered")
	}
}
