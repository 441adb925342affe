package trigger

import (
	"errors"
	"testing"

	"github.com/danmuck/measctl/internal/protocol/rrc"
	"github.com/danmuck/measctl/internal/testutil/testlog"
	"github.com/google/uuid"
)

var (
	testTenantID  = uuid.MustParse("52313ecb-9d00-4b7d-b873-b55d3d9ada26")
	errOutboxFull = errors.New("fake: outbox full")
)

const testIMSI uint64 = 222930100001114

type fakeConn struct {
	enb       uint32
	reachable bool
	seq       uint32
	writes    [][]byte
	writeErr  error
}

func (c *fakeConn) ENBID() uint32     { return c.enb }
func (c *fakeConn) IsReachable() bool { return c.reachable }

func (c *fakeConn) NextSeq() uint32 {
	c.seq++
	return c.seq
}

func (c *fakeConn) Write(b []byte) error {
	if c.writeErr != nil {
		return c.writeErr
	}
	c.writes = append(c.writes, append([]byte(nil), b...))
	return nil
}

func (c *fakeConn) requests(t *testing.T) []rrc.Request {
	t.Helper()
	out := make([]rrc.Request, 0, len(c.writes))
	for _, b := range c.writes {
		req, err := rrc.DecodeRequest(b)
		if err != nil {
			t.Fatalf("decode written frame: %v", err)
		}
		out = append(out, req)
	}
	return out
}

type fakeUE struct {
	conn *fakeConn
	rnti uint16
	cell uint16
}

func (u *fakeUE) Connection() (Connection, bool) {
	if u.conn == nil {
		return nil, false
	}
	return u.conn, true
}

func (u *fakeUE) RNTI() uint16   { return u.rnti }
func (u *fakeUE) CellID() uint16 { return u.cell }

type fakeTenant struct {
	ues map[uint64]*fakeUE
}

func (t *fakeTenant) Subscriber(imsi uint64) (Subscriber, bool) {
	ue, ok := t.ues[imsi]
	if !ok {
		return nil, false
	}
	return ue, true
}

type fakeDirectory struct {
	tenants map[uuid.UUID]*fakeTenant
}

func (d *fakeDirectory) Tenant(id uuid.UUID) (Tenant, bool) {
	t, ok := d.tenants[id]
	if !ok {
		return nil, false
	}
	return t, true
}

type fixture struct {
	worker *Worker
	dir    *fakeDirectory
	ue     *fakeUE
	conn   *fakeConn
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	testlog.Start(t)
	conn := &fakeConn{enb: 0x0001, reachable: true}
	ue := &fakeUE{conn: conn, rnti: 0x47, cell: 1}
	dir := &fakeDirectory{tenants: map[uuid.UUID]*fakeTenant{
		testTenantID: {ues: map[uint64]*fakeUE{testIMSI: ue}},
	}}
	cfg := DefaultWorkerConfig()
	cfg.Directory = dir
	return &fixture{
		worker: NewWorker(cfg, testlog.Logger(t)),
		dir:    dir,
		ue:     ue,
		conn:   conn,
	}
}

func validParams() Params {
	return Params{
		ParamModuleType: ModuleType,
		ParamWorker:     ModuleType,
		ParamTenantID:   testTenantID.String(),
		ParamIMSI:       testIMSI,
		ParamMeasurements: []any{
			map[string]any{"earfcn": 100, "interval": 200, "max_cells": 4, "max_meas": 4},
		},
	}
}

func (f *fixture) create(t *testing.T, params Params) *Instance {
	t.Helper()
	id, err := f.worker.Create(params)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	m, ok := f.worker.Instance(id)
	if !ok {
		t.Fatalf("instance %d not registered", id)
	}
	return m
}

func responseBytes(entries ...rrc.Entry) []byte {
	return rrc.EncodeResponse(rrc.Response{Entries: entries})
}
