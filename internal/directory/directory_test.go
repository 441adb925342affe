package directory

import (
	"errors"
	"testing"

	"github.com/danmuck/measctl/internal/testutil/testlog"
	"github.com/danmuck/measctl/internal/trigger"
	"github.com/google/uuid"
)

type stubConn struct {
	enb uint32
}

func (c *stubConn) ENBID() uint32      { return c.enb }
func (c *stubConn) IsReachable() bool  { return true }
func (c *stubConn) NextSeq() uint32    { return 1 }
func (c *stubConn) Write([]byte) error { return nil }

type stubResolver map[uint32]*stubConn

func (r stubResolver) Lookup(enbID uint32) (trigger.Connection, bool) {
	c, ok := r[enbID]
	if !ok {
		return nil, false
	}
	return c, true
}

var _ trigger.TenantDirectory = (*Directory)(nil)

func TestAddTenantAndDuplicate(t *testing.T) {
	testlog.Start(t)
	d := New(nil)
	id := uuid.New()

	if _, err := d.AddTenant(id, "acme"); err != nil {
		t.Fatalf("add: %v", err)
	}
	if _, err := d.AddTenant(id, "acme"); !errors.Is(err, ErrTenantExists) {
		t.Fatalf("expected ErrTenantExists, got %v", err)
	}
	if _, err := d.AddTenant(uuid.New(), "  "); !errors.Is(err, ErrTenantName) {
		t.Fatalf("expected ErrTenantName, got %v", err)
	}
	if _, ok := d.Tenant(id); !ok {
		t.Fatalf("tenant %s not found", id)
	}
	if !d.RemoveTenant(id) || d.RemoveTenant(id) {
		t.Fatalf("remove should succeed exactly once")
	}
	if _, ok := d.Tenant(id); ok {
		t.Fatalf("removed tenant still resolves")
	}
}

func TestAddTenantAssignsID(t *testing.T) {
	testlog.Start(t)
	d := New(nil)
	tn, err := d.AddTenant(uuid.Nil, "acme")
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if tn.ID() == uuid.Nil {
		t.Fatalf("nil id was kept")
	}
}

func TestSubscriberResolvesConnectionByENB(t *testing.T) {
	testlog.Start(t)
	conn := &stubConn{enb: 0x0001}
	d := New(stubResolver{0x0001: conn})
	tn, _ := d.AddTenant(uuid.Nil, "acme")
	if err := tn.AddUE(UE{IMSI: 222930100001114, RNTI: 0x47, ENBID: 0x0001, Cell: 3}); err != nil {
		t.Fatalf("add ue: %v", err)
	}
	if err := tn.AddUE(UE{IMSI: 222930100001115, RNTI: 0x48, ENBID: 0x0002}); err != nil {
		t.Fatalf("add ue: %v", err)
	}

	tenant, ok := d.Tenant(tn.ID())
	if !ok {
		t.Fatalf("tenant missing")
	}
	sub, ok := tenant.Subscriber(222930100001114)
	if !ok {
		t.Fatalf("subscriber missing")
	}
	if sub.RNTI() != 0x47 || sub.CellID() != 3 {
		t.Fatalf("rnti=%d cell=%d", sub.RNTI(), sub.CellID())
	}
	got, ok := sub.Connection()
	if !ok || got.ENBID() != 0x0001 {
		t.Fatalf("connection lookup failed: ok=%v", ok)
	}

	orphan, _ := tenant.Subscriber(222930100001115)
	if _, ok := orphan.Connection(); ok {
		t.Fatalf("ue on an unknown enb should have no connection")
	}
	if _, ok := tenant.Subscriber(1); ok {
		t.Fatalf("unknown imsi resolved")
	}
}

func TestNilResolverHasNoConnections(t *testing.T) {
	testlog.Start(t)
	d := New(nil)
	tn, _ := d.AddTenant(uuid.Nil, "acme")
	_ = tn.AddUE(UE{IMSI: 5, ENBID: 1})
	sub, _ := tn.Subscriber(5)
	if conn, ok := sub.Connection(); ok || conn != nil {
		t.Fatalf("expected no connection, got %v", conn)
	}
}

func TestAddUERejects(t *testing.T) {
	testlog.Start(t)
	tn, _ := New(nil).AddTenant(uuid.Nil, "acme")
	if err := tn.AddUE(UE{}); !errors.Is(err, ErrInvalidUE) {
		t.Fatalf("expected ErrInvalidUE, got %v", err)
	}
	_ = tn.AddUE(UE{IMSI: 9})
	if err := tn.AddUE(UE{IMSI: 9}); !errors.Is(err, ErrUEExists) {
		t.Fatalf("expected ErrUEExists, got %v", err)
	}
	if !tn.RemoveUE(9) || tn.RemoveUE(9) {
		t.Fatalf("remove should succeed exactly once")
	}
}

func TestListSorted(t *testing.T) {
	testlog.Start(t)
	d := New(nil)
	_, _ = d.AddTenant(uuid.Nil, "zeta")
	a, _ := d.AddTenant(uuid.Nil, "alpha")
	_ = a.AddUE(UE{IMSI: 30})
	_ = a.AddUE(UE{IMSI: 10})
	_, _ = d.AddTenant(uuid.Nil, "mu")

	list := d.List()
	if len(list) != 3 || list[0].Name != "alpha" || list[1].Name != "mu" || list[2].Name != "zeta" {
		t.Fatalf("unexpected order: %+v", list)
	}
	if len(list[0].UEs) != 2 || list[0].UEs[0].IMSI != 10 {
		t.Fatalf("ues not sorted: %+v", list[0].UEs)
	}
}
