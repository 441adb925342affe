package directory

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/danmuck/measctl/internal/trigger"
	"github.com/google/uuid"
)

var (
	ErrTenantExists = errors.New("directory: tenant already exists")
	ErrTenantName   = errors.New("directory: tenant name is required")
	ErrUEExists     = errors.New("directory: ue already exists")
	ErrInvalidUE    = errors.New("directory: invalid ue")
)

// ConnectionResolver maps an eNB id to the agent connection serving it.
type ConnectionResolver interface {
	Lookup(enbID uint32) (trigger.Connection, bool)
}

// UE is one attached subscriber as seen by its serving eNB.
type UE struct {
	IMSI  uint64 `json:"imsi" toml:"imsi"`
	RNTI  uint16 `json:"rnti" toml:"rnti"`
	ENBID uint32 `json:"enb_id" toml:"enb_id"`
	Cell  uint16 `json:"cell_id" toml:"cell_id"`
}

// TenantInfo is the listing view of one tenant.
type TenantInfo struct {
	ID   uuid.UUID `json:"tenant_id"`
	Name string    `json:"name"`
	UEs  []UE      `json:"ues"`
}

// Directory stores tenants by id.
type Directory struct {
	resolver ConnectionResolver

	mu      sync.RWMutex
	tenants map[uuid.UUID]*Tenant
}

// New creates an empty directory. resolver may be nil, in which case no UE
// ever has a connection.
func New(resolver ConnectionResolver) *Directory {
	return &Directory{
		resolver: resolver,
		tenants:  make(map[uuid.UUID]*Tenant),
	}
}

// AddTenant registers a tenant. A nil id is replaced with a random one.
func (d *Directory) AddTenant(id uuid.UUID, name string) (*Tenant, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, ErrTenantName
	}
	if id == uuid.Nil {
		id = uuid.New()
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.tenants[id]; ok {
		return nil, fmt.Errorf("%w: %s", ErrTenantExists, id)
	}
	t := &Tenant{
		id:       id,
		name:     name,
		resolver: d.resolver,
		ues:      make(map[uint64]UE),
	}
	d.tenants[id] = t
	return t, nil
}

func (d *Directory) RemoveTenant(id uuid.UUID) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.tenants[id]; !ok {
		return false
	}
	delete(d.tenants, id)
	return true
}

// Get returns the concrete tenant record.
func (d *Directory) Get(id uuid.UUID) (*Tenant, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	t, ok := d.tenants[id]
	return t, ok
}

// Tenant implements trigger.TenantDirectory.
func (d *Directory) Tenant(id uuid.UUID) (trigger.Tenant, bool) {
	t, ok := d.Get(id)
	if !ok {
		return nil, false
	}
	return t, true
}

// List returns every tenant ordered by name, then id.
func (d *Directory) List() []TenantInfo {
	d.mu.RLock()
	list := make([]*Tenant, 0, len(d.tenants))
	for _, t := range d.tenants {
		list = append(list, t)
	}
	d.mu.RUnlock()

	out := make([]TenantInfo, 0, len(list))
	for _, t := range list {
		out = append(out, t.Info())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return out
}

// Tenant holds the UEs of one tenant.
type Tenant struct {
	id       uuid.UUID
	name     string
	resolver ConnectionResolver

	mu  sync.RWMutex
	ues map[uint64]UE
}

func (t *Tenant) ID() uuid.UUID { return t.id }
func (t *Tenant) Name() string  { return t.name }

func (t *Tenant) AddUE(ue UE) error {
	if ue.IMSI == 0 {
		return fmt.Errorf("%w: imsi is required", ErrInvalidUE)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.ues[ue.IMSI]; ok {
		return fmt.Errorf("%w: imsi %d", ErrUEExists, ue.IMSI)
	}
	t.ues[ue.IMSI] = ue
	return nil
}

func (t *Tenant) RemoveUE(imsi uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.ues[imsi]; !ok {
		return false
	}
	delete(t.ues, imsi)
	return true
}

func (t *Tenant) UE(imsi uint64) (UE, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ue, ok := t.ues[imsi]
	return ue, ok
}

// Subscriber implements trigger.Tenant.
func (t *Tenant) Subscriber(imsi uint64) (trigger.Subscriber, bool) {
	ue, ok := t.UE(imsi)
	if !ok {
		return nil, false
	}
	return subscriber{ue: ue, resolver: t.resolver}, true
}

func (t *Tenant) Info() TenantInfo {
	t.mu.RLock()
	ues := make([]UE, 0, len(t.ues))
	for _, ue := range t.ues {
		ues = append(ues, ue)
	}
	t.mu.RUnlock()
	sort.Slice(ues, func(i, j int) bool { return ues[i].IMSI < ues[j].IMSI })
	return TenantInfo{ID: t.id, Name: t.name, UEs: ues}
}

type subscriber struct {
	ue       UE
	resolver ConnectionResolver
}

func (s subscriber) RNTI() uint16   { return s.ue.RNTI }
func (s subscriber) CellID() uint16 { return s.ue.Cell }

func (s subscriber) Connection() (trigger.Connection, bool) {
	if s.resolver == nil {
		return nil, false
	}
	conn, ok := s.resolver.Lookup(s.ue.ENBID)
	if !ok || conn == nil {
		return nil, false
	}
	return conn, true
}
