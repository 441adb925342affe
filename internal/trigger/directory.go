package trigger

import "github.com/google/uuid"

// Connection is the agent transport as seen by a trigger. Write must not
// block; delivery happens on the connection's own writer.
type Connection interface {
	ENBID() uint32
	IsReachable() bool
	NextSeq() uint32
	Write(b []byte) error
}

// Subscriber is one UE inside a tenant.
type Subscriber interface {
	Connection() (Connection, bool)
	RNTI() uint16
	CellID() uint16
}

type Tenant interface {
	Subscriber(imsi uint64) (Subscriber, bool)
}

type TenantDirectory interface {
	Tenant(id uuid.UUID) (Tenant, bool)
}

// Callback receives the instance after each accepted report.
type Callback func(*Instance)

// FrameHandler is the hook the connection layer calls with a reply body and
// the module id taken from its envelope.
type FrameHandler func(payload []byte, moduleID uint32)
