// Package trigger owns periodic RRC measurement triggers.
//
// Ownership boundary:
// - trigger configuration and validation
// - per-instance lifecycle (pending -> active -> running -> active | terminated)
// - the module-id registry and inbound report dispatch
//
// Lifecycle order:
// - Configure builds a pending instance from framework params.
//
// - Worker.Register assigns the module id and activates it.
//
// - Each scheduler pass ticks every active instance; an instance whose
// tenant, subscriber or agent connection has gone away terminates itself and
// is removed once the pass is over.
//
// Reports are accepted without correlating measurement ids against the most
// recent tick: every well-formed report is appended to the instance results.
//
// Tenants, subscribers and agent connections are consumed through the
// interfaces in directory.go; this package never owns their lifecycle.
package trigger
