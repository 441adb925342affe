// Package agent owns the controller side of eNB agent connections.
//
// Ownership boundary:
// - TCP accept loop and per-connection read/write goroutines
// - binding a connection to the eNB id carried by its first frame
// - connection liveness (reachability) and the bounded send queue
// - routing reply frames to handlers registered per action
package agent
