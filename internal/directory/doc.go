// Package directory owns the in-memory tenant and subscriber registry the
// trigger worker resolves against.
//
// Ownership boundary:
// - tenant registration and lookup by id
// - per-tenant UE records keyed by IMSI
// - resolving a UE to its serving agent connection
package directory
