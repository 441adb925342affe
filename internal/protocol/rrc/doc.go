// Package rrc owns the RRC measurement trigger body.
//
// Ownership boundary:
// - 34-byte request layout (common header + measurement body)
// - variable-length report layout (count + 7-byte entries)
// - positional measurement id assignment
//
// No state and no I/O; writing and reading frames belongs to the agent
// transport.
package rrc
