// Package vbsp owns the common framing spoken with base-station agents.
//
// Ownership boundary:
// - common header layout (big-endian, 23 bytes)
// - length-prefixed frame read/write
// - type, direction, operation and action code points
//
// Action-specific bodies live in sibling packages (see protocol/rrc).
package vbsp
