// Package api owns the northbound HTTP surface of the controller.
//
// Ownership boundary:
// - trigger listing, lookup and creation over JSON
// - tenant and agent read-only views
// - health and prometheus endpoints
package api
