// Package crawler defines the domain types and narrow interfaces shared by
// the frontier scheduler, the triage cascade, and the dedup layer. It has no
// dependencies of its own so every subsystem can import it freely.
package crawler
