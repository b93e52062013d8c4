// Package dedup implements the probabilistic seen-URL filter and the
// near-duplicate fingerprint index shared by the frontier and the cascade.
package dedup
