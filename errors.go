// Package vellum provides an embedded, file-backed document store built
// around a transform pipeline. Named events fire around every physical read
// and write, and codec layers (extended-JSON conversion, compression,
// authenticated encryption) register handlers into those events to shape the
// persisted bytes transparently.
//
// Layers registered into the write-side events run in registration order;
// the read-side events run the same chains in reverse, so a layer registered
// later wraps "outer" on write and is peeled first on read. The store keeps
// per-table document and query caches whose consistency guarantee is set by
// the isolation level (None, Serialized, Snapshot).
package vellum

import "errors"

// Sentinel errors for programmatic handling. Callers can use errors.Is to
// distinguish recoverable conditions (ErrNotFound) from corruption
// (ErrEnvelope, ErrTamper, ErrDecompress).
var (
	ErrNotFound   = errors.New("document not found")
	ErrExists     = errors.New("document already exists")
	ErrClosed     = errors.New("storage is closed")
	ErrChainLimit = errors.New("handler chain limit reached")
	ErrCycle      = errors.New("cycle detected during conversion")
	ErrDecompress = errors.New("decompression failed")
	ErrEnvelope   = errors.New("malformed encryption envelope")
	ErrTamper     = errors.New("authentication failed: data tampered or corrupt")
)
