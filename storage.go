// Storage: the serialization pipeline and its backends.
//
// A Backend is the external file-access collaborator: it moves whole
// payloads of opaque bytes and knows nothing about documents. Storage owns
// the pipeline events fired around every physical read and write, plus the
// JSON codec that sits between the structural events (write.pre/read.post,
// operating on tables of documents) and the serialized events
// (write.post/read.pre, operating on raw bytes).
package vellum

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	json "github.com/goccy/go-json"
)

// Document is a single record: a JSON-compatible mapping.
type Document = map[string]any

// Documents maps document IDs to documents within one table.
type Documents = map[string]Document

// Tables is the full database state: table name to documents.
type Tables = map[string]Documents

// Backend abstracts the on-disk (or in-memory) byte store. Read returns
// (nil, nil) when no data has been written yet. Every method fails with
// ErrClosed after Close.
type Backend interface {
	Read() ([]byte, error)
	Write(payload []byte) error
	Close() error
	Closed() bool
}

// FileBackend stores the payload in a single file, rewritten atomically in
// place on every commit. An exclusive OS file lock is held for the lifetime
// of the backend so that two processes cannot interleave whole-file
// rewrites.
type FileBackend struct {
	mu     sync.Mutex
	file   *os.File
	lock   *fileLock
	fsync  bool
	closed bool
}

// NewFileBackend opens or creates the database file, creating missing parent
// directories. If syncWrites is set, every Write ends with an fsync.
func NewFileBackend(path string, syncWrites bool) (*FileBackend, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, err
		}
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, err
	}

	flock := &fileLock{f: file}
	if err := flock.Lock(LockExclusive); err != nil {
		file.Close()
		return nil, err
	}

	return &FileBackend{file: file, lock: flock, fsync: syncWrites}, nil
}

// Read returns the full file content, or (nil, nil) when the file is empty.
func (b *FileBackend) Read() ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, fmt.Errorf("read: %w", ErrClosed)
	}

	info, err := b.file.Stat()
	if err != nil {
		return nil, err
	}
	if info.Size() == 0 {
		return nil, nil
	}

	data, err := io.ReadAll(io.NewSectionReader(b.file, 0, info.Size()))
	if err != nil {
		return nil, err
	}
	return data, nil
}

// Write replaces the file content with payload. The file is truncated after
// writing in case the new payload is shorter than the old one.
func (b *FileBackend) Write(payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return fmt.Errorf("write: %w", ErrClosed)
	}

	if _, err := b.file.WriteAt(payload, 0); err != nil {
		return err
	}
	if err := b.file.Truncate(int64(len(payload))); err != nil {
		return err
	}
	if b.fsync {
		return b.file.Sync()
	}
	return nil
}

// Close releases the file lock and closes the handle.
func (b *FileBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return fmt.Errorf("close: %w", ErrClosed)
	}
	b.closed = true

	b.lock.Unlock()
	b.lock.setFile(nil)
	return b.file.Close()
}

// Closed reports whether the backend has been closed.
func (b *FileBackend) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// MemoryBackend keeps the payload in memory. Useful for tests and
// throwaway databases.
type MemoryBackend struct {
	mu     sync.Mutex
	data   []byte
	closed bool
}

// NewMemoryBackend returns an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{}
}

func (b *MemoryBackend) Read() ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, fmt.Errorf("read: %w", ErrClosed)
	}
	if b.data == nil {
		return nil, nil
	}
	out := make([]byte, len(b.data))
	copy(out, b.data)
	return out, nil
}

func (b *MemoryBackend) Write(payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return fmt.Errorf("write: %w", ErrClosed)
	}
	b.data = make([]byte, len(payload))
	copy(b.data, payload)
	return nil
}

func (b *MemoryBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return fmt.Errorf("close: %w", ErrClosed)
	}
	b.closed = true
	return nil
}

func (b *MemoryBackend) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// Storage wraps a Backend with the transform pipeline and the JSON codec.
type Storage struct {
	backend Backend
	pool    *pool

	// mu is the store-wide critical section. Every commit rewrites the
	// whole state, so Serialized and Snapshot operations on any table of
	// this store, and DB-level state rewrites, serialize through it.
	mu sync.Mutex

	writePre  *Pipeline[Tables]
	writePost *Pipeline[[]byte]
	readPre   *Pipeline[[]byte]
	readPost  *Pipeline[Tables]
	closeHook *Broadcast
}

// NewStorage creates a Storage over backend. Transform work runs on a
// shared pool sized to GOMAXPROCS.
func NewStorage(backend Backend) *Storage {
	return newStorage(backend, defaultPool)
}

var defaultPool = newPool(0)

func newStorage(backend Backend, p *pool) *Storage {
	return &Storage{
		backend:   backend,
		pool:      p,
		writePre:  newPipeline[Tables](EventWritePre, false),
		writePost: newPipeline[[]byte](EventWritePost, false),
		readPre:   newPipeline[[]byte](EventReadPre, true),
		readPost:  newPipeline[Tables](EventReadPost, true),
		closeHook: newBroadcast(EventClose),
	}
}

// Registration surface. Handlers registered here must be in place before
// concurrent reads or writes begin.

// OnWritePre registers a structural transform applied to the table data
// before serialization. Runs in registration order.
func (s *Storage) OnWritePre(fn PipelineFunc[Tables]) error { return s.writePre.Register(fn) }

// OnWritePost registers a byte transform applied after serialization.
// Runs in registration order.
func (s *Storage) OnWritePost(fn PipelineFunc[[]byte]) error { return s.writePost.Register(fn) }

// OnReadPre registers a byte transform applied before deserialization.
// Runs in reverse registration order, inverting OnWritePost layering.
func (s *Storage) OnReadPre(fn PipelineFunc[[]byte]) error { return s.readPre.Register(fn) }

// OnReadPost registers a structural transform applied after
// deserialization. Runs in reverse registration order, inverting
// OnWritePre layering.
func (s *Storage) OnReadPost(fn PipelineFunc[Tables]) error { return s.readPost.Register(fn) }

// OnClose registers a broadcast handler fired when the storage closes.
func (s *Storage) OnClose(fn BroadcastFunc) error { return s.closeHook.Register(fn) }

// Backend returns the underlying byte store.
func (s *Storage) Backend() Backend { return s.backend }

// Closed reports whether the underlying backend has been closed.
func (s *Storage) Closed() bool { return s.backend.Closed() }

// Read loads the database state: backend read, read.pre byte transforms,
// JSON decode, read.post structural transforms. Returns (nil, nil) when the
// backend holds no data yet; the pipeline is not fired in that case.
func (s *Storage) Read(ctx context.Context) (Tables, error) {
	raw, err := s.backend.Read()
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, nil
	}

	return offload(ctx, s.pool, func() (Tables, error) {
		raw, err := s.readPre.Fire(s, raw)
		if err != nil {
			return nil, fmt.Errorf("read.pre: %w", err)
		}

		var tables Tables
		if err := json.Unmarshal(raw, &tables); err != nil {
			return nil, fmt.Errorf("decode state: %w", err)
		}

		tables, err = s.readPost.Fire(s, tables)
		if err != nil {
			return nil, fmt.Errorf("read.post: %w", err)
		}
		return tables, nil
	})
}

// Write persists the database state: write.pre structural transforms, JSON
// encode, write.post byte transforms, backend write.
func (s *Storage) Write(ctx context.Context, tables Tables) error {
	if tables == nil {
		tables = Tables{}
	}

	payload, err := offload(ctx, s.pool, func() ([]byte, error) {
		tables, err := s.writePre.Fire(s, tables)
		if err != nil {
			return nil, fmt.Errorf("write.pre: %w", err)
		}

		raw, err := json.Marshal(tables)
		if err != nil {
			return nil, fmt.Errorf("encode state: %w", err)
		}

		raw, err = s.writePost.Fire(s, raw)
		if err != nil {
			return nil, fmt.Errorf("write.post: %w", err)
		}
		return raw, nil
	})
	if err != nil {
		return err
	}

	return s.backend.Write(payload)
}

// Close fires the close broadcast, then closes the backend. A handler error
// aborts the close and leaves the backend open.
func (s *Storage) Close() error {
	if err := s.closeHook.Fire(s, nil); err != nil {
		return err
	}
	return s.backend.Close()
}
