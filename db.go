// Top-level database handle: options, table registry, lifecycle.
package vellum

import (
	"context"
	"sort"
	"sync"
)

// Modifier layers a codec onto a storage instance. The built-in modifiers
// are ExtendJSON (wrapped by Extend), CompressZstd, CompressS2 and
// EncryptAESGCM; registration order determines layering, with later
// modifiers outermost on write.
type Modifier func(*Storage) error

// Extend adapts ExtendJSON to the Modifier shape.
func Extend(opts ...ConvertOption) Modifier {
	return func(s *Storage) error {
		_, err := ExtendJSON(s, opts...)
		return err
	}
}

type config struct {
	isolation  Isolation
	cacheSize  int
	noCache    bool
	workers    int
	syncWrites bool
	newGen     func() IDGenerator
	modifiers  []Modifier
}

// Option configures a DB at open time.
type Option func(*config)

// WithIsolation sets the initial isolation level. The default is
// IsolationSerialized.
func WithIsolation(level Isolation) Option {
	return func(c *config) { c.isolation = level }
}

// WithCacheSize sets the query cache capacity per table (default 10).
func WithCacheSize(n int) Option {
	return func(c *config) { c.cacheSize = n }
}

// WithoutCache disables the per-table document cache; every operation reads
// through to the backend.
func WithoutCache() Option {
	return func(c *config) { c.noCache = true }
}

// WithWorkers bounds the transform worker pool (default GOMAXPROCS).
func WithWorkers(n int) Option {
	return func(c *config) { c.workers = n }
}

// WithSyncWrites makes the file backend fsync after every write.
func WithSyncWrites() Option {
	return func(c *config) { c.syncWrites = true }
}

// WithUUIDs switches document ID allocation to random UUIDs.
func WithUUIDs() Option {
	return func(c *config) { c.newGen = UUIDs }
}

// WithIDGenerator installs a custom ID allocator factory, called once per
// table.
func WithIDGenerator(factory func() IDGenerator) Option {
	return func(c *config) { c.newGen = factory }
}

// WithModifier applies a codec layer to the storage at open time, in the
// order given.
func WithModifier(m Modifier) Option {
	return func(c *config) { c.modifiers = append(c.modifiers, m) }
}

// DB is an open document database.
type DB struct {
	storage *Storage
	cfg     config

	mu     sync.Mutex
	tables map[string]*Table
}

// Open opens or creates a file-backed database.
func Open(path string, opts ...Option) (*DB, error) {
	cfg := resolve(opts)
	backend, err := NewFileBackend(path, cfg.syncWrites)
	if err != nil {
		return nil, err
	}
	db, err := openWith(backend, cfg)
	if err != nil {
		backend.Close()
		return nil, err
	}
	return db, nil
}

// OpenWith opens a database over an arbitrary backend.
func OpenWith(backend Backend, opts ...Option) (*DB, error) {
	return openWith(backend, resolve(opts))
}

// OpenEncrypted opens a file-backed database with AES-GCM encryption
// layered outermost, after any modifiers passed via options. To combine
// with compression, pass the compression modifier as an option so it sits
// inside the encryption layer:
//
//	db, err := vellum.OpenEncrypted(path, key,
//		vellum.WithModifier(func(s *vellum.Storage) error {
//			return vellum.CompressZstd(s, 0)
//		}))
func OpenEncrypted(path string, key []byte, opts ...Option) (*DB, error) {
	opts = append(opts, WithModifier(func(s *Storage) error {
		return EncryptAESGCM(s, key)
	}))
	return Open(path, opts...)
}

func resolve(opts []Option) config {
	cfg := config{
		isolation: IsolationSerialized,
		newGen:    IncreID,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

func openWith(backend Backend, cfg config) (*DB, error) {
	storage := newStorage(backend, newPool(cfg.workers))
	for _, m := range cfg.modifiers {
		if err := m(storage); err != nil {
			return nil, err
		}
	}
	return &DB{
		storage: storage,
		cfg:     cfg,
		tables:  make(map[string]*Table),
	}, nil
}

// Storage exposes the underlying pipeline for registering additional
// handlers. Registration must complete before concurrent operations begin.
func (db *DB) Storage() *Storage { return db.storage }

// Table returns the named table, creating its in-memory handle on first
// use. Table handles are cached; repeated calls return the same instance.
func (db *DB) Table(name string) *Table {
	db.mu.Lock()
	defer db.mu.Unlock()

	if t, ok := db.tables[name]; ok {
		return t
	}
	t := newTable(db.storage, name, db.cfg.newGen(), db.cfg.cacheSize, db.cfg.noCache, db.cfg.isolation)
	db.tables[name] = t
	return t
}

// Default returns the default table.
func (db *DB) Default() *Table { return db.Table(DefaultTableName) }

// TableNames lists the tables present in storage plus any instantiated
// handles, sorted.
func (db *DB) TableNames(ctx context.Context) ([]string, error) {
	tables, err := db.storage.Read(ctx)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]struct{}, len(tables))
	for name := range tables {
		seen[name] = struct{}{}
	}
	db.mu.Lock()
	for name := range db.tables {
		seen[name] = struct{}{}
	}
	db.mu.Unlock()

	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// DropTable removes a table's data from storage and discards its handle.
func (db *DB) DropTable(ctx context.Context, name string) error {
	db.mu.Lock()
	delete(db.tables, name)
	db.mu.Unlock()

	// The rewrite runs in the store's critical section so it cannot
	// interleave with a table commit.
	db.storage.mu.Lock()
	defer db.storage.mu.Unlock()

	tables, err := db.storage.Read(ctx)
	if err != nil {
		return err
	}
	if _, present := tables[name]; !present {
		return nil
	}
	delete(tables, name)
	return db.storage.Write(ctx, tables)
}

// DropTables removes all data and discards every table handle.
func (db *DB) DropTables(ctx context.Context) error {
	db.mu.Lock()
	clear(db.tables)
	db.mu.Unlock()

	db.storage.mu.Lock()
	defer db.storage.mu.Unlock()
	return db.storage.Write(ctx, Tables{})
}

// SetIsolation changes the isolation level on every existing table handle
// and for tables created afterwards.
func (db *DB) SetIsolation(level Isolation) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.cfg.isolation = level
	for _, t := range db.tables {
		t.SetIsolation(level)
	}
}

// Close fires the storage close broadcast and closes the backend. Every
// operation issued afterwards fails with ErrClosed.
func (db *DB) Close() error {
	return db.storage.Close()
}

// Convenience forwarding to the default table.

// Insert adds a document to the default table.
func (db *DB) Insert(ctx context.Context, doc Document) (string, error) {
	return db.Default().Insert(ctx, doc)
}

// Search queries the default table.
func (db *DB) Search(ctx context.Context, cond Condition) ([]Document, error) {
	return db.Default().Search(ctx, cond, SearchOptions{})
}

// All returns every document in the default table.
func (db *DB) All(ctx context.Context) ([]Document, error) {
	return db.Default().All(ctx)
}

// Get returns the first matching document from the default table.
func (db *DB) Get(ctx context.Context, cond Condition) (Document, error) {
	return db.Default().Get(ctx, cond)
}

// Update merges fields into matching documents in the default table.
func (db *DB) Update(ctx context.Context, fields Document, cond Condition) ([]string, error) {
	return db.Default().Update(ctx, fields, cond)
}

// Remove deletes matching documents from the default table.
func (db *DB) Remove(ctx context.Context, cond Condition) ([]string, error) {
	return db.Default().Remove(ctx, cond)
}

// Truncate clears the default table.
func (db *DB) Truncate(ctx context.Context) error {
	return db.Default().Truncate(ctx)
}
