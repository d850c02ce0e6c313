// Package badger stores events in a badger database, keyed by id with
// secondary indexes on pubkey, kind, pubkey and kind, and tag values.
package badger

import (
	"os"
	"sync"

	"github.com/dgraph-io/badger/v4"

	"github.com/Hubmakerlabs/feedr/pkg/durable"
	"github.com/Hubmakerlabs/feedr/pkg/slog"
)

var log, chk = slog.New(os.Stderr)

var _ durable.Store = (*Backend)(nil)

// Backend is a badger backed durable.Store.
type Backend struct {
	// Path is the database directory. Ignored when InMemory is set.
	Path string
	// InMemory keeps everything in RAM, for tests and throwaway sessions.
	InMemory bool
	// BatchSize is the number of events written per transaction.
	BatchSize int
	// DB is the badger db interface
	*badger.DB
	mx sync.RWMutex
}

const DefaultBatchSize = 256

// New returns a Backend for the given directory.
func New(path string) *Backend { return &Backend{Path: path} }

// NewInMemory returns a Backend that never touches disk.
func NewInMemory() *Backend { return &Backend{InMemory: true} }

func (b *Backend) Init() (err error) {
	b.mx.Lock()
	defer b.mx.Unlock()
	if b.DB != nil {
		return
	}
	var opts badger.Options
	if b.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		log.I.Ln("opening badger event store at", b.Path)
		opts = badger.DefaultOptions(b.Path)
	}
	opts.Logger = logger{Level: slog.Warn, Label: "badger"}
	if b.DB, err = badger.Open(opts); chk.E(err) {
		b.DB = nil
		return log.E.Err("%w: %v", durable.ErrUnavailable, err)
	}
	if b.BatchSize <= 0 {
		b.BatchSize = DefaultBatchSize
	}
	return
}

func (b *Backend) Close() {
	b.mx.Lock()
	defer b.mx.Unlock()
	if b.DB == nil {
		return
	}
	chk.E(b.DB.Close())
	b.DB = nil
}

// db returns the open database or ErrUnavailable. Callers hold the read lock.
func (b *Backend) db() (*badger.DB, error) {
	if b.DB == nil {
		return nil, durable.ErrUnavailable
	}
	return b.DB, nil
}
