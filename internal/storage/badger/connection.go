package badger

import (
	"fmt"

	"github.com/ternarybob/arbor"
	"github.com/timshannon/badgerhold/v4"
)

// BadgerDB manages the Badger database connection.
// The database is always in-memory: nothing survives a process restart.
type BadgerDB struct {
	store  *badgerhold.Store
	logger arbor.ILogger
}

// NewBadgerDB opens an in-memory Badger database
func NewBadgerDB(logger arbor.ILogger) (*BadgerDB, error) {
	logger.Debug().Msg("Opening in-memory Badger database")

	options := badgerhold.DefaultOptions
	options.InMemory = true
	options.Dir = ""
	options.ValueDir = ""
	options.Logger = nil // Disable default badger logger to use arbor

	store, err := badgerhold.Open(options)
	if err != nil {
		logger.Error().Err(err).Msg("BadgerDB: Failed to open in-memory database")
		return nil, fmt.Errorf("failed to open badger database: %w", err)
	}

	logger.Debug().Msg("Badger database initialized")

	return &BadgerDB{
		store:  store,
		logger: logger,
	}, nil
}

// Store returns the underlying badgerhold store
func (b *BadgerDB) Store() *badgerhold.Store {
	return b.store
}

// Close closes the database connection
func (b *BadgerDB) Close() error {
	if b.store != nil {
		return b.store.Close()
	}
	return nil
}
