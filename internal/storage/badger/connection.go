package badger

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	badgerdb "github.com/dgraph-io/badger/v4"
	"github.com/ternarybob/arbor"
	"github.com/timshannon/badgerhold/v4"

	"github.com/ternarybob/brainrot/internal/common"
)

// gcDiscardRatio is the fraction of a value log file that must be stale
// before a GC pass rewrites it
const gcDiscardRatio = 0.5

// BadgerDB is the archive's database handle
type BadgerDB struct {
	store  *badgerhold.Store
	path   string
	logger arbor.ILogger
}

// NewBadgerDB opens (or creates) the archive database at config.Path.
// With ResetOnStartup the previous archive is discarded first.
func NewBadgerDB(logger arbor.ILogger, config *common.BadgerConfig) (*BadgerDB, error) {
	if config.Path == "" {
		return nil, fmt.Errorf("storage.badger.path is required")
	}

	if config.ResetOnStartup {
		if err := os.RemoveAll(config.Path); err != nil {
			return nil, fmt.Errorf("failed to reset archive at %s: %w", config.Path, err)
		}
		logger.Info().Str("path", config.Path).Msg("Archive reset on startup")
	}

	if err := os.MkdirAll(filepath.Dir(config.Path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create archive directory: %w", err)
	}

	// Archived jobs are written once and never updated, one version is enough
	options := badgerhold.DefaultOptions
	options.Options = badgerdb.DefaultOptions(config.Path).
		WithLogger(nil).
		WithNumVersionsToKeep(1)

	store, err := badgerhold.Open(options)
	if err != nil {
		return nil, fmt.Errorf("failed to open archive at %s: %w", config.Path, err)
	}

	logger.Debug().Str("path", config.Path).Msg("Archive database opened")

	return &BadgerDB{
		store:  store,
		path:   config.Path,
		logger: logger,
	}, nil
}

// Store returns the badgerhold store
func (b *BadgerDB) Store() *badgerhold.Store {
	return b.store
}

// CollectGarbage reclaims value log space after deletes. It returns the
// number of value log files rewritten.
func (b *BadgerDB) CollectGarbage() (int, error) {
	rewritten := 0
	for {
		err := b.store.Badger().RunValueLogGC(gcDiscardRatio)
		if errors.Is(err, badgerdb.ErrNoRewrite) || errors.Is(err, badgerdb.ErrRejected) {
			return rewritten, nil
		}
		if err != nil {
			return rewritten, fmt.Errorf("value log gc on %s: %w", b.path, err)
		}
		rewritten++
	}
}

// Close closes the database
func (b *BadgerDB) Close() error {
	if b.store == nil {
		return nil
	}
	return b.store.Close()
}
