package storage

import (
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/brainrot/internal/common"
	"github.com/ternarybob/brainrot/internal/interfaces"
	"github.com/ternarybob/brainrot/internal/storage/badger"
)

// NewJobArchive opens the badger archive when storage.badger.enabled is set.
// A disabled archive returns nil and finished jobs are only kept in memory.
func NewJobArchive(logger arbor.ILogger, config *common.Config) (interfaces.JobArchive, error) {
	if !config.Storage.Badger.Enabled {
		logger.Info().Msg("Job archive disabled")
		return nil, nil
	}
	db, err := badger.NewBadgerDB(logger, &config.Storage.Badger)
	if err != nil {
		return nil, err
	}
	return badger.NewJobArchive(db, logger), nil
}
