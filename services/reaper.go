package services

import (
	"context"
	"ephemeral-lab/observability"
	"ephemeral-lab/repositories"

	"github.com/google/uuid"
)

// Reaper is the deletion path of fired expiries. Like explicit deletes, it
// ends in IRecordRepository.DeleteIfExists so a record is removed at most once.
type Reaper struct {
	repository repositories.IRecordRepository
	metrics    *observability.Metrics
}

func NewReaper(repository repositories.IRecordRepository, metrics *observability.Metrics) *Reaper {
	return &Reaper{repository: repository, metrics: metrics}
}

func (r *Reaper) Expire(_ context.Context, id uuid.UUID) (bool, error) {
	deleted, err := r.repository.DeleteIfExists(id)
	if err != nil {
		return false, err
	}
	r.metrics.ObserveDeletion(observability.TriggerTimer, deleted)
	return deleted, nil
}
