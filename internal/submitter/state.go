package submitter

import (
	lru "github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"

	"github.com/armadaproject/jobsubmitter/internal/submitter/jobcache"
	"github.com/armadaproject/jobsubmitter/internal/submitter/model"
)

// SchedulerState is everything the submitter carries from one cycle to the next.
type SchedulerState struct {
	// Jobs admitted for dispatch, indexed by the site and task type buckets they may be selected from.
	Cache *jobcache.JobCache
	// Capacity snapshot of the previous cycle. Nil before the first cycle.
	Snapshot *model.CapacitySnapshot
	// Jobs handed to a backend whose outcome is not yet known, by job id.
	Indeterminate map[int64]*model.DispatchRecord
	// Job id -> fingerprint of jobs reported as unplaceable.
	excluded *lru.Cache
}

func NewSchedulerState(placementFailureCacheSize int) (*SchedulerState, error) {
	cache, err := jobcache.New()
	if err != nil {
		return nil, err
	}
	excluded, err := lru.New(placementFailureCacheSize)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return &SchedulerState{
		Cache:         cache,
		Indeterminate: make(map[int64]*model.DispatchRecord),
		excluded:      excluded,
	}, nil
}

// ResetCache replaces the job cache with an empty one.
func (s *SchedulerState) ResetCache() error {
	cache, err := jobcache.New()
	if err != nil {
		return err
	}
	s.Cache = cache
	return nil
}

// Exclude records that a job with the given placement inputs could not be placed.
func (s *SchedulerState) Exclude(jobID int64, fingerprint string) {
	s.excluded.Add(jobID, fingerprint)
}

// IsExcluded returns true if the job was reported unplaceable with the same placement inputs.
func (s *SchedulerState) IsExcluded(jobID int64, fingerprint string) bool {
	previous, ok := s.excluded.Get(jobID)
	return ok && previous.(string) == fingerprint
}

// Release forgets every trace of the given jobs outside the job store.
func (s *SchedulerState) Release(jobIDs []int64) error {
	for _, id := range jobIDs {
		delete(s.Indeterminate, id)
		s.excluded.Remove(id)
	}
	return s.Cache.Remove(jobIDs)
}
