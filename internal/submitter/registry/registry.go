package registry

import (
	"context"

	"github.com/armadaproject/jobsubmitter/internal/submitter/model"
)

// Registry is the resource registry holding site states and per task type submission thresholds.
type Registry interface {
	// ListThresholdsForSubmit returns every site eligible for submission. The returned order is stable between
	// calls that observe the same set of sites.
	ListThresholdsForSubmit(ctx context.Context) ([]*model.SiteRecord, error)
}

// StaticRegistry serves a fixed list of sites, typically from configuration.
type StaticRegistry struct {
	sites []*model.SiteRecord
}

func NewStaticRegistry(sites []model.SiteRecord) *StaticRegistry {
	records := make([]*model.SiteRecord, len(sites))
	for i := range sites {
		records[i] = sites[i].DeepCopy()
	}
	return &StaticRegistry{sites: records}
}

func (r *StaticRegistry) ListThresholdsForSubmit(_ context.Context) ([]*model.SiteRecord, error) {
	result := make([]*model.SiteRecord, len(r.sites))
	for i, site := range r.sites {
		result[i] = site.DeepCopy()
	}
	return result, nil
}
