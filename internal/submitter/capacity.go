package submitter

import (
	"context"
	"time"

	"github.com/avast/retry-go"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/exp/maps"

	"github.com/armadaproject/jobsubmitter/internal/common/armadaerrors"
	"github.com/armadaproject/jobsubmitter/internal/submitter/model"
	"github.com/armadaproject/jobsubmitter/internal/submitter/registry"
)

// SiteCapacityModel builds a CapacitySnapshot from the resource registry once per cycle.
type SiteCapacityModel struct {
	registry      registry.Registry
	retryAttempts uint
	retryDelay    time.Duration
}

func NewSiteCapacityModel(registry registry.Registry, retryAttempts uint, retryDelay time.Duration) *SiteCapacityModel {
	if retryAttempts == 0 {
		retryAttempts = 1
	}
	return &SiteCapacityModel{
		registry:      registry,
		retryAttempts: retryAttempts,
		retryDelay:    retryDelay,
	}
}

// Refresh reads the current site thresholds and returns the new snapshot together with a flag that is set when the
// set of draining or aborted sites differs from previous. Cached placements must be discarded when it is set.
// A nil previous snapshot never reports a change.
func (m *SiteCapacityModel) Refresh(ctx context.Context, previous *model.CapacitySnapshot) (*model.CapacitySnapshot, bool, error) {
	var sites []*model.SiteRecord
	err := retry.Do(
		func() error {
			var err error
			sites, err = m.registry.ListThresholdsForSubmit(ctx)
			return err
		},
		retry.Attempts(m.retryAttempts),
		retry.Delay(m.retryDelay),
		retry.DelayType(retry.FixedDelay),
		retry.Context(ctx),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			log.WithError(err).Warnf("Attempt %d to read site thresholds failed", n+1)
		}),
	)
	if err != nil {
		return nil, false, errors.WithStack(&ErrRegistryUnavailable{
			Attempts: m.retryAttempts,
			Cause:    &armadaerrors.ErrUnavailable{Service: "resource registry", Cause: err},
		})
	}

	snapshot := BuildSnapshot(sites)
	changed := previous != nil &&
		(!maps.Equal(previous.DrainSites, snapshot.DrainSites) || !maps.Equal(previous.AbortSites, snapshot.AbortSites))
	if changed {
		log.Infof(
			"Site state changed: draining %v -> %v, aborted %v -> %v",
			sortedKeys(previous.DrainSites), sortedKeys(snapshot.DrainSites),
			sortedKeys(previous.AbortSites), sortedKeys(snapshot.AbortSites),
		)
	}
	return snapshot, changed, nil
}

// BuildSnapshot indexes the given sites. Sites are kept in the order given for ties in the dispatch order.
// Site states are normalised; a site whose state is not recognised is treated as aborted.
func BuildSnapshot(sites []*model.SiteRecord) *model.CapacitySnapshot {
	snapshot := &model.CapacitySnapshot{
		Sites:          make(map[string]*model.SiteRecord, len(sites)),
		StorageToSites: make(map[string][]string),
		DrainSites:     make(map[string]bool),
		AbortSites:     make(map[string]bool),
	}
	unique := make([]*model.SiteRecord, 0, len(sites))
	for _, site := range sites {
		if _, ok := snapshot.Sites[site.Name]; ok {
			log.Warnf("Site %s reported more than once by the resource registry; keeping the first record", site.Name)
			continue
		}
		snapshot.Sites[site.Name] = site
		unique = append(unique, site)
		for _, storage := range site.StorageNames {
			snapshot.StorageToSites[storage] = append(snapshot.StorageToSites[storage], site.Name)
		}
		state, err := model.ParseSiteState(string(site.State))
		if err != nil {
			log.WithError(err).Warnf("Site %s has unrecognised state %q, treating it as %s", site.Name, site.State, model.SiteStateAborted)
			state = model.SiteStateAborted
		}
		site.State = state
		switch site.State {
		case model.SiteStateDraining:
			snapshot.DrainSites[site.Name] = true
		case model.SiteStateDown, model.SiteStateAborted:
			snapshot.AbortSites[site.Name] = true
		}
	}
	snapshot.Order = model.SortSites(unique)
	return snapshot
}
