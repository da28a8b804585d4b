package submitter

import (
	log "github.com/sirupsen/logrus"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/armadaproject/jobsubmitter/internal/submitter/model"
)

// Placement is the outcome of resolving where a job may run.
type Placement struct {
	// Sites the job may be dispatched to now.
	Possible []string
	// Sites the job could run at if no site were draining or aborted.
	Potential []string
	// Set when draining sites were kept because no non-draining site was left.
	ExhaustedNonDraining bool
}

// PlacementResolver computes the sites a job may run at from its site lists, the location of its input data and the
// operational state of sites.
type PlacementResolver struct {
	drainExempt map[model.TaskType]bool
	// When set, a job whose only candidates are draining sites is failed rather than placed at a draining site.
	strictDrain bool
}

func NewPlacementResolver(drainExemptTaskTypes []model.TaskType, strictDrain bool) *PlacementResolver {
	exempt := make(map[model.TaskType]bool, len(drainExemptTaskTypes))
	for _, t := range drainExemptTaskTypes {
		exempt[t] = true
	}
	return &PlacementResolver{
		drainExempt: exempt,
		strictDrain: strictDrain,
	}
}

// Resolve returns the placement of a job, or an *ErrPlacement if the job cannot run anywhere.
func (r *PlacementResolver) Resolve(
	jobID int64,
	taskType model.TaskType,
	description *model.JobDescription,
	snapshot *model.CapacitySnapshot,
) (*Placement, error) {
	var possible map[string]bool
	if description.TrustSiteLists {
		possible = toSet(description.SiteWhitelist)
		removeAll(possible, description.SiteBlacklist)
		if len(possible) == 0 {
			return nil, &ErrPlacement{Code: CodeNoSitesAfterSiteLists, JobID: jobID}
		}
	} else {
		possible = make(map[string]bool)
		for _, location := range description.InputLocations {
			sites, ok := snapshot.StorageToSites[location]
			if !ok {
				log.Warnf("Job %d: unknown storage location %s, skipping", jobID, location)
				continue
			}
			for _, site := range sites {
				possible[site] = true
			}
		}
		if len(description.SiteWhitelist) > 0 {
			whitelist := toSet(description.SiteWhitelist)
			for site := range possible {
				if !whitelist[site] {
					delete(possible, site)
				}
			}
		}
		removeAll(possible, description.SiteBlacklist)
	}

	potential := sortedKeys(possible)
	if len(possible) == 0 {
		return nil, &ErrPlacement{Code: CodeNoPossibleLocations, JobID: jobID}
	}

	for site := range snapshot.AbortSites {
		delete(possible, site)
	}
	if len(possible) == 0 {
		return nil, &ErrPlacement{Code: CodeAllSitesAborted, JobID: jobID, Sites: potential}
	}

	exhausted := false
	if !r.drainExempt[taskType] {
		nonDraining := make(map[string]bool, len(possible))
		for site := range possible {
			if !snapshot.DrainSites[site] {
				nonDraining[site] = true
			}
		}
		switch {
		case len(nonDraining) > 0:
			possible = nonDraining
		case r.strictDrain:
			return nil, &ErrPlacement{Code: CodeNoSitesAfterDrainExclusion, JobID: jobID, Sites: sortedKeys(possible)}
		default:
			exhausted = true
			log.Debugf("Job %d: no non-draining site available, keeping draining sites %v", jobID, sortedKeys(possible))
		}
	}

	return &Placement{
		Possible:             sortedKeys(possible),
		Potential:            potential,
		ExhaustedNonDraining: exhausted,
	}, nil
}

func toSet(values []string) map[string]bool {
	set := make(map[string]bool, len(values))
	for _, v := range values {
		set[v] = true
	}
	return set
}

func removeAll(set map[string]bool, values []string) {
	for _, v := range values {
		delete(set, v)
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := maps.Keys(m)
	slices.Sort(keys)
	return keys
}
