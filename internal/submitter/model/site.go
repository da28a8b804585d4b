package model

import (
	"fmt"
	"sort"
	"strings"

	"github.com/armadaproject/jobsubmitter/internal/common/armadaerrors"
)

// SiteState is the operational state of an execution site as reported by the resource registry.
type SiteState string

const (
	SiteStateNormal   SiteState = "Normal"
	SiteStateDraining SiteState = "Draining"
	SiteStateDown     SiteState = "Down"
	SiteStateAborted  SiteState = "Aborted"
)

func ParseSiteState(s string) (SiteState, error) {
	for _, state := range []SiteState{SiteStateNormal, SiteStateDraining, SiteStateDown, SiteStateAborted} {
		if strings.EqualFold(string(state), s) {
			return state, nil
		}
	}
	return "", &armadaerrors.ErrInvalidArgument{
		Name:    "state",
		Value:   s,
		Message: "valid site states are Normal, Draining, Down and Aborted",
	}
}

// Unavailable returns true for states in which no new work may be placed at the site.
func (s SiteState) Unavailable() bool {
	return s == SiteStateDown || s == SiteStateAborted
}

// TaskThreshold is the per task type submission limit at a site.
type TaskThreshold struct {
	TaskType        TaskType `msgpack:"task_type" mapstructure:"taskType"`
	MaxSlots        int      `msgpack:"max_slots" mapstructure:"maxSlots"`
	PendingSlots    int      `msgpack:"pending_slots" mapstructure:"pendingSlots"`
	TaskRunningJobs int      `msgpack:"task_running_jobs" mapstructure:"taskRunningJobs"`
	TaskPendingJobs int      `msgpack:"task_pending_jobs" mapstructure:"taskPendingJobs"`
	Priority        int      `msgpack:"priority" mapstructure:"priority"`
}

// SiteRecord is a site together with its current thresholds and usage.
type SiteRecord struct {
	Name  string    `msgpack:"name" mapstructure:"name"`
	State SiteState `msgpack:"state" mapstructure:"state"`
	// Name of the storage group (cms name) the site belongs to. Its first two characters give the site tier.
	StorageGroup string `msgpack:"cms_name" mapstructure:"storageGroup"`
	// Storage endpoints backed by this site.
	StorageNames      []string        `msgpack:"se_names" mapstructure:"storageNames"`
	TotalPendingSlots int             `msgpack:"total_pending_slots" mapstructure:"totalPendingSlots"`
	TotalRunningSlots int             `msgpack:"total_running_slots" mapstructure:"totalRunningSlots"`
	TotalPendingJobs  int             `msgpack:"total_pending_jobs" mapstructure:"totalPendingJobs"`
	TotalRunningJobs  int             `msgpack:"total_running_jobs" mapstructure:"totalRunningJobs"`
	Thresholds        []TaskThreshold `msgpack:"thresholds" mapstructure:"thresholds"`
}

// Tier returns the tier prefix of the site's storage group, e.g. "T1" for "T1_US_FNAL".
func (s *SiteRecord) Tier() string {
	if len(s.StorageGroup) < 2 {
		return s.StorageGroup
	}
	return s.StorageGroup[:2]
}

func (s *SiteRecord) DeepCopy() *SiteRecord {
	if s == nil {
		return nil
	}
	c := *s
	c.StorageNames = append([]string(nil), s.StorageNames...)
	c.Thresholds = append([]TaskThreshold(nil), s.Thresholds...)
	return &c
}

func (s *SiteRecord) String() string {
	return fmt.Sprintf("%s(%s pending %d/%d running %d/%d)",
		s.Name, s.State, s.TotalPendingJobs, s.TotalPendingSlots, s.TotalRunningJobs, s.TotalRunningSlots)
}

// CapacitySnapshot is the view of all submittable sites for one scheduling cycle.
type CapacitySnapshot struct {
	Sites map[string]*SiteRecord
	// Site names in the order in which they are considered for dispatch.
	Order []string
	// Storage endpoint -> sites backed by it.
	StorageToSites map[string][]string
	DrainSites     map[string]bool
	AbortSites     map[string]bool
}

// SortSites orders sites by descending total pending slots and then by tier, keeping the incoming order for ties.
func SortSites(sites []*SiteRecord) []string {
	sorted := append([]*SiteRecord(nil), sites...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].TotalPendingSlots != sorted[j].TotalPendingSlots {
			return sorted[i].TotalPendingSlots > sorted[j].TotalPendingSlots
		}
		return sorted[i].Tier() < sorted[j].Tier()
	})
	names := make([]string, len(sorted))
	for i, s := range sorted {
		names[i] = s.Name
	}
	return names
}
