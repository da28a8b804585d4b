package model

import (
	"fmt"
	"strings"

	"golang.org/x/exp/slices"

	"github.com/armadaproject/jobsubmitter/internal/common/armadaerrors"
)

// TaskType is the kind of work a job performs. Thresholds in the resource registry are expressed per task type.
type TaskType string

const (
	Processing TaskType = "Processing"
	Production TaskType = "Production"
	Merge      TaskType = "Merge"
	Cleanup    TaskType = "Cleanup"
	LogCollect TaskType = "LogCollect"
	Harvesting TaskType = "Harvesting"
	Skim       TaskType = "Skim"
	Analysis   TaskType = "Analysis"
)

var knownTaskTypes = []TaskType{Processing, Production, Merge, Cleanup, LogCollect, Harvesting, Skim, Analysis}

// ParseTaskType matches a task type name case-insensitively.
func ParseTaskType(s string) (TaskType, error) {
	for _, t := range knownTaskTypes {
		if strings.EqualFold(string(t), s) {
			return t, nil
		}
	}
	return "", &armadaerrors.ErrInvalidArgument{
		Name:    "taskType",
		Value:   s,
		Message: fmt.Sprintf("valid task types are %v", knownTaskTypes),
	}
}

// DefaultDrainExemptTaskTypes may be placed at draining sites even when a non-draining alternative exists.
var DefaultDrainExemptTaskTypes = []TaskType{LogCollect, Merge, Cleanup, Harvesting}

// JobState is the subset of the job store state machine this component drives.
type JobState string

const (
	JobStateCreated      JobState = "created"
	JobStateExecuting    JobState = "executing"
	JobStateSubmitFailed JobState = "submitfailed"
)

// JobRecord is a pending job as returned by the job store.
type JobRecord struct {
	ID         int64
	RetryCount int
	Workflow   string
	Task       string
	TaskType   TaskType
	// Priority of the owning task. Used for ordering when the workflow itself has no priority on record.
	TaskPriority int64
	// Unix time at which the owning workflow was submitted.
	WorkflowTimestamp int64
	// Directory holding the persisted job description and, later, its framework job report.
	CacheDir string
	Sandbox  string
	// Directory under which job packages for the owning workflow are written.
	PackageRoot string
}

// JobDescription holds the placement inputs persisted alongside each job.
type JobDescription struct {
	SiteWhitelist  []string `msgpack:"siteWhitelist"`
	SiteBlacklist  []string `msgpack:"siteBlacklist"`
	TrustSiteLists bool     `msgpack:"trustSiteLists"`
	// Storage endpoints holding the job's input data.
	InputLocations    []string        `msgpack:"inputLocations"`
	NumCores          int             `msgpack:"numCores"`
	EstimatedWallTime Optional[int64] `msgpack:"estimatedWallTime"`
	EstimatedDiskKB   Optional[int64] `msgpack:"estimatedDiskKB"`
	EstimatedMemoryMB Optional[int64] `msgpack:"estimatedMemoryMB"`
}

// Job is a job that has been admitted to the job cache, with its resolved placement and package.
type Job struct {
	JobRecord
	Description JobDescription
	// Sites the job may currently be dispatched to.
	PossibleSites []string
	// Sites the job could run at ignoring drain and abort state.
	PotentialSites []string
	// Set when every non-draining site was excluded and draining sites were kept as a last resort.
	ExhaustedNonDraining bool
	// Directory of the job package this job was written into.
	PackageDir string
}

// Fingerprint identifies the placement inputs of a job. Two observations of the same job with the same fingerprint
// will resolve identically under an unchanged site state.
func (job *Job) Fingerprint() string {
	return Fingerprint(job.RetryCount, &job.Description)
}

func Fingerprint(retryCount int, d *JobDescription) string {
	sorted := func(s []string) string {
		c := slices.Clone(s)
		slices.Sort(c)
		return strings.Join(c, ",")
	}
	return fmt.Sprintf("%d|%t|%s|%s|%s",
		retryCount, d.TrustSiteLists, sorted(d.SiteWhitelist), sorted(d.SiteBlacklist), sorted(d.InputLocations))
}

// ReportPath returns where the framework job report of the current attempt lives.
func (job *JobRecord) ReportPath() string {
	return fmt.Sprintf("%s/Report.%d.msgpack", strings.TrimRight(job.CacheDir, "/"), job.RetryCount)
}

// WorkflowInfo is a workflow with jobs awaiting submission.
type WorkflowInfo struct {
	Name      string
	Priority  int64
	Timestamp int64
}

// SiteInfo is the per-site dispatch information held by the job store.
type SiteInfo struct {
	Name          string
	CEEndpoint    string
	BackendPlugin Optional[string]
	StorageGroup  string
}

// DispatchRecord is a job selected for dispatch to a concrete site.
type DispatchRecord struct {
	Job          *Job
	Site         string
	Sandbox      string
	PackageDir   string
	CEEndpoint   string
	Plugin       string
	StorageGroup string
	// Populated when the job failed to dispatch.
	ErrorCode    int
	ErrorMessage string
}

func (r *DispatchRecord) ID() int64 {
	return r.Job.ID
}

// JobLocation is the site a job was (or was attempted to be) dispatched to.
type JobLocation struct {
	JobID int64
	Site  string
}

// JobReportPath is the framework job report location of a job.
type JobReportPath struct {
	JobID int64
	Path  string
}
