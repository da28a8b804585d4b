package submitter

import (
	"math/rand"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/exp/slices"

	"github.com/armadaproject/jobsubmitter/internal/submitter/jobcache"
	"github.com/armadaproject/jobsubmitter/internal/submitter/model"
)

// SiteChooser picks the concrete site for a job from its possible sites. sites is never empty.
type SiteChooser func(sites []string) string

// RandomSiteChooser picks any of the sites with equal probability.
func RandomSiteChooser(random *rand.Rand) SiteChooser {
	return func(sites []string) string {
		return sites[random.Intn(len(sites))]
	}
}

// Selection is the result of one selection pass.
type Selection struct {
	// Selected jobs grouped by job package directory.
	ByPackage map[string][]*model.DispatchRecord
	// Total number of selected jobs.
	Count int
	// Number selected per site and task type.
	PerThreshold map[string]map[model.TaskType]int
}

func (s *Selection) Records() []*model.DispatchRecord {
	records := make([]*model.DispatchRecord, 0, s.Count)
	for _, packageDir := range sortedKeys(s.ByPackage) {
		records = append(records, s.ByPackage[packageDir]...)
	}
	return records
}

// DispatchSelector matches cached jobs against site thresholds.
type DispatchSelector struct {
	chooseSite SiteChooser
}

func NewDispatchSelector(chooseSite SiteChooser) *DispatchSelector {
	return &DispatchSelector{chooseSite: chooseSite}
}

// workflowQueue is the jobs of one workflow in a (site, task type) bucket in the order they will be popped.
type workflowQueue struct {
	name      string
	priority  int64
	timestamp int64
	jobs      []*model.Job
}

// pop returns the next job of the workflow that has not already been claimed in this pass, or nil.
// Pop order within a workflow is unspecified.
func (q *workflowQueue) pop(claimed map[int64]bool) *model.Job {
	for len(q.jobs) > 0 {
		job := q.jobs[len(q.jobs)-1]
		q.jobs = q.jobs[:len(q.jobs)-1]
		if !claimed[job.ID] {
			return job
		}
	}
	return nil
}

// Select walks the sites of the snapshot in dispatch order and pulls at most maxJobs jobs out of the cache.
// Selected jobs are removed from the cache before returning.
func (s *DispatchSelector) Select(
	cache *jobcache.JobCache,
	snapshot *model.CapacitySnapshot,
	workflows map[string]*model.WorkflowInfo,
	maxJobs int,
) (*Selection, error) {
	selection := &Selection{
		ByPackage:    make(map[string][]*model.DispatchRecord),
		PerThreshold: make(map[string]map[model.TaskType]int),
	}
	claimed := make(map[int64]bool)
	var selectedIDs []int64

sites:
	for _, siteName := range snapshot.Order {
		if selection.Count >= maxJobs {
			break
		}
		site := snapshot.Sites[siteName]
		if site.State.Unavailable() {
			log.Debugf("Skipping site %s in state %s", site.Name, site.State)
			continue
		}
		if site.TotalRunningJobs >= site.TotalRunningSlots {
			log.Debugf("Skipping site %s: %d running jobs for %d running slots", site.Name, site.TotalRunningJobs, site.TotalRunningSlots)
			continue
		}
		sitePending := site.TotalPendingJobs
		for _, threshold := range site.Thresholds {
			if threshold.TaskRunningJobs >= threshold.MaxSlots {
				continue
			}
			bucket := cache.Bucket(site.Name, threshold.TaskType)
			if len(bucket) == 0 {
				continue
			}
			taskPending := threshold.TaskPendingJobs
			need := minInt(site.TotalPendingSlots-sitePending, threshold.PendingSlots-taskPending)
			if need <= 0 {
				continue
			}

			queues := orderWorkflows(bucket, workflows)
			next := 0
			for need > 0 {
				if selection.Count >= maxJobs {
					log.Infof("Reached the limit of %d jobs per cycle", maxJobs)
					break sites
				}
				var job *model.Job
				for ; next < len(queues); next++ {
					if job = queues[next].pop(claimed); job != nil {
						break
					}
				}
				if job == nil {
					break
				}

				claimed[job.ID] = true
				selectedIDs = append(selectedIDs, job.ID)
				record := &model.DispatchRecord{
					Job:        job,
					Site:       s.chooseSite(job.PossibleSites),
					Sandbox:    job.Sandbox,
					PackageDir: job.PackageDir,
				}
				selection.ByPackage[job.PackageDir] = append(selection.ByPackage[job.PackageDir], record)
				selection.Count++
				perSite, ok := selection.PerThreshold[site.Name]
				if !ok {
					perSite = make(map[model.TaskType]int)
					selection.PerThreshold[site.Name] = perSite
				}
				perSite[threshold.TaskType]++

				if len(job.PossibleSites) == 1 {
					need--
				}
				sitePending++
				taskPending++
			}
		}
	}

	if err := cache.Remove(selectedIDs); err != nil {
		return nil, errors.WithMessage(err, "removing selected jobs from the job cache")
	}
	return selection, nil
}

// orderWorkflows orders the workflows of a bucket by descending priority and then by ascending submission time.
// The priority of a workflow comes from the job store's workflow list when present and otherwise from its jobs.
func orderWorkflows(bucket map[string][]*model.Job, workflows map[string]*model.WorkflowInfo) []*workflowQueue {
	queues := make([]*workflowQueue, 0, len(bucket))
	for name, jobs := range bucket {
		q := &workflowQueue{name: name, jobs: jobs}
		if info, ok := workflows[name]; ok {
			q.priority = info.Priority
			q.timestamp = info.Timestamp
		} else {
			q.priority = jobs[0].TaskPriority
			q.timestamp = jobs[0].WorkflowTimestamp
			for _, job := range jobs[1:] {
				if job.TaskPriority > q.priority {
					q.priority = job.TaskPriority
				}
			}
		}
		queues = append(queues, q)
	}
	slices.SortFunc(queues, func(a, b *workflowQueue) bool {
		if a.priority != b.priority {
			return a.priority > b.priority
		}
		if a.timestamp != b.timestamp {
			return a.timestamp < b.timestamp
		}
		return a.name < b.name
	})
	return queues
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
