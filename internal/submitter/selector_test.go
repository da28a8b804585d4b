package submitter

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/armadaproject/jobsubmitter/internal/submitter/jobcache"
	"github.com/armadaproject/jobsubmitter/internal/submitter/model"
)

func firstSite(sites []string) string {
	return sites[0]
}

func cachedJob(id int64, workflow string, taskType model.TaskType, sites ...string) *model.Job {
	return &model.Job{
		JobRecord: model.JobRecord{
			ID:       id,
			Workflow: workflow,
			TaskType: taskType,
			Sandbox:  fmt.Sprintf("/sandboxes/%s.tar.bz2", workflow),
		},
		PossibleSites: sites,
		PackageDir:    fmt.Sprintf("/packages/%s/batch_0", workflow),
	}
}

func newCache(t *testing.T, jobs ...*model.Job) *jobcache.JobCache {
	c, err := jobcache.New()
	require.NoError(t, err)
	_, err = c.Ingest(jobs)
	require.NoError(t, err)
	return c
}

func site(name string, pendingSlots, pendingJobs int, thresholds ...model.TaskThreshold) *model.SiteRecord {
	return &model.SiteRecord{
		Name:              name,
		State:             model.SiteStateNormal,
		StorageGroup:      name,
		TotalPendingSlots: pendingSlots,
		TotalPendingJobs:  pendingJobs,
		TotalRunningSlots: 1000,
		Thresholds:        thresholds,
	}
}

func threshold(taskType model.TaskType, pendingSlots, pendingJobs int) model.TaskThreshold {
	return model.TaskThreshold{
		TaskType:        taskType,
		MaxSlots:        1000,
		PendingSlots:    pendingSlots,
		TaskPendingJobs: pendingJobs,
	}
}

func selectedIDs(selection *Selection) []int64 {
	var ids []int64
	for _, record := range selection.Records() {
		ids = append(ids, record.ID())
	}
	return ids
}

func TestDispatchSelector_NeedIsMinOfSiteAndTaskHeadroom(t *testing.T) {
	cache := newCache(t,
		cachedJob(1, "wf", model.Merge, "T1_X"),
		cachedJob(2, "wf", model.Merge, "T1_X"),
	)
	snapshot := BuildSnapshot([]*model.SiteRecord{
		site("T1_X", 10, 8, threshold(model.Merge, 5, 5)),
	})
	selection, err := NewDispatchSelector(firstSite).Select(cache, snapshot, nil, 500)
	require.NoError(t, err)
	assert.Equal(t, 0, selection.Count)
	assert.Equal(t, 2, cache.Len())
}

func TestDispatchSelector_OlderWorkflowFirstOnEqualPriority(t *testing.T) {
	cache := newCache(t,
		cachedJob(1, "W1", model.Processing, "A"),
		cachedJob(2, "W2", model.Processing, "A"),
	)
	snapshot := BuildSnapshot([]*model.SiteRecord{
		site("A", 1, 0, threshold(model.Processing, 1, 0)),
	})
	workflows := map[string]*model.WorkflowInfo{
		"W1": {Name: "W1", Priority: 10, Timestamp: 100},
		"W2": {Name: "W2", Priority: 10, Timestamp: 50},
	}
	selection, err := NewDispatchSelector(firstSite).Select(cache, snapshot, workflows, 500)
	require.NoError(t, err)
	assert.Equal(t, []int64{2}, selectedIDs(selection))
	assert.True(t, cache.Contains(1))
}

func TestDispatchSelector_HigherPriorityFirst(t *testing.T) {
	cache := newCache(t,
		cachedJob(1, "low", model.Processing, "A"),
		cachedJob(2, "high", model.Processing, "A"),
		cachedJob(3, "high", model.Processing, "A"),
	)
	snapshot := BuildSnapshot([]*model.SiteRecord{
		site("A", 2, 0, threshold(model.Processing, 2, 0)),
	})
	workflows := map[string]*model.WorkflowInfo{
		"low":  {Name: "low", Priority: 1, Timestamp: 1},
		"high": {Name: "high", Priority: 5, Timestamp: 2},
	}
	selection, err := NewDispatchSelector(firstSite).Select(cache, snapshot, workflows, 500)
	require.NoError(t, err)
	assert.ElementsMatch(t, []int64{2, 3}, selectedIDs(selection))
	assert.Equal(t, []int64{1}, cache.IDs())
}

func TestDispatchSelector_TaskPriorityUsedWithoutWorkflowInfo(t *testing.T) {
	low := cachedJob(1, "low", model.Processing, "A")
	low.TaskPriority = 1
	high := cachedJob(2, "high", model.Processing, "A")
	high.TaskPriority = 9
	cache := newCache(t, low, high)
	snapshot := BuildSnapshot([]*model.SiteRecord{
		site("A", 1, 0, threshold(model.Processing, 1, 0)),
	})
	selection, err := NewDispatchSelector(firstSite).Select(cache, snapshot, nil, 500)
	require.NoError(t, err)
	assert.Equal(t, []int64{2}, selectedIDs(selection))
}

func TestDispatchSelector_GlobalCap(t *testing.T) {
	var jobs []*model.Job
	for i := int64(1); i <= 600; i++ {
		s := []string{"A", "B", "C"}[i%3]
		jobs = append(jobs, cachedJob(i, fmt.Sprintf("wf%d", i%7), model.Processing, s))
	}
	cache := newCache(t, jobs...)
	snapshot := BuildSnapshot([]*model.SiteRecord{
		site("A", 1000, 0, threshold(model.Processing, 1000, 0)),
		site("B", 1000, 0, threshold(model.Processing, 1000, 0)),
		site("C", 1000, 0, threshold(model.Processing, 1000, 0)),
	})
	selection, err := NewDispatchSelector(firstSite).Select(cache, snapshot, nil, 500)
	require.NoError(t, err)
	assert.Equal(t, 500, selection.Count)
	assert.Len(t, selection.Records(), 500)
	assert.Equal(t, 100, cache.Len())

	for _, id := range selectedIDs(selection) {
		assert.False(t, cache.Contains(id))
	}
}

func TestDispatchSelector_DownAndAbortedSitesSkipped(t *testing.T) {
	cache := newCache(t,
		cachedJob(1, "wf", model.Processing, "down"),
		cachedJob(2, "wf", model.Processing, "aborted"),
		cachedJob(3, "wf", model.Processing, "down", "up"),
	)
	down := site("down", 100, 0, threshold(model.Processing, 100, 0))
	down.State = model.SiteStateDown
	aborted := site("aborted", 100, 0, threshold(model.Processing, 100, 0))
	aborted.State = model.SiteStateAborted
	up := site("up", 1, 0, threshold(model.Processing, 100, 0))
	snapshot := BuildSnapshot([]*model.SiteRecord{down, aborted, up})

	selection, err := NewDispatchSelector(func(sites []string) string { return sites[len(sites)-1] }).Select(cache, snapshot, nil, 500)
	require.NoError(t, err)
	assert.Equal(t, []int64{3}, selectedIDs(selection))
	assert.Empty(t, selection.PerThreshold["down"])
	assert.Empty(t, selection.PerThreshold["aborted"])
	assert.ElementsMatch(t, []int64{1, 2}, cache.IDs())
}

func TestDispatchSelector_RunningLimits(t *testing.T) {
	cache := newCache(t,
		cachedJob(1, "wf", model.Processing, "full"),
		cachedJob(2, "wf", model.Merge, "busy"),
		cachedJob(3, "wf", model.Processing, "busy"),
	)
	full := site("full", 10, 0, threshold(model.Processing, 10, 0))
	full.TotalRunningJobs = 1000
	busy := site("busy", 10, 0, threshold(model.Merge, 10, 0), threshold(model.Processing, 10, 0))
	busy.Thresholds[0].TaskRunningJobs = busy.Thresholds[0].MaxSlots

	selection, err := NewDispatchSelector(firstSite).Select(cache, BuildSnapshot([]*model.SiteRecord{full, busy}), nil, 500)
	require.NoError(t, err)
	assert.Equal(t, []int64{3}, selectedIDs(selection))
}

func TestDispatchSelector_NeedNotExceeded(t *testing.T) {
	var jobs []*model.Job
	for i := int64(1); i <= 20; i++ {
		jobs = append(jobs, cachedJob(i, "wf", model.Processing, "A"))
	}
	cache := newCache(t, jobs...)
	// need = min(10 - 4, 8 - 5) = 3
	snapshot := BuildSnapshot([]*model.SiteRecord{
		site("A", 10, 4, threshold(model.Processing, 8, 5)),
	})
	selection, err := NewDispatchSelector(firstSite).Select(cache, snapshot, nil, 500)
	require.NoError(t, err)
	assert.Equal(t, 3, selection.Count)
	assert.Equal(t, 3, selection.PerThreshold["A"][model.Processing])
}

func TestDispatchSelector_SitePendingCarriedAcrossThresholds(t *testing.T) {
	var jobs []*model.Job
	for i := int64(1); i <= 5; i++ {
		jobs = append(jobs, cachedJob(i, "wf", model.Processing, "A"))
		jobs = append(jobs, cachedJob(100+i, "wf", model.Merge, "A"))
	}
	cache := newCache(t, jobs...)
	// Site headroom is 4; Processing takes 3, leaving 1 for Merge.
	snapshot := BuildSnapshot([]*model.SiteRecord{
		site("A", 4, 0, threshold(model.Processing, 3, 0), threshold(model.Merge, 10, 0)),
	})
	selection, err := NewDispatchSelector(firstSite).Select(cache, snapshot, nil, 500)
	require.NoError(t, err)
	assert.Equal(t, 3, selection.PerThreshold["A"][model.Processing])
	assert.Equal(t, 1, selection.PerThreshold["A"][model.Merge])
}

func TestDispatchSelector_MultiSiteJobsDoNotReduceNeed(t *testing.T) {
	cache := newCache(t,
		cachedJob(1, "wf", model.Processing, "A", "B"),
		cachedJob(2, "wf", model.Processing, "A", "B"),
		cachedJob(3, "wf", model.Processing, "A"),
		cachedJob(4, "wf", model.Processing, "A"),
	)
	snapshot := BuildSnapshot([]*model.SiteRecord{
		site("A", 1, 0, threshold(model.Processing, 1, 0)),
	})
	selection, err := NewDispatchSelector(firstSite).Select(cache, snapshot, nil, 500)
	require.NoError(t, err)
	// Exactly one single-site job is taken; any number of multi-site jobs may precede it.
	singles := 0
	for _, record := range selection.Records() {
		if len(record.Job.PossibleSites) == 1 {
			singles++
		}
	}
	assert.Equal(t, 1, singles)
}

func TestDispatchSelector_AtMostOncePerPass(t *testing.T) {
	var jobs []*model.Job
	for i := int64(1); i <= 50; i++ {
		jobs = append(jobs, cachedJob(i, fmt.Sprintf("wf%d", i%4), model.Processing, "A", "B", "C"))
	}
	cache := newCache(t, jobs...)
	snapshot := BuildSnapshot([]*model.SiteRecord{
		site("A", 100, 0, threshold(model.Processing, 100, 0)),
		site("B", 100, 0, threshold(model.Processing, 100, 0)),
		site("C", 100, 0, threshold(model.Processing, 100, 0)),
	})
	selection, err := NewDispatchSelector(RandomSiteChooser(rand.New(rand.NewSource(1)))).Select(cache, snapshot, nil, 500)
	require.NoError(t, err)

	seen := make(map[int64]bool)
	for _, record := range selection.Records() {
		assert.False(t, seen[record.ID()], "job %d selected twice", record.ID())
		seen[record.ID()] = true
		assert.Contains(t, record.Job.PossibleSites, record.Site)
	}
	assert.Len(t, seen, 50)
	assert.Equal(t, 0, cache.Len())
}

func TestDispatchSelector_GroupsByPackage(t *testing.T) {
	j1 := cachedJob(1, "wf", model.Processing, "A")
	j2 := cachedJob(2, "wf", model.Processing, "A")
	j3 := cachedJob(3, "wf", model.Processing, "A")
	j3.PackageDir = "/packages/wf/batch_1"
	cache := newCache(t, j1, j2, j3)
	snapshot := BuildSnapshot([]*model.SiteRecord{
		site("A", 10, 0, threshold(model.Processing, 10, 0)),
	})
	selection, err := NewDispatchSelector(firstSite).Select(cache, snapshot, nil, 500)
	require.NoError(t, err)
	require.Len(t, selection.ByPackage, 2)
	assert.Len(t, selection.ByPackage["/packages/wf/batch_0"], 2)
	assert.Len(t, selection.ByPackage["/packages/wf/batch_1"], 1)
	for _, record := range selection.ByPackage["/packages/wf/batch_0"] {
		assert.Equal(t, "/sandboxes/wf.tar.bz2", record.Sandbox)
		assert.Equal(t, "A", record.Site)
	}
}
