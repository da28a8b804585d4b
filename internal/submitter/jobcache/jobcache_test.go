package jobcache

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/armadaproject/jobsubmitter/internal/submitter/model"
)

func testJob(id int64, workflow string, taskType model.TaskType, sites ...string) *model.Job {
	return &model.Job{
		JobRecord: model.JobRecord{
			ID:       id,
			Workflow: workflow,
			TaskType: taskType,
		},
		PossibleSites: sites,
	}
}

func bucketIDs(c *JobCache, site string, taskType model.TaskType) map[string][]int64 {
	result := make(map[string][]int64)
	for workflow, jobs := range c.Bucket(site, taskType) {
		for _, job := range jobs {
			result[workflow] = append(result[workflow], job.ID)
		}
		slices.Sort(result[workflow])
	}
	return result
}

func TestJobCache_Ingest(t *testing.T) {
	c, err := New()
	require.NoError(t, err)

	added, err := c.Ingest([]*model.Job{
		testJob(1, "wf1", model.Processing, "A", "B"),
		testJob(2, "wf1", model.Processing, "B"),
		testJob(3, "wf2", model.Merge, "A"),
	})
	require.NoError(t, err)
	assert.Equal(t, 3, added)
	assert.Equal(t, 3, c.Len())

	assert.Equal(t, map[string][]int64{"wf1": {1}}, bucketIDs(c, "A", model.Processing))
	assert.Equal(t, map[string][]int64{"wf1": {1, 2}}, bucketIDs(c, "B", model.Processing))
	assert.Equal(t, map[string][]int64{"wf2": {3}}, bucketIDs(c, "A", model.Merge))
	assert.Empty(t, c.Bucket("B", model.Merge))
	assert.Empty(t, c.Bucket("C", model.Processing))
}

func TestJobCache_IngestIsIdempotent(t *testing.T) {
	jobs := []*model.Job{
		testJob(1, "wf1", model.Processing, "A", "B"),
		testJob(2, "wf2", model.Processing, "A"),
	}
	once, err := New()
	require.NoError(t, err)
	_, err = once.Ingest(jobs)
	require.NoError(t, err)

	twice, err := New()
	require.NoError(t, err)
	_, err = twice.Ingest(jobs)
	require.NoError(t, err)
	added, err := twice.Ingest(jobs)
	require.NoError(t, err)
	assert.Equal(t, 0, added)

	assert.Equal(t, once.IDs(), twice.IDs())
	for _, site := range []string{"A", "B"} {
		assert.Equal(t, bucketIDs(once, site, model.Processing), bucketIDs(twice, site, model.Processing))
	}
}

func TestJobCache_IngestKeepsExistingPlacement(t *testing.T) {
	c, err := New()
	require.NoError(t, err)
	_, err = c.Ingest([]*model.Job{testJob(1, "wf1", model.Processing, "A")})
	require.NoError(t, err)
	_, err = c.Ingest([]*model.Job{testJob(1, "wf1", model.Processing, "B")})
	require.NoError(t, err)

	assert.Equal(t, []string{"A"}, c.Get(1).PossibleSites)
	assert.Empty(t, c.Bucket("B", model.Processing))
}

func TestJobCache_IngestRejectsUnplacedJobAtomically(t *testing.T) {
	c, err := New()
	require.NoError(t, err)
	_, err = c.Ingest([]*model.Job{
		testJob(1, "wf1", model.Processing, "A"),
		testJob(2, "wf1", model.Processing),
	})
	assert.Error(t, err)
	assert.Equal(t, 0, c.Len())
	assert.False(t, c.Contains(1))
}

func TestJobCache_Remove(t *testing.T) {
	c, err := New()
	require.NoError(t, err)
	_, err = c.Ingest([]*model.Job{
		testJob(1, "wf1", model.Processing, "A", "B"),
		testJob(2, "wf1", model.Processing, "A", "B"),
	})
	require.NoError(t, err)

	require.NoError(t, c.Remove([]int64{1, 99}))
	assert.False(t, c.Contains(1))
	assert.Nil(t, c.Get(1))
	for _, site := range []string{"A", "B"} {
		assert.Equal(t, map[string][]int64{"wf1": {2}}, bucketIDs(c, site, model.Processing))
	}

	require.NoError(t, c.Remove([]int64{2}))
	assert.Equal(t, 0, c.Len())
	assert.Empty(t, c.Bucket("A", model.Processing))
	assert.Empty(t, c.WorkflowJobs("wf1"))
}

func TestJobCache_Retain(t *testing.T) {
	c, err := New()
	require.NoError(t, err)
	_, err = c.Ingest([]*model.Job{
		testJob(1, "wf1", model.Processing, "A"),
		testJob(2, "wf1", model.Processing, "A", "B"),
		testJob(3, "wf2", model.Merge, "B"),
	})
	require.NoError(t, err)

	pending := map[int64]bool{1: true, 3: true}
	removed, err := c.Retain(func(id int64) bool { return pending[id] })
	require.NoError(t, err)
	assert.Equal(t, []int64{2}, removed)
	assert.Equal(t, []int64{1, 3}, c.IDs())

	// No bucket may reference the pruned job.
	for _, site := range []string{"A", "B"} {
		for _, taskType := range []model.TaskType{model.Processing, model.Merge} {
			for _, ids := range bucketIDs(c, site, taskType) {
				assert.NotContains(t, ids, int64(2))
			}
		}
	}
}

func TestJobCache_RemoveWorkflow(t *testing.T) {
	c, err := New()
	require.NoError(t, err)
	_, err = c.Ingest([]*model.Job{
		testJob(1, "wf1", model.Processing, "A"),
		testJob(2, "wf1", model.Merge, "B"),
		testJob(3, "wf2", model.Processing, "A"),
	})
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2}, c.WorkflowJobs("wf1"))

	removed, err := c.RemoveWorkflow("wf1")
	require.NoError(t, err)
	slices.Sort(removed)
	assert.Equal(t, []int64{1, 2}, removed)
	assert.Equal(t, []string{"wf2"}, maps.Keys(c.Bucket("A", model.Processing)))
	assert.Empty(t, c.Bucket("B", model.Merge))
}

func TestJobCache_Len(t *testing.T) {
	c, err := New()
	require.NoError(t, err)
	assert.Equal(t, 0, c.Len())

	jobs := make([]*model.Job, 0, 100)
	for i := int64(0); i < 100; i++ {
		jobs = append(jobs, testJob(i, "wf", model.Processing, "A", "B"))
	}
	_, err = c.Ingest(jobs)
	require.NoError(t, err)
	assert.Equal(t, 100, c.Len())

	require.NoError(t, c.Remove([]int64{0, 1, 2, 1000}))
	assert.Equal(t, 97, c.Len())
	assert.Equal(t, len(c.IDs()), c.Len())
}
