package jobcache

import (
	"fmt"

	"github.com/hashicorp/go-memdb"
	"github.com/pkg/errors"
	"golang.org/x/exp/slices"

	"github.com/armadaproject/jobsubmitter/internal/submitter/model"
)

const (
	jobsTable     = "jobs"
	idIndex       = "id"       // index for looking up jobs by id
	bucketIndex   = "bucket"   // index for looking up jobs that may run at a given site for a given task type
	workflowIndex = "workflow" // index for looking up all jobs belonging to a workflow
)

// JobCache is the in-memory set of jobs eligible for dispatch.
// Every job is indexed under one bucket per (site, task type) it may run at, derived from its possible sites, so a
// job can never be present in a bucket without also being present in the cache and removing the job removes it from
// every bucket in the same transaction.
// JobCache is implemented on top of https://github.com/hashicorp/go-memdb. All mutations happen in a single write
// transaction, so a failed mutation leaves the cache as it was.
type JobCache struct {
	db *memdb.MemDB
}

// cachedJob is the record stored in memdb. The indexed fields are computed once on insert.
type cachedJob struct {
	ID       int64
	Workflow string
	Buckets  []string
	Job      *model.Job
}

func New() (*JobCache, error) {
	db, err := memdb.NewMemDB(jobCacheSchema())
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return &JobCache{db: db}, nil
}

func bucketKey(site string, taskType model.TaskType) string {
	return fmt.Sprintf("%s\x1f%s", site, taskType)
}

// Ingest adds jobs that are not already tracked and returns the number added.
// Jobs already in the cache are left untouched, so ingesting the same set twice is a no-op the second time.
// Jobs with no possible sites are rejected.
func (c *JobCache) Ingest(jobs []*model.Job) (int, error) {
	txn := c.db.Txn(true)
	defer txn.Abort()
	added := 0
	for _, job := range jobs {
		if len(job.PossibleSites) == 0 {
			return 0, errors.Errorf("job %d has no possible sites and cannot be cached", job.ID)
		}
		existing, err := txn.First(jobsTable, idIndex, job.ID)
		if err != nil {
			return 0, errors.WithStack(err)
		}
		if existing != nil {
			continue
		}
		buckets := make([]string, 0, len(job.PossibleSites))
		for _, site := range job.PossibleSites {
			buckets = append(buckets, bucketKey(site, job.TaskType))
		}
		err = txn.Insert(jobsTable, &cachedJob{
			ID:       job.ID,
			Workflow: job.Workflow,
			Buckets:  buckets,
			Job:      job,
		})
		if err != nil {
			return 0, errors.WithStack(err)
		}
		added++
	}
	txn.Commit()
	return added, nil
}

// Contains returns true if the job with the given id is tracked.
func (c *JobCache) Contains(id int64) bool {
	return c.Get(id) != nil
}

// Get returns the job with the given id or nil if no such job exists.
// The Job returned by this function *must not* be subsequently modified
func (c *JobCache) Get(id int64) *model.Job {
	txn := c.db.Txn(false)
	obj, err := txn.First(jobsTable, idIndex, id)
	if err != nil || obj == nil {
		return nil
	}
	return obj.(*cachedJob).Job
}

// IDs returns the ids of every tracked job in ascending order.
func (c *JobCache) IDs() []int64 {
	txn := c.db.Txn(false)
	iter, err := txn.Get(jobsTable, idIndex)
	if err != nil {
		return nil
	}
	ids := make([]int64, 0)
	for obj := iter.Next(); obj != nil; obj = iter.Next() {
		ids = append(ids, obj.(*cachedJob).ID)
	}
	slices.Sort(ids)
	return ids
}

// Len returns the number of tracked jobs.
func (c *JobCache) Len() int {
	iter, err := c.db.Txn(false).Get(jobsTable, idIndex)
	if err != nil {
		return 0
	}
	n := 0
	for obj := iter.Next(); obj != nil; obj = iter.Next() {
		n++
	}
	return n
}

// Remove drops the jobs with the given ids. Ids that are not tracked are ignored.
func (c *JobCache) Remove(ids []int64) error {
	txn := c.db.Txn(true)
	defer txn.Abort()
	if _, err := deleteIDs(txn, ids); err != nil {
		return err
	}
	txn.Commit()
	return nil
}

// Retain drops every tracked job for which keep returns false and returns the ids removed.
func (c *JobCache) Retain(keep func(id int64) bool) ([]int64, error) {
	txn := c.db.Txn(true)
	defer txn.Abort()
	iter, err := txn.Get(jobsTable, idIndex)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	var toRemove []int64
	for obj := iter.Next(); obj != nil; obj = iter.Next() {
		id := obj.(*cachedJob).ID
		if !keep(id) {
			toRemove = append(toRemove, id)
		}
	}
	removed, err := deleteIDs(txn, toRemove)
	if err != nil {
		return nil, err
	}
	txn.Commit()
	return removed, nil
}

// RemoveWorkflow drops every job belonging to the named workflow and returns the ids removed.
func (c *JobCache) RemoveWorkflow(workflow string) ([]int64, error) {
	txn := c.db.Txn(true)
	defer txn.Abort()
	iter, err := txn.Get(jobsTable, workflowIndex, workflow)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	var ids []int64
	for obj := iter.Next(); obj != nil; obj = iter.Next() {
		ids = append(ids, obj.(*cachedJob).ID)
	}
	removed, err := deleteIDs(txn, ids)
	if err != nil {
		return nil, err
	}
	txn.Commit()
	return removed, nil
}

// Bucket returns the jobs that may run at site for the given task type, grouped by workflow.
// The returned map and slices belong to the caller.
func (c *JobCache) Bucket(site string, taskType model.TaskType) map[string][]*model.Job {
	txn := c.db.Txn(false)
	iter, err := txn.Get(jobsTable, bucketIndex, bucketKey(site, taskType))
	if err != nil {
		return nil
	}
	var byWorkflow map[string][]*model.Job
	for obj := iter.Next(); obj != nil; obj = iter.Next() {
		job := obj.(*cachedJob)
		if byWorkflow == nil {
			byWorkflow = make(map[string][]*model.Job)
		}
		byWorkflow[job.Workflow] = append(byWorkflow[job.Workflow], job.Job)
	}
	return byWorkflow
}

// WorkflowJobs returns the ids of all tracked jobs of the named workflow in ascending order.
func (c *JobCache) WorkflowJobs(workflow string) []int64 {
	txn := c.db.Txn(false)
	iter, err := txn.Get(jobsTable, workflowIndex, workflow)
	if err != nil {
		return nil
	}
	var ids []int64
	for obj := iter.Next(); obj != nil; obj = iter.Next() {
		ids = append(ids, obj.(*cachedJob).ID)
	}
	slices.Sort(ids)
	return ids
}

func deleteIDs(txn *memdb.Txn, ids []int64) ([]int64, error) {
	removed := make([]int64, 0, len(ids))
	for _, id := range ids {
		obj, err := txn.First(jobsTable, idIndex, id)
		if err != nil {
			return nil, errors.WithStack(err)
		}
		if obj == nil {
			continue
		}
		if err := txn.Delete(jobsTable, obj); err != nil {
			return nil, errors.WithStack(err)
		}
		removed = append(removed, id)
	}
	return removed, nil
}

// jobCacheSchema creates the database schema.
// This is a simple schema consisting of a single "jobs" table with indexes for fast lookups
func jobCacheSchema() *memdb.DBSchema {
	indexes := make(map[string]*memdb.IndexSchema)
	indexes[idIndex] = &memdb.IndexSchema{
		Name:    idIndex, // lookup by primary key
		Unique:  true,
		Indexer: &memdb.IntFieldIndex{Field: "ID"},
	}
	indexes[bucketIndex] = &memdb.IndexSchema{
		Name:    bucketIndex,
		Unique:  false,
		Indexer: &memdb.StringSliceFieldIndex{Field: "Buckets"},
	}
	indexes[workflowIndex] = &memdb.IndexSchema{
		Name:         workflowIndex,
		Unique:       false,
		AllowMissing: true,
		Indexer:      &memdb.StringFieldIndex{Field: "Workflow"},
	}
	return &memdb.DBSchema{
		Tables: map[string]*memdb.TableSchema{
			jobsTable: {
				Name:    jobsTable,
				Indexes: indexes,
			},
		},
	}
}
