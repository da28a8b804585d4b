package submitter

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/armadaproject/jobsubmitter/internal/common/armadaerrors"
	"github.com/armadaproject/jobsubmitter/internal/common/compress"
	"github.com/armadaproject/jobsubmitter/internal/submitter/alert"
	"github.com/armadaproject/jobsubmitter/internal/submitter/backend"
	"github.com/armadaproject/jobsubmitter/internal/submitter/database"
	"github.com/armadaproject/jobsubmitter/internal/submitter/metrics"
	"github.com/armadaproject/jobsubmitter/internal/submitter/model"
	"github.com/armadaproject/jobsubmitter/internal/submitter/packaging"
)

type storedJob struct {
	record   model.JobRecord
	state    model.JobState
	location string
	fwjrPath string
}

// testJobStore is an in-memory job store. Mutations made in RunInTx are applied only if the transaction commits.
type testJobStore struct {
	mu              sync.Mutex
	jobs            map[int64]*storedJob
	workflows       map[string]*model.WorkflowInfo
	siteInfo        map[string]*model.SiteInfo
	failures        []database.SubmitFailure
	failCommit      bool
	siteInfoErr     error
	siteInfoLookups int
}

func newTestJobStore() *testJobStore {
	return &testJobStore{
		jobs:      make(map[int64]*storedJob),
		workflows: make(map[string]*model.WorkflowInfo),
		siteInfo:  make(map[string]*model.SiteInfo),
	}
}

func (s *testJobStore) ListPendingJobsForSubmission(_ context.Context) ([]*model.JobRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var result []*model.JobRecord
	for _, job := range s.jobs {
		if job.state == model.JobStateCreated {
			record := job.record
			result = append(result, &record)
		}
	}
	slices.SortFunc(result, func(a, b *model.JobRecord) bool {
		return a.ID < b.ID
	})
	return result, nil
}

func (s *testJobStore) ListWorkflowsForSubmission(_ context.Context) ([]*model.WorkflowInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return maps.Values(s.workflows), nil
}

func (s *testJobStore) GetSiteInfo(_ context.Context, site string) (*model.SiteInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.siteInfoLookups++
	if s.siteInfoErr != nil {
		return nil, s.siteInfoErr
	}
	info, ok := s.siteInfo[site]
	if !ok {
		return nil, &armadaerrors.ErrNotFound{Type: "site_info", Value: site}
	}
	return info, nil
}

func (s *testJobStore) RunInTx(_ context.Context, action func(tx database.JobStoreTx) error) error {
	tx := &testJobStoreTx{store: s}
	if err := action(tx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failCommit {
		return errors.New("could not serialize access")
	}
	for _, op := range tx.ops {
		op()
	}
	return nil
}

func (s *testJobStore) job(id int64) *storedJob {
	s.mu.Lock()
	defer s.mu.Unlock()
	job := *s.jobs[id]
	return &job
}

func (s *testJobStore) setState(id int64, state model.JobState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[id].state = state
}

func (s *testJobStore) failureCodes() map[int64]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	result := make(map[int64]int)
	for _, f := range s.failures {
		result[f.JobID] = f.ErrorCode
	}
	return result
}

type testJobStoreTx struct {
	store *testJobStore
	ops   []func()
}

func (tx *testJobStoreTx) SetJobLocation(_ context.Context, locations []model.JobLocation) error {
	tx.ops = append(tx.ops, func() {
		for _, l := range locations {
			tx.store.jobs[l.JobID].location = l.Site
		}
	})
	return nil
}

func (tx *testJobStoreTx) RecordStateTransition(_ context.Context, jobIDs []int64, from model.JobState, to model.JobState) error {
	tx.ops = append(tx.ops, func() {
		for _, id := range jobIDs {
			if job := tx.store.jobs[id]; job.state == from {
				job.state = to
			}
		}
	})
	return nil
}

func (tx *testJobStoreTx) SetFrameworkJobReportPath(_ context.Context, paths []model.JobReportPath) error {
	tx.ops = append(tx.ops, func() {
		for _, p := range paths {
			tx.store.jobs[p.JobID].fwjrPath = p.Path
		}
	})
	return nil
}

func (tx *testJobStoreTx) ReportSubmitFailure(_ context.Context, failures []database.SubmitFailure) error {
	tx.ops = append(tx.ops, func() {
		tx.store.failures = append(tx.store.failures, failures...)
	})
	return nil
}

// testBackend accepts every job except those at sites it is told to reject or ignore.
type testBackend struct {
	name string

	mu sync.Mutex
	// Sites whose jobs are failed with a message.
	rejectSites map[string]bool
	// Sites whose jobs are left out of the result.
	ignoreSites map[string]bool
	// Returned from Submit after accepting jobs, when set.
	submitErr error
	// Returned from Submit before accepting anything, when set.
	unreachable error
	trackErr    error
	delay       time.Duration
	submitCalls int
	submitted   []int64
	known       map[int64]bool
	killed      []int64
	killedFlows []string
}

func newTestBackend(name string) *testBackend {
	return &testBackend{
		name:        name,
		rejectSites: make(map[string]bool),
		ignoreSites: make(map[string]bool),
		known:       make(map[int64]bool),
	}
}

func (b *testBackend) Name() string {
	return b.name
}

func (b *testBackend) Submit(_ context.Context, jobs []*model.DispatchRecord) ([]*model.DispatchRecord, []*model.DispatchRecord, error) {
	time.Sleep(b.delay)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.submitCalls++
	if b.unreachable != nil {
		return nil, nil, b.unreachable
	}
	var succeeded, failed []*model.DispatchRecord
	for _, job := range jobs {
		switch {
		case b.rejectSites[job.Site]:
			job.ErrorMessage = fmt.Sprintf("site %s rejected the job", job.Site)
			failed = append(failed, job)
		case b.ignoreSites[job.Site]:
		default:
			succeeded = append(succeeded, job)
			b.submitted = append(b.submitted, job.ID())
			b.known[job.ID()] = true
		}
	}
	if b.submitErr != nil {
		return nil, nil, b.submitErr
	}
	return succeeded, failed, nil
}

func (b *testBackend) Track(_ context.Context, jobs []*model.DispatchRecord) ([]*model.DispatchRecord, []*model.DispatchRecord, []*model.DispatchRecord, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.trackErr != nil {
		return nil, nil, nil, b.trackErr
	}
	var running []*model.DispatchRecord
	for _, job := range jobs {
		if b.known[job.ID()] {
			running = append(running, job)
		}
	}
	return running, nil, nil, nil
}

func (b *testBackend) Kill(_ context.Context, jobs []*model.DispatchRecord) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, job := range jobs {
		b.killed = append(b.killed, job.ID())
	}
	return nil
}

func (b *testBackend) KillWorkflow(_ context.Context, workflow string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.killedFlows = append(b.killedFlows, workflow)
	return nil
}

func (b *testBackend) Close() error {
	return nil
}

func (b *testBackend) submittedIDs() []int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Clone(b.submitted)
}

type recordingAlerter struct {
	mu     sync.Mutex
	alerts []*alert.Alert
}

func (a *recordingAlerter) Raise(alert *alert.Alert) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.alerts = append(a.alerts, alert)
	return nil
}

const testCyclePeriod = 10 * time.Second

// testEnv is a SchedulingCycle wired to in-memory collaborators.
type testEnv struct {
	store    *testJobStore
	backend  *testBackend
	registry *flakyRegistry
	alerter  *recordingAlerter
	fs       afero.Fs
	clock    *clocktesting.FakeClock
	executor *DispatchExecutor
	cycle    *SchedulingCycle
}

func newTestEnv(t *testing.T, maxJobs int, sites ...*model.SiteRecord) *testEnv {
	env := &testEnv{
		store:    newTestJobStore(),
		backend:  newTestBackend("condor"),
		registry: &flakyRegistry{sites: sites},
		alerter:  &recordingAlerter{},
		fs:       afero.NewMemMapFs(),
		clock:    clocktesting.NewFakeClock(time.Date(2022, 10, 1, 0, 0, 0, 0, time.UTC)),
	}
	for _, s := range sites {
		env.store.siteInfo[s.Name] = &model.SiteInfo{Name: s.Name, CEEndpoint: "ce." + s.Name, StorageGroup: s.StorageGroup}
	}
	backends, err := backend.NewSet("condor", env.backend)
	require.NoError(t, err)
	state, err := NewSchedulerState(100)
	require.NoError(t, err)
	m := metrics.New()
	env.executor = NewDispatchExecutor(env.store, time.Minute, backends, 2, time.Second, 2, env.alerter, m, env.clock)
	env.cycle = NewSchedulingCycle(
		CycleConfig{CyclePeriod: testCyclePeriod, MaxJobsPerCycle: maxJobs, PackageSize: 100},
		env.store,
		NewSiteCapacityModel(env.registry, 1, 0),
		NewPlacementResolver(model.DefaultDrainExemptTaskTypes, false),
		NewDispatchSelector(firstSite),
		env.executor,
		backends,
		env.fs,
		&compress.NoOpCompressor{},
		state,
		m,
		env.clock,
	)
	return env
}

// addJob stores a pending job together with its description. The job reads its input from storage.
func (env *testEnv) addJob(t *testing.T, id int64, workflow string, taskType model.TaskType, storage ...string) {
	env.addJobWithDescription(t, id, workflow, taskType, &model.JobDescription{InputLocations: storage, NumCores: 1})
}

func (env *testEnv) addJobWithDescription(t *testing.T, id int64, workflow string, taskType model.TaskType, description *model.JobDescription) {
	cacheDir := fmt.Sprintf("/cache/%d", id)
	if description != nil {
		require.NoError(t, packaging.NewDescriptionLoader(env.fs).Store(cacheDir, description))
	}
	if _, ok := env.store.workflows[workflow]; !ok {
		env.store.workflows[workflow] = &model.WorkflowInfo{Name: workflow, Priority: 1, Timestamp: 100}
	}
	env.store.jobs[id] = &storedJob{
		record: model.JobRecord{
			ID:          id,
			Workflow:    workflow,
			Task:        "/" + workflow + "/Task",
			TaskType:    taskType,
			CacheDir:    cacheDir,
			Sandbox:     "/sandboxes/" + workflow + ".tar.bz2",
			PackageRoot: "/packages/" + workflow,
		},
		state: model.JobStateCreated,
	}
}

// storageSite returns a normal site served by storage endpoint "se_<name>" with room for slots Processing jobs.
func storageSite(name string, slots int) *model.SiteRecord {
	s := site(name, slots, 0, threshold(model.Processing, slots, 0), threshold(model.Merge, slots, 0))
	s.StorageNames = []string{"se_" + name}
	return s
}
