package submitter

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"golang.org/x/exp/maps"
	"k8s.io/utils/clock"

	"github.com/armadaproject/jobsubmitter/internal/common/compress"
	"github.com/armadaproject/jobsubmitter/internal/common/logging"
	"github.com/armadaproject/jobsubmitter/internal/submitter/backend"
	"github.com/armadaproject/jobsubmitter/internal/submitter/database"
	"github.com/armadaproject/jobsubmitter/internal/submitter/metrics"
	"github.com/armadaproject/jobsubmitter/internal/submitter/model"
	"github.com/armadaproject/jobsubmitter/internal/submitter/packaging"
)

// CycleResult summarises one submission cycle.
type CycleResult struct {
	CycleID string
	// Jobs admitted to the job cache.
	Ingested int
	// Jobs dropped from the job cache because they are no longer pending.
	Pruned int
	// Jobs that failed placement or whose description could not be loaded.
	Unplaceable int
	Selected    int
	Succeeded   int
	Failed      int
	// Jobs whose dispatch outcome is unknown at the end of the cycle.
	Indeterminate int
	// Previously indeterminate jobs found at a backend and moved to executing.
	Reconciled int
	// Jobs held in the job cache at the end of the cycle.
	CacheSize        int
	CacheInvalidated bool
	Duration         time.Duration
}

func (r *CycleResult) String() string {
	return fmt.Sprintf(
		"ingested %d, pruned %d, unplaceable %d, selected %d, succeeded %d, failed %d, indeterminate %d, reconciled %d, cached %d",
		r.Ingested, r.Pruned, r.Unplaceable, r.Selected, r.Succeeded, r.Failed, r.Indeterminate, r.Reconciled, r.CacheSize)
}

// CycleConfig holds the settings of SchedulingCycle that are not collaborators.
type CycleConfig struct {
	CyclePeriod     time.Duration
	MaxJobsPerCycle int
	PackageSize     int
}

// SchedulingCycle refreshes site capacity, admits pending jobs to the job cache, selects jobs for the free slots at
// each site and dispatches them, then records the outcome in the job store in a single transaction.
// Cycles are run one at a time.
type SchedulingCycle struct {
	config       CycleConfig
	store        database.JobStore
	capacity     *SiteCapacityModel
	resolver     *PlacementResolver
	selector     *DispatchSelector
	executor     *DispatchExecutor
	backends     *backend.Set
	descriptions *packaging.DescriptionLoader
	packageFs    afero.Fs
	compressor   compress.Compressor
	metrics      *metrics.Metrics
	clock        clock.WithTicker

	// Serialises cycles and kill operations.
	mu    sync.Mutex
	state *SchedulerState
	// Unix nanos at which the last cycle finished, successfully or not.
	lastCycleEnd atomic.Int64
}

func NewSchedulingCycle(
	config CycleConfig,
	store database.JobStore,
	capacity *SiteCapacityModel,
	resolver *PlacementResolver,
	selector *DispatchSelector,
	executor *DispatchExecutor,
	backends *backend.Set,
	fs afero.Fs,
	compressor compress.Compressor,
	state *SchedulerState,
	metrics *metrics.Metrics,
	clock clock.WithTicker,
) *SchedulingCycle {
	return &SchedulingCycle{
		config:       config,
		store:        store,
		capacity:     capacity,
		resolver:     resolver,
		selector:     selector,
		executor:     executor,
		backends:     backends,
		descriptions: packaging.NewDescriptionLoader(fs),
		packageFs:    fs,
		compressor:   compressor,
		state:        state,
		metrics:      metrics,
		clock:        clock,
	}
}

// Run executes a cycle every CyclePeriod until ctx is cancelled. A failed cycle is logged and retried on the next tick.
func (c *SchedulingCycle) Run(ctx context.Context) error {
	ticker := c.clock.NewTicker(c.config.CyclePeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C():
			result, err := c.RunCycle(ctx)
			if err != nil {
				logging.WithStacktrace(log.NewEntry(log.StandardLogger()), err).Error("Error in submission cycle")
				continue
			}
			log.WithField("cycle", result.CycleID).Infof("Completed submission cycle in %s: %s", result.Duration, result)
		}
	}
}

// Check implements health.Checker. It fails when no cycle has completed successfully within three cycle periods.
func (c *SchedulingCycle) Check() error {
	last := c.lastCycleEnd.Load()
	if last == 0 {
		return errors.New("no submission cycle has completed yet")
	}
	if since := c.clock.Since(time.Unix(0, last)); since > 3*c.config.CyclePeriod {
		return errors.Errorf("last submission cycle finished %s ago", since)
	}
	return nil
}

// pendingFailure is a job that failed before dispatch.
type pendingFailure struct {
	job         *model.JobRecord
	code        ErrorCode
	message     string
	fingerprint string
}

// RunCycle runs a single submission cycle.
func (c *SchedulingCycle) RunCycle(ctx context.Context) (*CycleResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	start := c.clock.Now()

	result := &CycleResult{CycleID: uuid.NewString()}
	logger := log.WithField("cycle", result.CycleID)

	// Jobs handed to a backend in an earlier cycle with an unknown outcome.
	reconciled := c.reconcile(logger)
	result.Reconciled = len(reconciled)

	snapshot, changed, err := c.capacity.Refresh(ctx, c.state.Snapshot)
	if err != nil {
		return nil, err
	}
	if changed {
		logger.Info("Set of draining or aborted sites changed, clearing the job cache")
		if err := c.state.ResetCache(); err != nil {
			return nil, err
		}
		result.CacheInvalidated = true
		c.metrics.ReportCacheInvalidation()
	}
	c.state.Snapshot = snapshot

	workflowList, err := c.store.ListWorkflowsForSubmission(ctx)
	if err != nil {
		return nil, errors.WithMessage(err, "listing workflows")
	}
	workflows := make(map[string]*model.WorkflowInfo, len(workflowList))
	for _, w := range workflowList {
		workflows[w.Name] = w
	}
	pendingJobs, err := c.store.ListPendingJobsForSubmission(ctx)
	if err != nil {
		return nil, errors.WithMessage(err, "listing pending jobs")
	}
	pending := make(map[int64]bool, len(pendingJobs))
	for _, job := range pendingJobs {
		pending[job.ID] = true
	}

	pruned, err := c.state.Cache.Retain(func(id int64) bool {
		_, indeterminate := c.state.Indeterminate[id]
		return pending[id] && !indeterminate
	})
	if err != nil {
		return nil, err
	}
	result.Pruned = len(pruned)

	newJobs, failures, err := c.admit(logger, pendingJobs, snapshot)
	if err != nil {
		return nil, err
	}
	result.Unplaceable = len(failures)
	if result.Ingested, err = c.state.Cache.Ingest(newJobs); err != nil {
		return nil, err
	}

	selection, err := c.selector.Select(c.state.Cache, snapshot, workflows, c.config.MaxJobsPerCycle)
	if err != nil {
		return nil, err
	}
	result.Selected = selection.Count
	logger.Infof("Selected %d jobs from %d cached jobs", selection.Count, c.state.Cache.Len()+selection.Count)

	dispatched := c.executor.Dispatch(ctx, selection)
	for _, job := range dispatched.Indeterminate {
		c.state.Indeterminate[job.ID()] = job
	}
	if len(dispatched.Skipped) > 0 {
		logger.Warnf("Cycle cancelled before %d jobs were dispatched", len(dispatched.Skipped))
	}

	// Dispatched jobs must be recorded even if the cycle has been asked to stop.
	if err := c.commit(context.Background(), reconciled, failures, dispatched); err != nil {
		// The backends may already hold these jobs. Find out next cycle before they are dispatched again.
		for _, job := range dispatched.Succeeded {
			c.state.Indeterminate[job.ID()] = job
		}
		c.metrics.SetIndeterminateJobs(len(c.state.Indeterminate))
		return nil, &ErrStoreTransaction{Cause: err}
	}
	for _, job := range reconciled {
		delete(c.state.Indeterminate, job.ID())
	}
	for _, failure := range failures {
		if failure.fingerprint != "" {
			c.state.Exclude(failure.job.ID, failure.fingerprint)
		}
	}

	result.Succeeded = len(dispatched.Succeeded)
	result.Failed = len(dispatched.Failed)
	result.Indeterminate = len(c.state.Indeterminate)
	result.CacheSize = c.state.Cache.Len()
	result.Duration = c.clock.Since(start)
	c.report(result, failures, dispatched)
	c.lastCycleEnd.Store(c.clock.Now().UnixNano())
	return result, nil
}

// reconcile asks the backends about indeterminate jobs. Jobs a backend knows about are returned; jobs no backend
// knows about are released so that they are admitted again.
func (c *SchedulingCycle) reconcile(logger *log.Entry) []*model.DispatchRecord {
	if len(c.state.Indeterminate) == 0 {
		return nil
	}
	found, notFound, unknown := c.executor.Track(maps.Values(c.state.Indeterminate))
	for _, job := range notFound {
		delete(c.state.Indeterminate, job.ID())
	}
	logger.Infof("Reconciled indeterminate jobs: %d found, %d released, %d still unknown", len(found), len(notFound), len(unknown))
	return found
}

// admit resolves the placement of pending jobs that are not yet cached and writes them into job packages.
func (c *SchedulingCycle) admit(
	logger *log.Entry,
	pendingJobs []*model.JobRecord,
	snapshot *model.CapacitySnapshot,
) ([]*model.Job, []*pendingFailure, error) {
	writer := packaging.NewWriter(c.packageFs, c.config.PackageSize, c.compressor)
	var newJobs []*model.Job
	var failures []*pendingFailure
	for _, record := range pendingJobs {
		if _, ok := c.state.Indeterminate[record.ID]; ok || c.state.Cache.Contains(record.ID) {
			continue
		}
		description, err := c.descriptions.Load(record.CacheDir)
		if err != nil {
			err := &ErrMissingJobDescription{JobID: record.ID, Path: packaging.DescriptionPath(record.CacheDir), Cause: err}
			logger.WithError(err).Warn("Failing job")
			failures = append(failures, &pendingFailure{job: record, code: CodeMissingJobDescription, message: err.Error()})
			continue
		}
		fingerprint := model.Fingerprint(record.RetryCount, description)
		if c.state.IsExcluded(record.ID, fingerprint) {
			continue
		}
		placement, err := c.resolver.Resolve(record.ID, record.TaskType, description, snapshot)
		if err != nil {
			var placementErr *ErrPlacement
			if !errors.As(err, &placementErr) {
				return nil, nil, err
			}
			logger.WithField("jobId", record.ID).Info(placementErr.Error())
			failures = append(failures, &pendingFailure{
				job:         record,
				code:        placementErr.Code,
				message:     placementErr.Error(),
				fingerprint: fingerprint,
			})
			continue
		}
		job := &model.Job{
			JobRecord:            *record,
			Description:          *description,
			PossibleSites:        placement.Possible,
			PotentialSites:       placement.Potential,
			ExhaustedNonDraining: placement.ExhaustedNonDraining,
		}
		if job.PackageDir, err = writer.Add(job); err != nil {
			return nil, nil, errors.WithMessagef(err, "packaging job %d", job.ID)
		}
		newJobs = append(newJobs, job)
	}
	if err := writer.Flush(); err != nil {
		return nil, nil, errors.WithMessage(err, "flushing job packages")
	}
	return newJobs, failures, nil
}

// commit records every outcome of the cycle in one job store transaction.
func (c *SchedulingCycle) commit(
	ctx context.Context,
	reconciled []*model.DispatchRecord,
	failures []*pendingFailure,
	dispatched *DispatchResult,
) error {
	executing := append(append([]*model.DispatchRecord{}, reconciled...), dispatched.Succeeded...)

	var submitFailures []database.SubmitFailure
	var reportPaths []model.JobReportPath
	var failedIDs []int64
	for _, f := range failures {
		submitFailures = append(submitFailures, database.SubmitFailure{JobID: f.job.ID, ErrorCode: int(f.code), Message: f.message})
		reportPaths = append(reportPaths, model.JobReportPath{JobID: f.job.ID, Path: f.job.ReportPath()})
		failedIDs = append(failedIDs, f.job.ID)
	}
	for _, job := range dispatched.Failed {
		submitFailures = append(submitFailures, database.SubmitFailure{JobID: job.ID(), ErrorCode: job.ErrorCode, Message: job.ErrorMessage})
		reportPaths = append(reportPaths, model.JobReportPath{JobID: job.ID(), Path: job.Job.ReportPath()})
		failedIDs = append(failedIDs, job.ID())
	}
	if len(executing) == 0 && len(failedIDs) == 0 {
		return nil
	}

	return c.store.RunInTx(ctx, func(tx database.JobStoreTx) error {
		if err := tx.SetJobLocation(ctx, locations(executing, dispatched.Failed)); err != nil {
			return err
		}
		if err := tx.RecordStateTransition(ctx, ids(executing), model.JobStateCreated, model.JobStateExecuting); err != nil {
			return err
		}
		if err := tx.ReportSubmitFailure(ctx, submitFailures); err != nil {
			return err
		}
		if err := tx.SetFrameworkJobReportPath(ctx, reportPaths); err != nil {
			return err
		}
		return tx.RecordStateTransition(ctx, failedIDs, model.JobStateCreated, model.JobStateSubmitFailed)
	})
}

func (c *SchedulingCycle) report(result *CycleResult, failures []*pendingFailure, dispatched *DispatchResult) {
	c.metrics.ReportCycleTime(result.Duration)
	c.metrics.SetCachedJobs(result.CacheSize)
	c.metrics.SetIndeterminateJobs(result.Indeterminate)
	dispatchedCounts := make(map[[2]string]int)
	for _, job := range dispatched.Succeeded {
		dispatchedCounts[[2]string{job.Site, string(job.Job.TaskType)}]++
	}
	for k, n := range dispatchedCounts {
		c.metrics.ReportDispatched(k[0], k[1], n)
	}
	failureCounts := make(map[int]int)
	for _, f := range failures {
		failureCounts[int(f.code)]++
	}
	for _, job := range dispatched.Failed {
		failureCounts[job.ErrorCode]++
	}
	for code, n := range failureCounts {
		c.metrics.ReportSubmitFailures(code, n)
	}
}

// KillJobs removes jobs from their backends and forgets them.
func (c *SchedulingCycle) KillJobs(ctx context.Context, jobs []*model.DispatchRecord) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	byBackend := make(map[string][]*model.DispatchRecord)
	for _, job := range jobs {
		name := c.backends.Get(job.Plugin).Name()
		byBackend[name] = append(byBackend[name], job)
	}
	for _, name := range sortedKeys(byBackend) {
		if err := c.backends.Get(name).Kill(ctx, byBackend[name]); err != nil {
			return errors.WithMessagef(err, "killing %d jobs", len(byBackend[name]))
		}
	}
	return c.state.Release(ids(jobs))
}

// KillWorkflow removes every job of a workflow from every backend and forgets them.
func (c *SchedulingCycle) KillWorkflow(ctx context.Context, workflow string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, b := range c.backends.All() {
		if err := b.KillWorkflow(ctx, workflow); err != nil {
			return errors.WithMessagef(err, "killing workflow %s", workflow)
		}
	}
	removed, err := c.state.Cache.RemoveWorkflow(workflow)
	if err != nil {
		return err
	}
	for id, job := range c.state.Indeterminate {
		if job.Job.Workflow == workflow {
			removed = append(removed, id)
		}
	}
	log.Infof("Killed workflow %s, dropped %d jobs", workflow, len(removed))
	return c.state.Release(removed)
}

// CacheSize returns the number of jobs currently held in the job cache.
func (c *SchedulingCycle) CacheSize() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.Cache.Len()
}

func ids(records []*model.DispatchRecord) []int64 {
	result := make([]int64, len(records))
	for i, r := range records {
		result[i] = r.ID()
	}
	return result
}

func locations(recordSets ...[]*model.DispatchRecord) []model.JobLocation {
	var result []model.JobLocation
	for _, records := range recordSets {
		for _, r := range records {
			result = append(result, model.JobLocation{JobID: r.ID(), Site: r.Site})
		}
	}
	return result
}
