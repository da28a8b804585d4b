package submitter

import (
	"context"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	log "github.com/sirupsen/logrus"
	"golang.org/x/exp/slices"
	"k8s.io/utils/clock"

	"github.com/armadaproject/jobsubmitter/internal/common/armadaerrors"
	"github.com/armadaproject/jobsubmitter/internal/submitter/alert"
	"github.com/armadaproject/jobsubmitter/internal/submitter/backend"
	"github.com/armadaproject/jobsubmitter/internal/submitter/metrics"
	"github.com/armadaproject/jobsubmitter/internal/submitter/model"
)

// SiteInfoSource looks up the dispatch information of a site.
type SiteInfoSource interface {
	GetSiteInfo(ctx context.Context, site string) (*model.SiteInfo, error)
}

// DispatchResult partitions the jobs handed to DispatchExecutor.Dispatch by outcome.
type DispatchResult struct {
	// Accepted by a backend.
	Succeeded []*model.DispatchRecord
	// Rejected by a backend, or missing from the result of a backend call that otherwise succeeded.
	// ErrorCode and ErrorMessage are set.
	Failed []*model.DispatchRecord
	// Part of a backend call that timed out or failed without saying what happened to them.
	Indeterminate []*model.DispatchRecord
	// Never handed to a backend because the context was cancelled first.
	Skipped []*model.DispatchRecord
}

// dispatchUnit is the jobs of one package that go to one backend in a single call.
type dispatchUnit struct {
	packageDir string
	backend    backend.Backend
	jobs       []*model.DispatchRecord
}

type unitResult struct {
	unit      *dispatchUnit
	started   bool
	succeeded []*model.DispatchRecord
	failed    []*model.DispatchRecord
	err       error
}

// DispatchExecutor hands selected jobs to their backends using a bounded pool of workers.
type DispatchExecutor struct {
	siteInfoSource SiteInfoSource
	siteInfo       *cache.Cache
	backends       *backend.Set
	workers        int
	callTimeout    time.Duration
	alertThreshold int
	alerter        alert.Alerter
	metrics        *metrics.Metrics
	clock          clock.Clock
	// Backend name -> number of consecutive failed calls.
	consecutiveFailures map[string]int
}

func NewDispatchExecutor(
	siteInfoSource SiteInfoSource,
	siteInfoTTL time.Duration,
	backends *backend.Set,
	workers int,
	callTimeout time.Duration,
	alertThreshold int,
	alerter alert.Alerter,
	metrics *metrics.Metrics,
	clock clock.Clock,
) *DispatchExecutor {
	if workers <= 0 {
		workers = 1
	}
	return &DispatchExecutor{
		siteInfoSource:      siteInfoSource,
		siteInfo:            cache.New(siteInfoTTL, 10*siteInfoTTL),
		backends:            backends,
		workers:             workers,
		callTimeout:         callTimeout,
		alertThreshold:      alertThreshold,
		alerter:             alerter,
		metrics:             metrics,
		clock:               clock,
		consecutiveFailures: make(map[string]int),
	}
}

// Dispatch submits every selected job. Packages are independent and are submitted concurrently; a package is never
// split between calls to the same backend. Once ctx is cancelled, calls already in flight are allowed to finish and
// the remaining packages are returned as skipped.
func (e *DispatchExecutor) Dispatch(ctx context.Context, selection *Selection) *DispatchResult {
	units := e.buildUnits(ctx, selection)
	results := e.submitUnits(ctx, units)

	dispatchResult := &DispatchResult{}
	for _, r := range results {
		if !r.started {
			dispatchResult.Skipped = append(dispatchResult.Skipped, r.unit.jobs...)
			continue
		}
		e.recordCall(r)
		dispatchResult.Succeeded = append(dispatchResult.Succeeded, r.succeeded...)
		for _, job := range r.failed {
			job.ErrorCode = int(CodeBackendSubmitFailed)
		}
		dispatchResult.Failed = append(dispatchResult.Failed, r.failed...)

		accounted := make(map[int64]bool, len(r.succeeded)+len(r.failed))
		for _, job := range append(append([]*model.DispatchRecord{}, r.succeeded...), r.failed...) {
			accounted[job.ID()] = true
		}
		for _, job := range r.unit.jobs {
			if accounted[job.ID()] {
				continue
			}
			if r.err != nil {
				dispatchResult.Indeterminate = append(dispatchResult.Indeterminate, job)
			} else {
				job.ErrorCode = int(CodeBackendUnrecognizedResult)
				job.ErrorMessage = "backend " + r.unit.backend.Name() + " returned no result for the job"
				dispatchResult.Failed = append(dispatchResult.Failed, job)
			}
		}
	}
	return dispatchResult
}

// buildUnits enriches every job with the dispatch information of its site and groups jobs by package and backend.
func (e *DispatchExecutor) buildUnits(ctx context.Context, selection *Selection) []*dispatchUnit {
	type key struct {
		packageDir string
		plugin     string
	}
	byKey := make(map[key]*dispatchUnit)
	var keys []key
	for _, packageDir := range sortedKeys(selection.ByPackage) {
		for _, job := range selection.ByPackage[packageDir] {
			e.enrich(ctx, job)
			k := key{packageDir: packageDir, plugin: job.Plugin}
			unit, ok := byKey[k]
			if !ok {
				unit = &dispatchUnit{packageDir: packageDir, backend: e.backends.Get(job.Plugin)}
				byKey[k] = unit
				keys = append(keys, k)
			}
			unit.jobs = append(unit.jobs, job)
		}
	}
	units := make([]*dispatchUnit, len(keys))
	for i, k := range keys {
		units[i] = byKey[k]
	}
	return units
}

func (e *DispatchExecutor) enrich(ctx context.Context, job *model.DispatchRecord) {
	info, err := e.lookupSiteInfo(ctx, job.Site)
	if armadaerrors.IsNotFound(err) {
		log.Debugf("No site info for %s, using backend %s", job.Site, e.backends.Default())
		job.Plugin = e.backends.Default()
		return
	} else if err != nil {
		log.WithError(err).Warnf("Couldn't look up site info for %s, using backend %s", job.Site, e.backends.Default())
		job.Plugin = e.backends.Default()
		return
	}
	job.CEEndpoint = info.CEEndpoint
	job.StorageGroup = info.StorageGroup
	job.Plugin = e.backends.Resolve(info.BackendPlugin.OrElse(""))
}

func (e *DispatchExecutor) lookupSiteInfo(ctx context.Context, site string) (*model.SiteInfo, error) {
	if cached, ok := e.siteInfo.Get(site); ok {
		return cached.(*model.SiteInfo), nil
	}
	info, err := e.siteInfoSource.GetSiteInfo(ctx, site)
	if err != nil {
		return nil, err
	}
	e.siteInfo.SetDefault(site, info)
	return info, nil
}

func (e *DispatchExecutor) submitUnits(ctx context.Context, units []*dispatchUnit) []*unitResult {
	wg := &sync.WaitGroup{}
	unitsChannel := make(chan int)
	results := make([]*unitResult, len(units))

	for i := 0; i < e.workers; i++ {
		wg.Add(1)
		go e.submitWorker(ctx, wg, units, unitsChannel, results)
	}
	for i := range units {
		unitsChannel <- i
	}
	close(unitsChannel)
	wg.Wait()
	return results
}

func (e *DispatchExecutor) submitWorker(ctx context.Context, wg *sync.WaitGroup, units []*dispatchUnit, unitsChannel chan int, results []*unitResult) {
	defer wg.Done()

	for i := range unitsChannel {
		unit := units[i]
		if ctx.Err() != nil {
			results[i] = &unitResult{unit: unit}
			continue
		}
		// In-flight calls are not interrupted by cancellation of ctx, only by their own deadline.
		callCtx, cancel := context.WithTimeout(context.Background(), e.callTimeout)
		start := e.clock.Now()
		succeeded, failed, err := unit.backend.Submit(callCtx, unit.jobs)
		cancel()
		logger := log.WithFields(log.Fields{"backend": unit.backend.Name(), "package": unit.packageDir})
		if err != nil {
			logger.WithError(err).Errorf("Submitting %d jobs failed after %s", len(unit.jobs), e.clock.Since(start))
		} else {
			logger.Infof("Submitted %d jobs in %s: %d succeeded, %d failed", len(unit.jobs), e.clock.Since(start), len(succeeded), len(failed))
		}
		results[i] = &unitResult{
			unit:      unit,
			started:   true,
			succeeded: succeeded,
			failed:    failed,
			err:       err,
		}
	}
}

// recordCall tracks consecutive failed calls per backend and raises an alert each time the threshold is reached.
func (e *DispatchExecutor) recordCall(r *unitResult) {
	name := r.unit.backend.Name()
	if r.err == nil {
		e.consecutiveFailures[name] = 0
		e.metrics.ReportBackendCall(name, false, 0)
		return
	}
	e.consecutiveFailures[name]++
	failures := e.consecutiveFailures[name]
	e.metrics.ReportBackendCall(name, true, failures)
	if e.alertThreshold > 0 && failures%e.alertThreshold == 0 {
		err := e.alerter.Raise(&alert.Alert{
			Time:                e.clock.Now(),
			Backend:             name,
			ConsecutiveFailures: failures,
			Message:             r.err.Error(),
		})
		if err != nil {
			log.WithError(err).Error("Could not raise alert")
		}
	}
}

// ConsecutiveFailures returns the current run of failed calls to each backend, by backend name.
func (e *DispatchExecutor) ConsecutiveFailures() map[string]int {
	result := make(map[string]int, len(e.consecutiveFailures))
	for name, n := range e.consecutiveFailures {
		if n > 0 {
			result[name] = n
		}
	}
	return result
}

// Track asks the backends which of the given jobs they know about. Jobs whose backend could not be asked are
// returned as unknown.
func (e *DispatchExecutor) Track(jobs []*model.DispatchRecord) (found []*model.DispatchRecord, notFound []*model.DispatchRecord, unknown []*model.DispatchRecord) {
	byBackend := make(map[string][]*model.DispatchRecord)
	for _, job := range jobs {
		name := e.backends.Get(job.Plugin).Name()
		byBackend[name] = append(byBackend[name], job)
	}
	names := sortedKeys(byBackend)
	for _, name := range names {
		candidates := byBackend[name]
		ctx, cancel := context.WithTimeout(context.Background(), e.callTimeout)
		running, changed, completed, err := e.backends.Get(name).Track(ctx, candidates)
		cancel()
		if err != nil {
			log.WithError(err).Warnf("Could not track %d jobs with backend %s", len(candidates), name)
			unknown = append(unknown, candidates...)
			continue
		}
		known := make(map[int64]bool)
		for _, job := range append(append(append([]*model.DispatchRecord{}, running...), changed...), completed...) {
			known[job.ID()] = true
		}
		for _, job := range candidates {
			if known[job.ID()] {
				found = append(found, job)
			} else {
				notFound = append(notFound, job)
			}
		}
	}
	sortRecords(found)
	sortRecords(notFound)
	sortRecords(unknown)
	return found, notFound, unknown
}

func sortRecords(records []*model.DispatchRecord) {
	slices.SortFunc(records, func(a, b *model.DispatchRecord) bool {
		return a.ID() < b.ID()
	})
}
