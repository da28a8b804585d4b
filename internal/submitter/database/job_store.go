package database

import (
	"context"
	"time"

	"github.com/avast/retry-go"
	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/armadaproject/jobsubmitter/internal/common/armadaerrors"
	"github.com/armadaproject/jobsubmitter/internal/common/database"
	"github.com/armadaproject/jobsubmitter/internal/submitter/model"
)

var dialect = goqu.Dialect("postgres")

// SubmitFailure is an error report recorded against a job that could not be submitted.
type SubmitFailure struct {
	JobID     int64  `db:"job_id"`
	ErrorCode int    `db:"error_code"`
	Message   string `db:"message"`
}

// JobStore is the job store as seen by the submitter. Reads need no transaction; every mutation of a cycle goes
// through a single RunInTx call.
type JobStore interface {
	// ListPendingJobsForSubmission returns every job in the created state, ordered by id.
	ListPendingJobsForSubmission(ctx context.Context) ([]*model.JobRecord, error)
	// ListWorkflowsForSubmission returns every workflow with at least one job in the created state.
	ListWorkflowsForSubmission(ctx context.Context) ([]*model.WorkflowInfo, error)
	// GetSiteInfo returns the dispatch information of a site, or armadaerrors.ErrNotFound.
	GetSiteInfo(ctx context.Context, site string) (*model.SiteInfo, error)
	// RunInTx runs action in a transaction that is committed only if action returns nil.
	RunInTx(ctx context.Context, action func(tx JobStoreTx) error) error
}

// JobStoreTx is the set of mutations available within a job store transaction.
type JobStoreTx interface {
	SetJobLocation(ctx context.Context, locations []model.JobLocation) error
	RecordStateTransition(ctx context.Context, jobIDs []int64, from model.JobState, to model.JobState) error
	SetFrameworkJobReportPath(ctx context.Context, paths []model.JobReportPath) error
	ReportSubmitFailure(ctx context.Context, failures []SubmitFailure) error
}

// PostgresJobStore is an implementation of JobStore backed by postgres.
type PostgresJobStore struct {
	db *pgxpool.Pool
	// number of attempts made at a transaction that fails with a serialization failure or deadlock
	txAttempts uint
}

func NewPostgresJobStore(db *pgxpool.Pool, txAttempts uint) *PostgresJobStore {
	if txAttempts == 0 {
		txAttempts = 1
	}
	return &PostgresJobStore{
		db:         db,
		txAttempts: txAttempts,
	}
}

func (s *PostgresJobStore) ListPendingJobsForSubmission(ctx context.Context) ([]*model.JobRecord, error) {
	sql, args, err := pendingJobsQuery()
	if err != nil {
		return nil, errors.WithStack(err)
	}
	rows, err := s.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer rows.Close()

	var jobs []*model.JobRecord
	for rows.Next() {
		job := &model.JobRecord{}
		var taskType string
		err := rows.Scan(
			&job.ID,
			&job.RetryCount,
			&job.Workflow,
			&job.Task,
			&taskType,
			&job.TaskPriority,
			&job.WorkflowTimestamp,
			&job.CacheDir,
			&job.Sandbox,
			&job.PackageRoot,
		)
		if err != nil {
			return nil, errors.WithStack(err)
		}
		job.TaskType = model.TaskType(taskType)
		jobs = append(jobs, job)
	}
	return jobs, errors.WithStack(rows.Err())
}

func (s *PostgresJobStore) ListWorkflowsForSubmission(ctx context.Context) ([]*model.WorkflowInfo, error) {
	sql, args, err := workflowsQuery()
	if err != nil {
		return nil, errors.WithStack(err)
	}
	rows, err := s.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer rows.Close()

	var workflows []*model.WorkflowInfo
	for rows.Next() {
		w := &model.WorkflowInfo{}
		if err := rows.Scan(&w.Name, &w.Priority, &w.Timestamp); err != nil {
			return nil, errors.WithStack(err)
		}
		workflows = append(workflows, w)
	}
	return workflows, errors.WithStack(rows.Err())
}

func (s *PostgresJobStore) GetSiteInfo(ctx context.Context, site string) (*model.SiteInfo, error) {
	sql, args, err := dialect.From("site_info").
		Select("name", "ce_endpoint", "backend_plugin", "storage_group").
		Where(goqu.C("name").Eq(site)).
		Prepared(true).
		ToSQL()
	if err != nil {
		return nil, errors.WithStack(err)
	}
	info := &model.SiteInfo{}
	var plugin *string
	err = s.db.QueryRow(ctx, sql, args...).Scan(&info.Name, &info.CEEndpoint, &plugin, &info.StorageGroup)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errors.WithStack(&armadaerrors.ErrNotFound{Type: "site_info", Value: site})
	}
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if plugin != nil {
		info.BackendPlugin = model.Some(*plugin)
	}
	return info, nil
}

// StoreSiteInfo inserts or replaces the dispatch information of a site.
func (s *PostgresJobStore) StoreSiteInfo(ctx context.Context, info *model.SiteInfo) error {
	var plugin interface{}
	if p, ok := info.BackendPlugin.Get(); ok {
		plugin = p
	}
	sql, args, err := dialect.Insert("site_info").
		Rows(goqu.Record{
			"name":           info.Name,
			"ce_endpoint":    info.CEEndpoint,
			"backend_plugin": plugin,
			"storage_group":  info.StorageGroup,
		}).
		OnConflict(goqu.DoUpdate("name", goqu.Record{
			"ce_endpoint":    goqu.I("excluded.ce_endpoint"),
			"backend_plugin": goqu.I("excluded.backend_plugin"),
			"storage_group":  goqu.I("excluded.storage_group"),
		})).
		Prepared(true).
		ToSQL()
	if err != nil {
		return errors.WithStack(err)
	}
	_, err = s.db.Exec(ctx, sql, args...)
	return errors.WithStack(err)
}

func (s *PostgresJobStore) RunInTx(ctx context.Context, action func(tx JobStoreTx) error) error {
	return retry.Do(
		func() error {
			return s.db.BeginTxFunc(ctx, pgx.TxOptions{
				IsoLevel:   pgx.ReadCommitted,
				AccessMode: pgx.ReadWrite,
			}, func(tx pgx.Tx) error {
				return action(&postgresTx{tx: tx})
			})
		},
		retry.Attempts(s.txAttempts),
		retry.RetryIf(database.IsRetryable),
		retry.Delay(100*time.Millisecond),
		retry.Context(ctx),
		retry.LastErrorOnly(true),
	)
}

type postgresTx struct {
	tx pgx.Tx
}

func (t *postgresTx) SetJobLocation(ctx context.Context, locations []model.JobLocation) error {
	idsBySite := make(map[string][]int64)
	for _, l := range locations {
		idsBySite[l.Site] = append(idsBySite[l.Site], l.JobID)
	}
	sites := maps.Keys(idsBySite)
	slices.Sort(sites)
	for _, site := range sites {
		sql, args, err := dialect.Update("job").
			Set(goqu.Record{"location": site}).
			Where(goqu.C("id").In(idsBySite[site])).
			Prepared(true).
			ToSQL()
		if err != nil {
			return errors.WithStack(err)
		}
		if _, err := t.tx.Exec(ctx, sql, args...); err != nil {
			return errors.Wrapf(err, "setting location of %d jobs to %s", len(idsBySite[site]), site)
		}
	}
	return nil
}

func (t *postgresTx) RecordStateTransition(ctx context.Context, jobIDs []int64, from model.JobState, to model.JobState) error {
	if len(jobIDs) == 0 {
		return nil
	}
	sql, args, err := stateTransitionQuery(jobIDs, from, to)
	if err != nil {
		return errors.WithStack(err)
	}
	tag, err := t.tx.Exec(ctx, sql, args...)
	if err != nil {
		return errors.Wrapf(err, "moving %d jobs from %s to %s", len(jobIDs), from, to)
	}
	if int(tag.RowsAffected()) != len(jobIDs) {
		log.Warnf("Moved %d of %d jobs from %s to %s; the rest were no longer %s", tag.RowsAffected(), len(jobIDs), from, to, from)
	}
	return nil
}

func (t *postgresTx) SetFrameworkJobReportPath(ctx context.Context, paths []model.JobReportPath) error {
	batch := &pgx.Batch{}
	for _, p := range paths {
		sql, args, err := dialect.Update("job").
			Set(goqu.Record{"fwjr_path": p.Path}).
			Where(goqu.C("id").Eq(p.JobID)).
			Prepared(true).
			ToSQL()
		if err != nil {
			return errors.WithStack(err)
		}
		batch.Queue(sql, args...)
	}
	if batch.Len() == 0 {
		return nil
	}
	results := t.tx.SendBatch(ctx, batch)
	for i := 0; i < batch.Len(); i++ {
		if _, err := results.Exec(); err != nil {
			_ = results.Close()
			return errors.Wrapf(err, "setting framework job report path of job %d", paths[i].JobID)
		}
	}
	return errors.WithStack(results.Close())
}

func (t *postgresTx) ReportSubmitFailure(ctx context.Context, failures []SubmitFailure) error {
	if len(failures) == 0 {
		return nil
	}
	sql, args, err := dialect.Insert("submit_failure").Rows(failures).Prepared(true).ToSQL()
	if err != nil {
		return errors.WithStack(err)
	}
	if _, err := t.tx.Exec(ctx, sql, args...); err != nil {
		return errors.Wrapf(err, "recording %d submit failures", len(failures))
	}
	return nil
}

func pendingJobsQuery() (string, []interface{}, error) {
	return dialect.From("job").
		Join(goqu.T("workflow"), goqu.On(goqu.I("job.workflow").Eq(goqu.I("workflow.name")))).
		Select(
			"job.id",
			"job.retry_count",
			"job.workflow",
			"job.task",
			"job.task_type",
			"job.task_priority",
			"workflow.timestamp",
			"job.cache_dir",
			"job.sandbox",
			"workflow.package_root",
		).
		Where(goqu.I("job.state").Eq(string(model.JobStateCreated))).
		Order(goqu.I("job.id").Asc()).
		Prepared(true).
		ToSQL()
}

func workflowsQuery() (string, []interface{}, error) {
	pending := dialect.From("job").
		Select("workflow").
		Where(goqu.C("state").Eq(string(model.JobStateCreated)))
	return dialect.From("workflow").
		Select("name", "priority", "timestamp").
		Where(goqu.C("name").In(pending)).
		Order(goqu.C("priority").Desc(), goqu.C("timestamp").Asc(), goqu.C("name").Asc()).
		Prepared(true).
		ToSQL()
}

func stateTransitionQuery(jobIDs []int64, from model.JobState, to model.JobState) (string, []interface{}, error) {
	return dialect.Update("job").
		Set(goqu.Record{"state": string(to), "state_time": goqu.L("now()")}).
		Where(goqu.C("id").In(jobIDs), goqu.C("state").Eq(string(from))).
		Prepared(true).
		ToSQL()
}
