package submitter

import (
	"context"
	"math/rand"
	"net/http"
	"time"

	"github.com/go-redis/redis"
	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"
	"k8s.io/utils/clock"

	"github.com/armadaproject/jobsubmitter/internal/common"
	"github.com/armadaproject/jobsubmitter/internal/common/app"
	"github.com/armadaproject/jobsubmitter/internal/common/compress"
	dbcommon "github.com/armadaproject/jobsubmitter/internal/common/database"
	"github.com/armadaproject/jobsubmitter/internal/common/health"
	"github.com/armadaproject/jobsubmitter/internal/submitter/alert"
	"github.com/armadaproject/jobsubmitter/internal/submitter/backend"
	"github.com/armadaproject/jobsubmitter/internal/submitter/configuration"
	"github.com/armadaproject/jobsubmitter/internal/submitter/database"
	"github.com/armadaproject/jobsubmitter/internal/submitter/metrics"
	"github.com/armadaproject/jobsubmitter/internal/submitter/model"
	"github.com/armadaproject/jobsubmitter/internal/submitter/registry"
)

// Only packages at least this large are compressed.
const minCompressSize = 1024

// Run sets up a job submitter and runs submission cycles until a SIGTERM is received.
func Run(config configuration.Configuration) error {
	g, ctx := errgroup.WithContext(app.CreateContextWithShutdown())

	//////////////////////////////////////////////////////////////////////////
	// Health Checks
	//////////////////////////////////////////////////////////////////////////
	mux := http.NewServeMux()

	startupCompleteCheck := health.NewStartupCompleteChecker()
	healthChecks := health.NewMultiChecker(startupCompleteCheck)
	health.SetupHttpMux(mux, healthChecks)
	shutdownHttpServer := common.ServeHttp(config.HttpPort, mux)
	defer shutdownHttpServer()

	submitter, cleanup, err := NewSubmitter(ctx, config)
	if err != nil {
		return err
	}
	defer cleanup()
	healthChecks.Add(submitter)

	//////////////////////////////////////////////////////////////////////////
	// Metrics
	//////////////////////////////////////////////////////////////////////////
	prometheus.MustRegister(submitter.metrics)
	shutdownMetricServer := common.ServeMetrics(config.MetricsPort)
	defer shutdownMetricServer()

	g.Go(func() error { return submitter.Run(ctx) })

	// Mark startup as complete, will allow the health check to return healthy
	startupCompleteCheck.MarkComplete()

	return g.Wait()
}

// RunOnce sets up a job submitter and runs a single submission cycle.
func RunOnce(ctx context.Context, config configuration.Configuration) (*CycleResult, error) {
	submitter, cleanup, err := NewSubmitter(ctx, config)
	if err != nil {
		return nil, err
	}
	defer cleanup()
	return submitter.RunCycle(ctx)
}

// NewSubmitter creates a SchedulingCycle and every collaborator it needs from config. The returned function
// releases the connections opened here.
func NewSubmitter(ctx context.Context, config configuration.Configuration) (*SchedulingCycle, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(err error) (*SchedulingCycle, func(), error) {
		cleanup()
		return nil, nil, err
	}

	//////////////////////////////////////////////////////////////////////////
	// Database setup (postgres and redis)
	//////////////////////////////////////////////////////////////////////////
	log.Infof("Setting up database connections")
	db, err := dbcommon.OpenPgxPool(ctx, config.Postgres)
	if err != nil {
		return fail(errors.WithMessage(err, "Error opening connection to postgres"))
	}
	closers = append(closers, db.Close)
	jobStore := database.NewPostgresJobStore(db, config.StoreTransactionAttempts)

	siteRegistry, closeRegistry, err := createRegistry(config)
	if err != nil {
		return fail(err)
	}
	closers = append(closers, closeRegistry)

	//////////////////////////////////////////////////////////////////////////
	// NATS
	//////////////////////////////////////////////////////////////////////////
	var natsConn *nats.Conn
	if config.UsesNats() {
		if config.Nats.Url == "" {
			return fail(errors.New("a nats url is required when nats backends or alerts are configured"))
		}
		log.Infof("Connecting to nats at %s", config.Nats.Url)
		natsConn, err = nats.Connect(config.Nats.Url, nats.Name("jobsubmitter"))
		if err != nil {
			return fail(errors.WithMessage(err, "Error connecting to nats"))
		}
		closers = append(closers, natsConn.Close)
	}

	//////////////////////////////////////////////////////////////////////////
	// Backends
	//////////////////////////////////////////////////////////////////////////
	var backends []backend.Backend
	for _, c := range config.Backend.Cli {
		log.Infof("Configuring command line backend %s using %s", c.Name, c.Command)
		backends = append(backends, backend.NewCliBackend(c))
	}
	for _, c := range config.Backend.Nats {
		log.Infof("Configuring nats backend %s on %s", c.Name, c.SubjectPrefix)
		backends = append(backends, backend.NewNatsBackend(c, natsConn))
	}
	backendSet, err := backend.NewSet(config.Backend.Default, backends...)
	if err != nil {
		return fail(errors.WithMessage(err, "Error configuring backends"))
	}
	closers = append(closers, func() {
		if err := backendSet.Close(); err != nil {
			log.WithError(err).Warn("Backends didn't close down cleanly")
		}
	})

	var alerter alert.Alerter = alert.LogAlerter{}
	if config.Alerts.Subject != "" {
		alerter = alert.NewNatsAlerter(natsConn, config.Alerts.Subject)
	}

	//////////////////////////////////////////////////////////////////////////
	// Submission
	//////////////////////////////////////////////////////////////////////////
	log.Infof("Setting up submission cycle")
	compressor, err := compress.NewZlibCompressor(minCompressSize)
	if err != nil {
		return fail(errors.WithMessage(err, "Error creating compressor"))
	}
	state, err := NewSchedulerState(config.PlacementFailureCacheSize)
	if err != nil {
		return fail(errors.WithMessage(err, "Error creating scheduler state"))
	}
	drainExempt := config.DrainExemptTaskTypes
	if len(drainExempt) == 0 {
		drainExempt = model.DefaultDrainExemptTaskTypes
	}
	realClock := clock.RealClock{}
	submitterMetrics := metrics.New()
	executor := NewDispatchExecutor(
		jobStore,
		config.SiteInfoCacheTTL,
		backendSet,
		config.SubmissionWorkers,
		config.BackendCallTimeout,
		config.ConsecutiveFailureAlertThreshold,
		alerter,
		submitterMetrics,
		realClock,
	)
	cycle := NewSchedulingCycle(
		CycleConfig{
			CyclePeriod:     config.CyclePeriod,
			MaxJobsPerCycle: config.MaxJobsPerCycle,
			PackageSize:     config.PackageSize,
		},
		jobStore,
		NewSiteCapacityModel(siteRegistry, config.Registry.RetryAttempts, config.Registry.RetryDelay),
		NewPlacementResolver(drainExempt, config.StrictDrain),
		NewDispatchSelector(RandomSiteChooser(rand.New(rand.NewSource(time.Now().UnixNano())))),
		executor,
		backendSet,
		afero.NewOsFs(),
		compressor,
		state,
		submitterMetrics,
		realClock,
	)
	return cycle, cleanup, nil
}

func createRegistry(config configuration.Configuration) (registry.Registry, func(), error) {
	switch config.Registry.Mode {
	case configuration.StaticRegistry:
		log.Infof("Using %d statically configured sites", len(config.Registry.Sites))
		return registry.NewStaticRegistry(config.Registry.Sites), func() {}, nil
	case configuration.RedisRegistry:
		log.Infof("Reading sites from redis")
		redisClient := redis.NewUniversalClient(config.Redis.AsUniversalOptions())
		closeClient := func() {
			if err := redisClient.Close(); err != nil {
				log.WithError(errors.WithStack(err)).Warnf("Redis client didn't close down cleanly")
			}
		}
		return registry.NewRedisRegistry(redisClient, config.Registry.RedisKey), closeClient, nil
	default:
		return nil, nil, errors.Errorf("%s is not a valid registry mode", config.Registry.Mode)
	}
}
