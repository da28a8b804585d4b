package backend

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/armadaproject/jobsubmitter/internal/submitter/model"
)

// CliConfig configures a backend driven through a command line tool.
//
// The tool is invoked as `<Command> <Args...> <verb> [workflow]` where verb is one of submit, track, kill or
// killworkflow. Job lists are written to its stdin one job per line and results are read from its stdout:
//
//	submit:  stdin "<jobId>\t<site>\t<ceEndpoint>\t<packageDir>\t<sandbox>", stdout "<jobId> OK" or "<jobId> FAIL <message>"
//	track:   stdin "<jobId>", stdout "<jobId> RUNNING|CHANGED|COMPLETED"
//	kill:    stdin "<jobId>"
type CliConfig struct {
	Name    string `validate:"required"`
	Command string `validate:"required"`
	Args    []string
	// Maximum number of jobs handed to a single invocation.
	ChunkSize int `validate:"gte=0"`
	// Maximum invocations per second. Zero means unlimited.
	RateLimit float64 `validate:"gte=0"`
	Burst     int     `validate:"gte=0"`
}

// CliBackend submits jobs by running a command line tool in fixed size chunks.
type CliBackend struct {
	config  CliConfig
	limiter *rate.Limiter
}

func NewCliBackend(config CliConfig) *CliBackend {
	limit := rate.Inf
	if config.RateLimit > 0 {
		limit = rate.Limit(config.RateLimit)
	}
	burst := config.Burst
	if burst <= 0 {
		burst = 1
	}
	if config.ChunkSize <= 0 {
		config.ChunkSize = 100
	}
	return &CliBackend{
		config:  config,
		limiter: rate.NewLimiter(limit, burst),
	}
}

func (b *CliBackend) Name() string {
	return b.config.Name
}

func (b *CliBackend) Submit(ctx context.Context, jobs []*model.DispatchRecord) ([]*model.DispatchRecord, []*model.DispatchRecord, error) {
	var succeeded, failed []*model.DispatchRecord
	var result *multierror.Error
	for _, chunk := range chunks(jobs, b.config.ChunkSize) {
		var stdin bytes.Buffer
		byID := make(map[int64]*model.DispatchRecord, len(chunk))
		for _, job := range chunk {
			byID[job.ID()] = job
			fmt.Fprintf(&stdin, "%d\t%s\t%s\t%s\t%s\n", job.ID(), job.Site, job.CEEndpoint, job.PackageDir, job.Sandbox)
		}
		stdout, err := b.run(ctx, "submit", nil, &stdin)
		for _, line := range parseLines(stdout) {
			job, ok := byID[line.id]
			if !ok {
				log.Warnf("Backend %s reported unknown job %d", b.Name(), line.id)
				continue
			}
			delete(byID, line.id)
			switch line.status {
			case "OK":
				succeeded = append(succeeded, job)
			case "FAIL":
				job.ErrorMessage = line.message
				failed = append(failed, job)
			default:
				log.Warnf("Backend %s reported unknown status %q for job %d", b.Name(), line.status, line.id)
				byID[line.id] = job
			}
		}
		if err != nil {
			result = multierror.Append(result, err)
			if isTimeout(err) {
				break
			}
		}
	}
	return succeeded, failed, result.ErrorOrNil()
}

func (b *CliBackend) Track(ctx context.Context, jobs []*model.DispatchRecord) ([]*model.DispatchRecord, []*model.DispatchRecord, []*model.DispatchRecord, error) {
	var running, changed, completed []*model.DispatchRecord
	for _, chunk := range chunks(jobs, b.config.ChunkSize) {
		byID := make(map[int64]*model.DispatchRecord, len(chunk))
		stdin := idList(chunk, byID)
		stdout, err := b.run(ctx, "track", nil, stdin)
		if err != nil {
			return nil, nil, nil, err
		}
		for _, line := range parseLines(stdout) {
			job, ok := byID[line.id]
			if !ok {
				continue
			}
			switch line.status {
			case "RUNNING":
				running = append(running, job)
			case "CHANGED":
				changed = append(changed, job)
			case "COMPLETED":
				completed = append(completed, job)
			}
		}
	}
	return running, changed, completed, nil
}

func (b *CliBackend) Kill(ctx context.Context, jobs []*model.DispatchRecord) error {
	for _, chunk := range chunks(jobs, b.config.ChunkSize) {
		if _, err := b.run(ctx, "kill", nil, idList(chunk, nil)); err != nil {
			return err
		}
	}
	return nil
}

func (b *CliBackend) KillWorkflow(ctx context.Context, workflow string) error {
	_, err := b.run(ctx, "killworkflow", []string{workflow}, &bytes.Buffer{})
	return err
}

func (b *CliBackend) Close() error {
	return nil
}

func (b *CliBackend) run(ctx context.Context, verb string, extraArgs []string, stdin *bytes.Buffer) ([]byte, error) {
	if err := b.limiter.Wait(ctx); err != nil {
		return nil, b.wrapError(ctx, verb, err)
	}
	args := append(append(append([]string{}, b.config.Args...), verb), extraArgs...)
	cmd := exec.CommandContext(ctx, b.config.Command, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdin = stdin
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	start := time.Now()
	err := cmd.Run()
	log.Debugf("Backend %s %s completed in %s", b.Name(), verb, time.Since(start))
	if err != nil {
		if stderr.Len() > 0 {
			err = errors.Errorf("%v: %s", err, strings.TrimSpace(stderr.String()))
		}
		return stdout.Bytes(), b.wrapError(ctx, verb, err)
	}
	return stdout.Bytes(), nil
}

func (b *CliBackend) wrapError(ctx context.Context, verb string, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return errors.WithStack(&ErrBackendTimeout{Backend: b.Name(), Operation: verb})
	}
	return errors.WithStack(&ErrBackendUnrecognized{Backend: b.Name(), Cause: err})
}

type resultLine struct {
	id      int64
	status  string
	message string
}

func parseLines(output []byte) []resultLine {
	var lines []resultLine
	scanner := bufio.NewScanner(bytes.NewReader(output))
	for scanner.Scan() {
		fields := strings.SplitN(strings.TrimSpace(scanner.Text()), " ", 3)
		if len(fields) < 2 {
			continue
		}
		id, err := strconv.ParseInt(fields[0], 10, 64)
		if err != nil {
			continue
		}
		line := resultLine{id: id, status: strings.ToUpper(fields[1])}
		if len(fields) == 3 {
			line.message = fields[2]
		}
		lines = append(lines, line)
	}
	return lines
}

func idList(jobs []*model.DispatchRecord, byID map[int64]*model.DispatchRecord) *bytes.Buffer {
	var buf bytes.Buffer
	for _, job := range jobs {
		if byID != nil {
			byID[job.ID()] = job
		}
		fmt.Fprintf(&buf, "%d\n", job.ID())
	}
	return &buf
}

func chunks[T any](items []T, size int) [][]T {
	var result [][]T
	for size < len(items) {
		items, result = items[size:], append(result, items[:size])
	}
	if len(items) > 0 {
		result = append(result, items)
	}
	return result
}

func isTimeout(err error) bool {
	var timeout *ErrBackendTimeout
	return errors.As(err, &timeout)
}
