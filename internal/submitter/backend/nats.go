package backend

import (
	"context"

	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/armadaproject/jobsubmitter/internal/submitter/model"
)

type NatsConfig struct {
	Name string `validate:"required"`
	// Requests are sent to <SubjectPrefix>.submit, .track, .kill and .killworkflow.
	SubjectPrefix string `validate:"required"`
}

// Job is the wire form of a job handed to a remote gateway.
type Job struct {
	ID         int64  `msgpack:"id"`
	Workflow   string `msgpack:"workflow"`
	Site       string `msgpack:"site"`
	CEEndpoint string `msgpack:"ceEndpoint"`
	PackageDir string `msgpack:"packageDir"`
	Sandbox    string `msgpack:"sandbox"`
}

type SubmitRequest struct {
	Jobs []Job `msgpack:"jobs"`
}

type SubmitReply struct {
	Succeeded []int64 `msgpack:"succeeded"`
	// Job id -> failure message.
	Failed map[int64]string `msgpack:"failed"`
	// Set when the gateway could not process the request as a whole.
	Error string `msgpack:"error"`
}

type TrackRequest struct {
	JobIDs []int64 `msgpack:"jobIds"`
}

type TrackReply struct {
	Running   []int64 `msgpack:"running"`
	Changed   []int64 `msgpack:"changed"`
	Completed []int64 `msgpack:"completed"`
	Error     string  `msgpack:"error"`
}

type KillRequest struct {
	JobIDs   []int64 `msgpack:"jobIds"`
	Workflow string  `msgpack:"workflow"`
}

type AckReply struct {
	Error string `msgpack:"error"`
}

// NatsBackend dispatches jobs to a remote gateway over NATS request/reply.
type NatsBackend struct {
	config NatsConfig
	conn   *nats.Conn
}

func NewNatsBackend(config NatsConfig, conn *nats.Conn) *NatsBackend {
	return &NatsBackend{
		config: config,
		conn:   conn,
	}
}

func (b *NatsBackend) Name() string {
	return b.config.Name
}

func (b *NatsBackend) Submit(ctx context.Context, jobs []*model.DispatchRecord) ([]*model.DispatchRecord, []*model.DispatchRecord, error) {
	byID := make(map[int64]*model.DispatchRecord, len(jobs))
	request := SubmitRequest{Jobs: make([]Job, len(jobs))}
	for i, job := range jobs {
		byID[job.ID()] = job
		request.Jobs[i] = Job{
			ID:         job.ID(),
			Workflow:   job.Job.Workflow,
			Site:       job.Site,
			CEEndpoint: job.CEEndpoint,
			PackageDir: job.PackageDir,
			Sandbox:    job.Sandbox,
		}
	}
	reply := SubmitReply{}
	if err := b.request(ctx, "submit", &request, &reply); err != nil {
		return nil, nil, err
	}

	var succeeded, failed []*model.DispatchRecord
	for _, id := range reply.Succeeded {
		if job, ok := byID[id]; ok {
			succeeded = append(succeeded, job)
			delete(byID, id)
		}
	}
	for id, message := range reply.Failed {
		if job, ok := byID[id]; ok {
			job.ErrorMessage = message
			failed = append(failed, job)
			delete(byID, id)
		}
	}
	if reply.Error != "" {
		return succeeded, failed, errors.WithStack(&ErrBackendUnrecognized{Backend: b.Name(), Cause: errors.New(reply.Error)})
	}
	return succeeded, failed, nil
}

func (b *NatsBackend) Track(ctx context.Context, jobs []*model.DispatchRecord) ([]*model.DispatchRecord, []*model.DispatchRecord, []*model.DispatchRecord, error) {
	byID := make(map[int64]*model.DispatchRecord, len(jobs))
	request := TrackRequest{JobIDs: make([]int64, len(jobs))}
	for i, job := range jobs {
		byID[job.ID()] = job
		request.JobIDs[i] = job.ID()
	}
	reply := TrackReply{}
	if err := b.request(ctx, "track", &request, &reply); err != nil {
		return nil, nil, nil, err
	}
	if reply.Error != "" {
		return nil, nil, nil, errors.WithStack(&ErrBackendUnrecognized{Backend: b.Name(), Cause: errors.New(reply.Error)})
	}
	lookup := func(ids []int64) []*model.DispatchRecord {
		var result []*model.DispatchRecord
		for _, id := range ids {
			if job, ok := byID[id]; ok {
				result = append(result, job)
			}
		}
		return result
	}
	return lookup(reply.Running), lookup(reply.Changed), lookup(reply.Completed), nil
}

func (b *NatsBackend) Kill(ctx context.Context, jobs []*model.DispatchRecord) error {
	request := KillRequest{JobIDs: make([]int64, len(jobs))}
	for i, job := range jobs {
		request.JobIDs[i] = job.ID()
	}
	return b.ack(ctx, "kill", &request)
}

func (b *NatsBackend) KillWorkflow(ctx context.Context, workflow string) error {
	return b.ack(ctx, "killworkflow", &KillRequest{Workflow: workflow})
}

func (b *NatsBackend) Close() error {
	return nil
}

func (b *NatsBackend) ack(ctx context.Context, verb string, request interface{}) error {
	reply := AckReply{}
	if err := b.request(ctx, verb, request, &reply); err != nil {
		return err
	}
	if reply.Error != "" {
		return errors.WithStack(&ErrBackendUnrecognized{Backend: b.Name(), Cause: errors.New(reply.Error)})
	}
	return nil
}

func (b *NatsBackend) request(ctx context.Context, verb string, request interface{}, reply interface{}) error {
	data, err := msgpack.Marshal(request)
	if err != nil {
		return errors.WithStack(err)
	}
	subject := b.config.SubjectPrefix + "." + verb
	msg, err := b.conn.RequestWithContext(ctx, subject, data)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, nats.ErrTimeout) {
			return errors.WithStack(&ErrBackendTimeout{Backend: b.Name(), Operation: verb})
		}
		return errors.WithStack(&ErrBackendUnrecognized{Backend: b.Name(), Cause: err})
	}
	if err := msgpack.Unmarshal(msg.Data, reply); err != nil {
		log.WithError(err).Warnf("Backend %s sent an unreadable %s reply", b.Name(), verb)
		return errors.WithStack(&ErrBackendUnrecognized{Backend: b.Name(), Cause: err})
	}
	return nil
}
