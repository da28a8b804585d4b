package backend

import (
	"context"
	"fmt"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/armadaproject/jobsubmitter/internal/common/armadaerrors"
	"github.com/armadaproject/jobsubmitter/internal/submitter/model"
)

// Backend is an external batch system that jobs are dispatched to.
type Backend interface {
	// Name is the plugin name site info refers to this backend by.
	Name() string
	// Submit dispatches jobs and partitions them by the backend's per-job result. Failed jobs carry an error message.
	// When err is non-nil, jobs in neither partition are in an unknown state.
	Submit(ctx context.Context, jobs []*model.DispatchRecord) (succeeded []*model.DispatchRecord, failed []*model.DispatchRecord, err error)
	// Track reports which of the given jobs the backend knows about.
	Track(ctx context.Context, jobs []*model.DispatchRecord) (running []*model.DispatchRecord, changed []*model.DispatchRecord, completed []*model.DispatchRecord, err error)
	Kill(ctx context.Context, jobs []*model.DispatchRecord) error
	KillWorkflow(ctx context.Context, workflow string) error
	Close() error
}

// ErrBackendTimeout is returned when a backend call did not complete within its deadline.
type ErrBackendTimeout struct {
	Backend   string
	Operation string
}

func (err *ErrBackendTimeout) Error() string {
	return fmt.Sprintf("%s call to backend %s timed out", err.Operation, err.Backend)
}

// ErrBackendUnrecognized is returned when a backend call failed in a way that says nothing about individual jobs.
type ErrBackendUnrecognized struct {
	Backend string
	Cause   error
}

func (err *ErrBackendUnrecognized) Error() string {
	return fmt.Sprintf("backend %s failed: %v", err.Backend, err.Cause)
}

func (err *ErrBackendUnrecognized) Unwrap() error {
	return err.Cause
}

// Set holds the configured backends by plugin name.
type Set struct {
	backends       map[string]Backend
	defaultBackend string
}

func NewSet(defaultBackend string, backends ...Backend) (*Set, error) {
	s := &Set{
		backends:       make(map[string]Backend, len(backends)),
		defaultBackend: defaultBackend,
	}
	for _, b := range backends {
		if _, ok := s.backends[b.Name()]; ok {
			return nil, errors.Errorf("backend %s configured more than once", b.Name())
		}
		s.backends[b.Name()] = b
	}
	if _, ok := s.backends[defaultBackend]; !ok {
		return nil, errors.WithStack(&armadaerrors.ErrNotFound{
			Type:    "backend",
			Value:   defaultBackend,
			Message: "the default backend must be one of the configured backends",
		})
	}
	return s, nil
}

// Default returns the name of the backend used when site info names no plugin.
func (s *Set) Default() string {
	return s.defaultBackend
}

// Get returns the backend with the given name, or the default backend if there is none.
func (s *Set) Get(name string) Backend {
	if b, ok := s.backends[name]; ok {
		return b
	}
	return s.backends[s.defaultBackend]
}

// Resolve maps a plugin name from site info to the name of a configured backend.
func (s *Set) Resolve(plugin string) string {
	if _, ok := s.backends[plugin]; ok {
		return plugin
	}
	return s.defaultBackend
}

// All returns every backend ordered by name.
func (s *Set) All() []Backend {
	names := maps.Keys(s.backends)
	slices.Sort(names)
	result := make([]Backend, len(names))
	for i, name := range names {
		result[i] = s.backends[name]
	}
	return result
}

func (s *Set) Close() error {
	var result *multierror.Error
	for _, b := range s.All() {
		if err := b.Close(); err != nil {
			result = multierror.Append(result, errors.WithMessagef(err, "closing backend %s", b.Name()))
		}
	}
	return result.ErrorOrNil()
}
