package packaging

import (
	"fmt"
	"path"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"github.com/vmihailenco/msgpack/v5"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/armadaproject/jobsubmitter/internal/common/compress"
	"github.com/armadaproject/jobsubmitter/internal/submitter/model"
)

// PackageFileName is the name of the job package file inside a batch directory.
const PackageFileName = "job_package.msgpack"

// Package is the on-disk form of a batch of jobs of one workflow dispatched together.
type Package struct {
	BatchID  string        `msgpack:"batchId"`
	Workflow string        `msgpack:"workflow"`
	Jobs     []PackagedJob `msgpack:"jobs"`
}

type PackagedJob struct {
	ID          int64                `msgpack:"id"`
	RetryCount  int                  `msgpack:"retryCount"`
	Task        string               `msgpack:"task"`
	TaskType    model.TaskType       `msgpack:"taskType"`
	Sandbox     string               `msgpack:"sandbox"`
	CacheDir    string               `msgpack:"cacheDir"`
	Description model.JobDescription `msgpack:"description"`
}

type openPackage struct {
	dir string
	pkg *Package
}

// Writer assigns newly cached jobs to job packages and writes each package once.
// A workflow has at most one open package at a time; it is written when it reaches the package size or on Flush.
// Writer is not safe for concurrent use.
type Writer struct {
	fs         afero.Fs
	size       int
	compressor compress.Compressor
	open       map[string]*openPackage
	newBatchID func() string
	written    int
}

func NewWriter(fs afero.Fs, size int, compressor compress.Compressor) *Writer {
	if size <= 0 {
		size = 1
	}
	return &Writer{
		fs:         fs,
		size:       size,
		compressor: compressor,
		open:       make(map[string]*openPackage),
		newBatchID: uuid.NewString,
	}
}

// Add appends the job to its workflow's open package and returns the package directory.
// The package is written if this job fills it.
func (w *Writer) Add(job *model.Job) (string, error) {
	current, ok := w.open[job.Workflow]
	if !ok {
		batchID := w.newBatchID()
		current = &openPackage{
			dir: path.Join(job.PackageRoot, fmt.Sprintf("batch_%s", batchID)),
			pkg: &Package{BatchID: batchID, Workflow: job.Workflow},
		}
		w.open[job.Workflow] = current
	}
	current.pkg.Jobs = append(current.pkg.Jobs, PackagedJob{
		ID:          job.ID,
		RetryCount:  job.RetryCount,
		Task:        job.Task,
		TaskType:    job.TaskType,
		Sandbox:     job.Sandbox,
		CacheDir:    job.CacheDir,
		Description: job.Description,
	})
	if len(current.pkg.Jobs) >= w.size {
		delete(w.open, job.Workflow)
		if err := w.write(current); err != nil {
			return "", err
		}
	}
	return current.dir, nil
}

// Flush writes every open package.
func (w *Writer) Flush() error {
	workflows := maps.Keys(w.open)
	slices.Sort(workflows)
	for _, workflow := range workflows {
		if err := w.write(w.open[workflow]); err != nil {
			return err
		}
		delete(w.open, workflow)
	}
	return nil
}

// Written returns the number of packages written so far.
func (w *Writer) Written() int {
	return w.written
}

func (w *Writer) write(p *openPackage) error {
	data, err := msgpack.Marshal(p.pkg)
	if err != nil {
		return errors.WithStack(err)
	}
	compressed, err := w.compressor.Compress(data)
	if err != nil {
		return err
	}
	if err := w.fs.MkdirAll(p.dir, 0o755); err != nil {
		return errors.WithStack(err)
	}
	file := path.Join(p.dir, PackageFileName)
	if exists, err := afero.Exists(w.fs, file); err != nil {
		return errors.WithStack(err)
	} else if exists {
		return errors.Errorf("job package %s already exists", file)
	}
	if err := afero.WriteFile(w.fs, file, compressed, 0o444); err != nil {
		return errors.WithStack(err)
	}
	w.written++
	log.Debugf("Wrote job package %s with %d jobs for workflow %s", file, len(p.pkg.Jobs), p.pkg.Workflow)
	return nil
}

// ReadPackage reads back a package written by Writer.
func ReadPackage(fs afero.Fs, dir string, decompressor compress.Decompressor) (*Package, error) {
	compressed, err := afero.ReadFile(fs, path.Join(dir, PackageFileName))
	if err != nil {
		return nil, errors.WithStack(err)
	}
	data, err := decompressor.Decompress(compressed)
	if err != nil {
		return nil, err
	}
	pkg := &Package{}
	if err := msgpack.Unmarshal(data, pkg); err != nil {
		return nil, errors.WithStack(err)
	}
	return pkg, nil
}
