package packaging

import (
	"path"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/armadaproject/jobsubmitter/internal/submitter/model"
)

// DescriptionFileName is the name of the job description blob inside a job's cache directory.
const DescriptionFileName = "job.msgpack"

// DescriptionLoader reads persisted job descriptions.
type DescriptionLoader struct {
	fs afero.Fs
}

func NewDescriptionLoader(fs afero.Fs) *DescriptionLoader {
	return &DescriptionLoader{fs: fs}
}

func DescriptionPath(cacheDir string) string {
	return path.Join(cacheDir, DescriptionFileName)
}

// Load reads and decodes the description stored in cacheDir.
func (l *DescriptionLoader) Load(cacheDir string) (*model.JobDescription, error) {
	data, err := afero.ReadFile(l.fs, DescriptionPath(cacheDir))
	if err != nil {
		return nil, errors.WithStack(err)
	}
	description := &model.JobDescription{}
	if err := msgpack.Unmarshal(data, description); err != nil {
		return nil, errors.WithStack(err)
	}
	return description, nil
}

// Store encodes and writes a description into cacheDir, creating the directory if needed.
func (l *DescriptionLoader) Store(cacheDir string, description *model.JobDescription) error {
	data, err := msgpack.Marshal(description)
	if err != nil {
		return errors.WithStack(err)
	}
	if err := l.fs.MkdirAll(cacheDir, 0o755); err != nil {
		return errors.WithStack(err)
	}
	return errors.WithStack(afero.WriteFile(l.fs, DescriptionPath(cacheDir), data, 0o644))
}
