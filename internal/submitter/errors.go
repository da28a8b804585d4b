package submitter

import (
	"fmt"
	"strings"
)

// ErrorCode is the numeric code recorded against a job in the job store when it fails to be submitted.
type ErrorCode int

const (
	CodeNoSitesAfterSiteLists      ErrorCode = 71101
	CodeAllSitesAborted            ErrorCode = 71102
	CodeMissingJobDescription      ErrorCode = 71103
	CodeNoSitesAfterDrainExclusion ErrorCode = 71104
	CodeNoPossibleLocations        ErrorCode = 71105
	CodeBackendSubmitFailed        ErrorCode = 71106
	CodeBackendUnrecognizedResult  ErrorCode = 71107
)

func (c ErrorCode) String() string {
	switch c {
	case CodeNoSitesAfterSiteLists:
		return "NoSitesAfterSiteLists"
	case CodeAllSitesAborted:
		return "AllSitesAborted"
	case CodeMissingJobDescription:
		return "MissingJobDescription"
	case CodeNoSitesAfterDrainExclusion:
		return "NoSitesAfterDrainExclusion"
	case CodeNoPossibleLocations:
		return "NoPossibleLocations"
	case CodeBackendSubmitFailed:
		return "BackendSubmitFailed"
	case CodeBackendUnrecognizedResult:
		return "BackendUnrecognizedResult"
	default:
		return fmt.Sprintf("ErrorCode(%d)", int(c))
	}
}

// ErrPlacement is returned when a job cannot be placed at any site.
// Sites carries the candidate set the job was rejected from, for diagnostics.
type ErrPlacement struct {
	Code  ErrorCode
	JobID int64
	Sites []string
}

func (err *ErrPlacement) Error() string {
	switch err.Code {
	case CodeNoSitesAfterSiteLists:
		return fmt.Sprintf("job %d: no sites left after applying site whitelist and blacklist", err.JobID)
	case CodeAllSitesAborted:
		return fmt.Sprintf("job %d: every possible site is down or aborted: %s", err.JobID, strings.Join(err.Sites, ","))
	case CodeNoSitesAfterDrainExclusion:
		return fmt.Sprintf("job %d: every possible site is draining: %s", err.JobID, strings.Join(err.Sites, ","))
	case CodeNoPossibleLocations:
		return fmt.Sprintf("job %d: no possible locations for the job's input data", err.JobID)
	default:
		return fmt.Sprintf("job %d: cannot be placed (%s)", err.JobID, err.Code)
	}
}

// ErrMissingJobDescription is returned when the persisted job description cannot be read or decoded.
type ErrMissingJobDescription struct {
	JobID int64
	Path  string
	Cause error
}

func (err *ErrMissingJobDescription) Error() string {
	return fmt.Sprintf("job %d: cannot load job description from %s: %v", err.JobID, err.Path, err.Cause)
}

func (err *ErrMissingJobDescription) Unwrap() error {
	return err.Cause
}

// ErrStoreTransaction is returned when the per-cycle job store transaction could not be committed.
// None of the cycle's writes have been applied.
type ErrStoreTransaction struct {
	Cause error
}

func (err *ErrStoreTransaction) Error() string {
	return fmt.Sprintf("job store transaction failed: %v", err.Cause)
}

func (err *ErrStoreTransaction) Unwrap() error {
	return err.Cause
}

// ErrRegistryUnavailable is returned when site thresholds could not be read from the resource registry.
// Cause is an *armadaerrors.ErrUnavailable.
type ErrRegistryUnavailable struct {
	Attempts uint
	Cause    error
}

func (err *ErrRegistryUnavailable) Error() string {
	return fmt.Sprintf("giving up after %d attempts: %v", err.Attempts, err.Cause)
}

func (err *ErrRegistryUnavailable) Unwrap() error {
	return err.Cause
}
