package metrics

const (
	// common prefix for all metric names
	prefix = "jobsubmitter_"

	// Prometheus Labels
	siteLabel     = "site"
	taskTypeLabel = "task_type"
	codeLabel     = "code"
	backendLabel  = "backend"
)
