package executor

import "context"

// Validator checks one aspect of a building model held in the execution
// context and reports what it found.
type Validator interface {
	Validate(ctx context.Context, execCtx map[string]any) (ValidationResult, error)
}

type ValidationResult struct {
	Passed       bool     `json:"passed"`
	IssuesFound  int      `json:"issues_found"`
	FixesApplied int      `json:"fixes_applied"`
	Issues       []string `json:"issues,omitempty"`
}

// Exporter writes prepared data somewhere and returns the destination path.
type Exporter interface {
	Export(ctx context.Context, format, destination string, data map[string]any) (string, error)
}

// Notifier delivers a human-facing message over one channel.
type Notifier interface {
	Notify(ctx context.Context, channel, message string, payload map[string]any) error
}
