package models

import "time"

type RunKind string

const (
	RunAnalyze    RunKind = "analyze"
	RunReestimate RunKind = "reestimate"
)

type RunStatus string

const (
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

// AnalysisRun is the audit entry written for every analysis or
// re-estimation. It never carries record data.
type AnalysisRun struct {
	ID               string
	SessionID        string
	Kind             RunKind
	Model            string
	InputFingerprint string
	InputCount       int
	RecordCount      int
	Batches          int
	Status           RunStatus
	ErrorKind        string
	ErrorMessage     string
	PromptTokens     int
	CompletionTokens int
	DurationMS       int64
	StartedAt        time.Time
}

// Usage is the token accounting returned by one model call.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

func (u *Usage) Add(other Usage) {
	u.PromptTokens += other.PromptTokens
	u.CompletionTokens += other.CompletionTokens
	u.TotalTokens += other.TotalTokens
}
