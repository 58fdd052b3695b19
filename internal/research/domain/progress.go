package domain

import "time"

// ProgressEventKind is the closed set of event kinds a task may emit.
// The progress bus and the WebSocket transport both switch on this
// type; it is never extended at runtime.
type ProgressEventKind string

const (
	EventStarted          ProgressEventKind = "started"
	EventPlanning         ProgressEventKind = "planning"
	EventIteration        ProgressEventKind = "iteration"
	EventEvidence         ProgressEventKind = "evidence"
	EventEvaluation       ProgressEventKind = "evaluation"
	EventGapAnalysis      ProgressEventKind = "gap_analysis"
	EventRefinement       ProgressEventKind = "refinement"
	EventReportGeneration ProgressEventKind = "report_generation"
	EventCompleted        ProgressEventKind = "completed"
	EventFailed           ProgressEventKind = "failed"
)

// Terminal reports whether k ends a task's progress stream.
func (k ProgressEventKind) Terminal() bool {
	return k == EventCompleted || k == EventFailed
}

// ProgressEvent is a single, ordered, immutable update published to a task's
// observers.
type ProgressEvent struct {
	TaskID    string
	Timestamp time.Time
	Kind      ProgressEventKind
	Message   string
	Payload   map[string]any
}
