package domain

import "time"

// ResearchSummary is the optional research-process metadata attached to a
// Report.
type ResearchSummary struct {
	IterationsCompleted int
	GapsIdentified      []string
	KeyFindings         []string
}

// QualityMetrics is the optional quality metadata attached to a Report.
type QualityMetrics struct {
	CompletionScore float64
	EvidenceCount   int
	ExecutionTime   time.Duration
}

// Report is the one-to-one synthesis output of a completed task.
type Report struct {
	TaskID       string
	MarkdownBody string
	Bibliography string
	Summary      *ResearchSummary
	Metrics      *QualityMetrics
}

// LogLevel is the severity of an append-only LogRecord.
type LogLevel string

const (
	LogDebug   LogLevel = "debug"
	LogInfo    LogLevel = "info"
	LogWarning LogLevel = "warning"
	LogError   LogLevel = "error"
)

// LogRecord is a single append-only diagnostic entry attached to a task.
type LogRecord struct {
	TaskID    string
	Level     LogLevel
	Message   string
	Timestamp time.Time
}
