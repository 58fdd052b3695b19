package mongostore

import (
	"time"

	"github.com/deepresearch-engine/core/internal/research/domain"
)

// taskDocument is the on-disk shape of a domain.ResearchTask. The task's
// own ID is reused as Mongo's _id so the unique constraint the contract
// requires falls directly out of the collection's primary key.
type taskDocument struct {
	ID              string              `bson:"_id"`
	Query           string              `bson:"query"`
	Kind            domain.TaskKind     `bson:"kind"`
	MaxIterations   int                 `bson:"max_iterations"`
	MinScore        float64             `bson:"min_completion_score"`
	Budget          int                 `bson:"budget"`
	Status          domain.TaskStatus   `bson:"status"`
	CreatedAt       time.Time           `bson:"created_at"`
	UpdatedAt       time.Time           `bson:"updated_at"`
	StartedAt       *time.Time          `bson:"started_at,omitempty"`
	CompletedAt     *time.Time          `bson:"completed_at,omitempty"`
	EvidenceCount   int                 `bson:"evidence_count"`
	SourcesSummary  []string            `bson:"sources_summary,omitempty"`
	CompletionScore float64             `bson:"completion_score"`
	FailureReason   string              `bson:"failure_reason,omitempty"`
}

func fromTask(t domain.ResearchTask) taskDocument {
	return taskDocument{
		ID:              t.ID,
		Query:           t.Query,
		Kind:            t.Kind,
		MaxIterations:   t.Config.MaxIterations,
		MinScore:        t.Config.MinCompletionScore,
		Budget:          t.Config.Budget,
		Status:          t.Status,
		CreatedAt:       t.CreatedAt.UTC(),
		UpdatedAt:       t.UpdatedAt.UTC(),
		StartedAt:       t.StartedAt,
		CompletedAt:     t.CompletedAt,
		EvidenceCount:   t.EvidenceCount,
		SourcesSummary:  t.SourcesSummary,
		CompletionScore: t.CompletionScore,
		FailureReason:   t.FailureReason,
	}
}

func (doc taskDocument) toTask() domain.ResearchTask {
	return domain.ResearchTask{
		ID:    doc.ID,
		Query: doc.Query,
		Kind:  doc.Kind,
		Config: domain.TaskConfig{
			MaxIterations:      doc.MaxIterations,
			MinCompletionScore: doc.MinScore,
			Budget:             doc.Budget,
		},
		Status:          doc.Status,
		CreatedAt:       doc.CreatedAt,
		UpdatedAt:       doc.UpdatedAt,
		StartedAt:       doc.StartedAt,
		CompletedAt:     doc.CompletedAt,
		EvidenceCount:   doc.EvidenceCount,
		SourcesSummary:  doc.SourcesSummary,
		CompletionScore: doc.CompletionScore,
		FailureReason:   doc.FailureReason,
	}
}

type reportDocument struct {
	TaskID       string   `bson:"task_id"`
	MarkdownBody string   `bson:"markdown_body"`
	Bibliography string   `bson:"bibliography"`
	Iterations   int      `bson:"iterations_completed,omitempty"`
	Gaps         []string `bson:"gaps_identified,omitempty"`
	KeyFindings  []string `bson:"key_findings,omitempty"`

	CompletionScore float64       `bson:"completion_score,omitempty"`
	EvidenceCount   int           `bson:"evidence_count,omitempty"`
	ExecutionTimeNS int64         `bson:"execution_time_ns,omitempty"`
}

func fromReport(r domain.Report) reportDocument {
	doc := reportDocument{
		TaskID:       r.TaskID,
		MarkdownBody: r.MarkdownBody,
		Bibliography: r.Bibliography,
	}
	if r.Summary != nil {
		doc.Iterations = r.Summary.IterationsCompleted
		doc.Gaps = r.Summary.GapsIdentified
		doc.KeyFindings = r.Summary.KeyFindings
	}
	if r.Metrics != nil {
		doc.CompletionScore = r.Metrics.CompletionScore
		doc.EvidenceCount = r.Metrics.EvidenceCount
		doc.ExecutionTimeNS = int64(r.Metrics.ExecutionTime)
	}
	return doc
}

func (doc reportDocument) toReport() domain.Report {
	return domain.Report{
		TaskID:       doc.TaskID,
		MarkdownBody: doc.MarkdownBody,
		Bibliography: doc.Bibliography,
		Summary: &domain.ResearchSummary{
			IterationsCompleted: doc.Iterations,
			GapsIdentified:      doc.Gaps,
			KeyFindings:         doc.KeyFindings,
		},
		Metrics: &domain.QualityMetrics{
			CompletionScore: doc.CompletionScore,
			EvidenceCount:   doc.EvidenceCount,
			ExecutionTime:   time.Duration(doc.ExecutionTimeNS),
		},
	}
}

type logDocument struct {
	TaskID    string        `bson:"task_id"`
	Level     domain.LogLevel `bson:"level"`
	Message   string        `bson:"message"`
	Timestamp time.Time     `bson:"timestamp"`
}

func (doc logDocument) toLogRecord() domain.LogRecord {
	return domain.LogRecord{
		TaskID:    doc.TaskID,
		Level:     doc.Level,
		Message:   doc.Message,
		Timestamp: doc.Timestamp,
	}
}
