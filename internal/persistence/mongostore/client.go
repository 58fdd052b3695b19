// Package mongostore is the durable persistence backend, implemented
// against MongoDB: a thin Store that delegates to a low-level Client
// interface, with the Client embedding health.Pinger so the same object
// answers both persistence calls and liveness probes.
package mongostore

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"goa.design/clue/health"

	"github.com/deepresearch-engine/core/internal/persistence"
	"github.com/deepresearch-engine/core/internal/research/domain"
)

const (
	defaultTasksCollection   = "tasks"
	defaultReportsCollection = "reports"
	defaultLogsCollection    = "logs"
	defaultOpTimeout         = 5 * time.Second
	clientName               = "research-mongo"
)

// Client exposes Mongo-backed operations for the persistence layer. It is
// the low-level counterpart to Store, kept separate so Store's method set
// matches persistence.Store exactly while Client stays free to expose
// Mongo-specific constructs (health.Pinger, document shapes).
type Client interface {
	health.Pinger

	CreateTask(ctx context.Context, task domain.ResearchTask) error
	UpdateTaskStatus(ctx context.Context, id string, status domain.TaskStatus, extras persistence.TaskExtras) error
	GetTask(ctx context.Context, id string) (domain.ResearchTask, error)
	ListTasks(ctx context.Context, filter persistence.TaskFilter) ([]domain.ResearchTask, error)

	CreateReport(ctx context.Context, taskID string, report domain.Report) error
	GetReport(ctx context.Context, taskID string) (domain.Report, error)

	AppendLog(ctx context.Context, taskID string, level domain.LogLevel, message string, timestamp time.Time) error
	ListLogs(ctx context.Context, taskID string, since *time.Time) ([]domain.LogRecord, error)
}

// Options configures the Mongo client.
type Options struct {
	Client            *mongodriver.Client
	Database          string
	TasksCollection   string
	ReportsCollection string
	LogsCollection    string
	Timeout           time.Duration
}

type client struct {
	mongo   *mongodriver.Client
	tasks   *mongodriver.Collection
	reports *mongodriver.Collection
	logs    *mongodriver.Collection
	timeout time.Duration
}

// New connects the Client and ensures the required indexes exist. It
// returns an error if the backend is unreachable; callers (cmd/server) are
// responsible for falling back to the in-memory backend on that error
// rather than refusing to start.
func New(ctx context.Context, opts Options) (Client, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	tasksName := opts.TasksCollection
	if tasksName == "" {
		tasksName = defaultTasksCollection
	}
	reportsName := opts.ReportsCollection
	if reportsName == "" {
		reportsName = defaultReportsCollection
	}
	logsName := opts.LogsCollection
	if logsName == "" {
		logsName = defaultLogsCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}

	db := opts.Client.Database(opts.Database)
	tasksColl := db.Collection(tasksName)
	reportsColl := db.Collection(reportsName)
	logsColl := db.Collection(logsName)

	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := opts.Client.Ping(pingCtx, readpref.Primary()); err != nil {
		return nil, err
	}

	idxCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := ensureIndexes(idxCtx, tasksColl, reportsColl, logsColl); err != nil {
		return nil, err
	}

	return &client{
		mongo:   opts.Client,
		tasks:   tasksColl,
		reports: reportsColl,
		logs:    logsColl,
		timeout: timeout,
	}, nil
}

func (c *client) Name() string { return clientName }

func (c *client) Ping(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return c.mongo.Ping(ctx, readpref.Primary())
}

func (c *client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if c.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.timeout)
}

// CreateTask implements Client.
func (c *client) CreateTask(ctx context.Context, task domain.ResearchTask) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	doc := fromTask(task)
	if _, err := c.tasks.InsertOne(ctx, doc); err != nil {
		if mongodriver.IsDuplicateKeyError(err) {
			return persistence.ErrTaskExists
		}
		return err
	}
	return nil
}

// UpdateTaskStatus implements Client.
func (c *client) UpdateTaskStatus(ctx context.Context, id string, status domain.TaskStatus, extras persistence.TaskExtras) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	set := bson.M{
		"status":     status,
		"updated_at": time.Now().UTC(),
	}
	if extras.StartedAt != nil {
		set["started_at"] = extras.StartedAt.UTC()
	}
	if extras.CompletedAt != nil {
		set["completed_at"] = extras.CompletedAt.UTC()
	}
	if extras.EvidenceCount != nil {
		set["evidence_count"] = *extras.EvidenceCount
	}
	if extras.SourcesSummary != nil {
		set["sources_summary"] = extras.SourcesSummary
	}
	if extras.CompletionScore != nil {
		set["completion_score"] = *extras.CompletionScore
	}
	if extras.FailureReason != nil {
		set["failure_reason"] = *extras.FailureReason
	}

	res, err := c.tasks.UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": set})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return persistence.ErrTaskNotFound
	}
	return nil
}

// GetTask implements Client.
func (c *client) GetTask(ctx context.Context, id string) (domain.ResearchTask, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	var doc taskDocument
	if err := c.tasks.FindOne(ctx, bson.M{"_id": id}).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return domain.ResearchTask{}, persistence.ErrTaskNotFound
		}
		return domain.ResearchTask{}, err
	}
	return doc.toTask(), nil
}

// ListTasks implements Client.
func (c *client) ListTasks(ctx context.Context, filter persistence.TaskFilter) ([]domain.ResearchTask, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	q := bson.M{}
	if filter.Status != "" {
		q["status"] = filter.Status
	}
	findOpts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}})
	if filter.Limit > 0 {
		findOpts.SetLimit(int64(filter.Limit))
	}
	cur, err := c.tasks.Find(ctx, q, findOpts)
	if err != nil {
		return nil, err
	}
	defer func() { _ = cur.Close(ctx) }()

	var out []domain.ResearchTask
	for cur.Next(ctx) {
		var doc taskDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		out = append(out, doc.toTask())
	}
	return out, cur.Err()
}

// CreateReport implements Client.
func (c *client) CreateReport(ctx context.Context, taskID string, report domain.Report) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	report.TaskID = taskID
	doc := fromReport(report)
	if _, err := c.reports.InsertOne(ctx, doc); err != nil {
		if mongodriver.IsDuplicateKeyError(err) {
			return persistence.ErrReportExists
		}
		return err
	}
	return nil
}

// GetReport implements Client.
func (c *client) GetReport(ctx context.Context, taskID string) (domain.Report, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	var doc reportDocument
	if err := c.reports.FindOne(ctx, bson.M{"task_id": taskID}).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return domain.Report{}, persistence.ErrReportNotFound
		}
		return domain.Report{}, err
	}
	return doc.toReport(), nil
}

// AppendLog implements Client.
func (c *client) AppendLog(ctx context.Context, taskID string, level domain.LogLevel, message string, timestamp time.Time) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	doc := logDocument{
		TaskID:    taskID,
		Level:     level,
		Message:   message,
		Timestamp: timestamp.UTC(),
	}
	_, err := c.logs.InsertOne(ctx, doc)
	return err
}

// ListLogs implements Client.
func (c *client) ListLogs(ctx context.Context, taskID string, since *time.Time) ([]domain.LogRecord, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	q := bson.M{"task_id": taskID}
	if since != nil {
		q["timestamp"] = bson.M{"$gt": since.UTC()}
	}
	cur, err := c.logs.Find(ctx, q, options.Find().SetSort(bson.D{{Key: "timestamp", Value: 1}}))
	if err != nil {
		return nil, err
	}
	defer func() { _ = cur.Close(ctx) }()

	var out []domain.LogRecord
	for cur.Next(ctx) {
		var doc logDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		out = append(out, doc.toLogRecord())
	}
	return out, cur.Err()
}

func ensureIndexes(ctx context.Context, tasks, reports, logs *mongodriver.Collection) error {
	if _, err := tasks.Indexes().CreateMany(ctx, []mongodriver.IndexModel{
		{Keys: bson.D{{Key: "status", Value: 1}}},
		{Keys: bson.D{{Key: "created_at", Value: -1}}},
	}); err != nil {
		return err
	}
	if _, err := reports.Indexes().CreateOne(ctx, mongodriver.IndexModel{
		Keys:    bson.D{{Key: "task_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	}); err != nil {
		return err
	}
	if _, err := logs.Indexes().CreateMany(ctx, []mongodriver.IndexModel{
		{Keys: bson.D{{Key: "task_id", Value: 1}, {Key: "timestamp", Value: 1}}},
		{Keys: bson.D{{Key: "level", Value: 1}}},
	}); err != nil {
		return err
	}
	return nil
}
