// Package history implements the optional run-history archiver: a
// best-effort, asynchronous mirror of terminal ledger rows into a MongoDB
// collection for historical querying. It sits entirely outside the ledger's
// crash-safety boundary — its writes never block markResult and its
// failures are logged and swallowed.
package history

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/sprintctl/supervisor/internal/model"
	"github.com/sprintctl/supervisor/internal/telemetry"
)

const (
	defaultCollection = "run_history"
	defaultOpTimeout   = 5 * time.Second
)

// Options configures a MongoArchiver.
type Options struct {
	URI        string // RUNNER_HISTORY_MONGO_URI
	Database   string // defaults to "sprintctl"
	Collection string // defaults to "run_history"
	OpTimeout  time.Duration
	Log        telemetry.Logger
}

// MongoArchiver implements ledger.Archiver by upserting terminal LedgerRows
// into a Mongo collection, one fire-and-forget goroutine per Archive call.
type MongoArchiver struct {
	client  *mongo.Client
	coll    *mongo.Collection
	timeout time.Duration
	log     telemetry.Logger
}

// runHistoryDoc is the archived shape of one terminal ledger row.
type runHistoryDoc struct {
	RunID                 string            `bson:"run_id"`
	Role                  string            `bson:"role"`
	Status                string            `bson:"status"`
	IntentHash            string            `bson:"intent_hash"`
	ReceivedAt            string            `bson:"received_at"`
	RunningAt             string            `bson:"running_at,omitempty"`
	Summary               string            `bson:"summary,omitempty"`
	URLs                  map[string]string `bson:"urls,omitempty"`
	ReviewerOutcome       string            `bson:"reviewer_outcome,omitempty"`
	FailureClassification string            `bson:"failure_classification,omitempty"`
	ErrorCode             string            `bson:"error_code,omitempty"`
	ArchivedAt            time.Time         `bson:"archived_at"`
}

// New connects to Mongo and constructs a MongoArchiver. Callers should treat
// a connection failure here as non-fatal — an absent or unreachable store
// disables the archiver entirely — and fall back to ledger.NoopArchiver.
func New(ctx context.Context, opts Options) (*MongoArchiver, error) {
	if opts.URI == "" {
		return nil, errors.New("history: Mongo URI is required")
	}
	database := opts.Database
	if database == "" {
		database = "sprintctl"
	}
	collection := opts.Collection
	if collection == "" {
		collection = defaultCollection
	}
	timeout := opts.OpTimeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	log := opts.Log
	if log == nil {
		log = telemetry.NoopLogger{}
	}

	connectCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	client, err := mongo.Connect(options.Client().ApplyURI(opts.URI))
	if err != nil {
		return nil, err
	}
	if err := client.Ping(connectCtx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, err
	}

	coll := client.Database(database).Collection(collection)
	idxCtx, idxCancel := context.WithTimeout(ctx, timeout)
	defer idxCancel()
	_, _ = coll.Indexes().CreateOne(idxCtx, mongo.IndexModel{
		Keys:    bson.D{{Key: "run_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	})

	return &MongoArchiver{client: client, coll: coll, timeout: timeout, log: log}, nil
}

// Archive implements ledger.Archiver: enqueues a best-effort async upsert and
// returns immediately. The ledger's markResult call is never blocked on it.
func (a *MongoArchiver) Archive(runID string, row model.LedgerRow) {
	if a == nil || a.coll == nil {
		return
	}
	go a.archive(runID, row)
}

func (a *MongoArchiver) archive(runID string, row model.LedgerRow) {
	ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
	defer cancel()

	doc := runHistoryDoc{
		RunID:      row.RunID,
		Role:       string(row.Role),
		Status:     string(row.Status),
		IntentHash: row.IntentHash,
		ReceivedAt: row.ReceivedAt,
		RunningAt:  row.RunningAt,
		ArchivedAt: time.Now().UTC(),
	}
	if row.Result != nil {
		doc.Summary = row.Result.Summary
		doc.URLs = row.Result.URLs
		doc.ReviewerOutcome = row.Result.ReviewerOutcome
		doc.FailureClassification = row.Result.FailureClassification
		doc.ErrorCode = row.Result.ErrorCode
	}

	filter := bson.M{"run_id": runID}
	update := bson.M{"$set": doc}
	if _, err := a.coll.UpdateOne(ctx, filter, update, options.UpdateOne().SetUpsert(true)); err != nil {
		a.log.Warn(ctx, "run history archive upsert failed", "run_id", runID, "error", err)
	}
}

// Close disconnects the underlying Mongo client. Best-effort.
func (a *MongoArchiver) Close(ctx context.Context) {
	if a == nil || a.client == nil {
		return
	}
	_ = a.client.Disconnect(ctx)
}
