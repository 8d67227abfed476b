package persistence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/andrej220/tsubame/pkg/lg"
	dm "github.com/andrej220/tsubame/pkg/shared-models"
	"github.com/cenkalti/backoff/v4"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const (
	targetsCollection    = "servers"
	jobsCollection       = "jobs"
	executionsCollection = "job_executions"
)

var _ Store = (*MongoStore)(nil)

type MongoConfig struct {
	URI            string        `yaml:"uri" json:"uri"`
	DBName         string        `yaml:"dbName" json:"dbName"`
	ConnectTimeout time.Duration `yaml:"connectTimeout" json:"connectTimeout"`
}

type MongoStore struct {
	client     *mongo.Client
	targets    *mongo.Collection
	jobs       *mongo.Collection
	executions *mongo.Collection
}

// NewMongoStore connects and pings the server, retrying the ping with
// exponential backoff until cfg.ConnectTimeout elapses.
func NewMongoStore(ctx context.Context, cfg MongoConfig, logger lg.Logger) (*MongoStore, error) {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 30 * time.Second
	}
	if cfg.DBName == "" {
		cfg.DBName = "tsubame"
	}
	if logger == nil {
		logger = lg.Discard
	}
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxInterval = 5 * time.Second
	bo.MaxElapsedTime = cfg.ConnectTimeout
	ping := func() error {
		pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		return client.Ping(pctx, nil)
	}
	notify := func(err error, wait time.Duration) {
		logger.Warn("MongoDB ping failed, retrying", lg.Err(err), lg.Duration("wait", wait))
	}
	if err := backoff.RetryNotify(ping, backoff.WithContext(bo, ctx), notify); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	s := newMongoStore(client.Database(cfg.DBName))
	if err := s.ensureIndexes(ctx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	return s, nil
}

func newMongoStore(db *mongo.Database) *MongoStore {
	return &MongoStore{
		client:     db.Client(),
		targets:    db.Collection(targetsCollection),
		jobs:       db.Collection(jobsCollection),
		executions: db.Collection(executionsCollection),
	}
}

func (m *MongoStore) ensureIndexes(ctx context.Context) error {
	_, err := m.executions.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "job_id", Value: 1}, {Key: "created_at", Value: -1}}},
		{Keys: bson.D{{Key: "created_at", Value: -1}}},
		{Keys: bson.D{{Key: "status", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("create execution indexes: %w", err)
	}
	_, err = m.jobs.Indexes().CreateOne(ctx, mongo.IndexModel{Keys: bson.D{{Key: "server_id", Value: 1}}})
	if err != nil {
		return fmt.Errorf("create job indexes: %w", err)
	}
	return nil
}

func findOne[T any](ctx context.Context, coll *mongo.Collection, id any, what string) (*T, error) {
	var out T
	err := coll.FindOne(ctx, bson.M{"_id": id}).Decode(&out)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, fmt.Errorf("%s %v: %w", what, id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("find %s %v: %w", what, id, err)
	}
	return &out, nil
}

func (m *MongoStore) GetTarget(ctx context.Context, id int64) (*dm.Target, error) {
	return findOne[dm.Target](ctx, m.targets, id, "target")
}

func (m *MongoStore) PutTarget(ctx context.Context, t *dm.Target) error {
	_, err := m.targets.ReplaceOne(ctx, bson.M{"_id": t.ID}, t, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("save target %d: %w", t.ID, err)
	}
	return nil
}

func (m *MongoStore) DeleteTarget(ctx context.Context, id int64) error {
	cur, err := m.jobs.Find(ctx, bson.M{"server_id": id}, options.Find().SetProjection(bson.M{"_id": 1}))
	if err != nil {
		return fmt.Errorf("find jobs of target %d: %w", id, err)
	}
	var jobs []struct {
		ID int64 `bson:"_id"`
	}
	if err := cur.All(ctx, &jobs); err != nil {
		return fmt.Errorf("read jobs of target %d: %w", id, err)
	}
	if len(jobs) > 0 {
		ids := make([]int64, len(jobs))
		for i, j := range jobs {
			ids[i] = j.ID
		}
		if _, err := m.executions.DeleteMany(ctx, bson.M{"job_id": bson.M{"$in": ids}}); err != nil {
			return fmt.Errorf("delete executions of target %d: %w", id, err)
		}
		if _, err := m.jobs.DeleteMany(ctx, bson.M{"server_id": id}); err != nil {
			return fmt.Errorf("delete jobs of target %d: %w", id, err)
		}
	}
	return deleteOne(ctx, m.targets, id, "target")
}

func (m *MongoStore) GetJob(ctx context.Context, id int64) (*dm.Job, error) {
	return findOne[dm.Job](ctx, m.jobs, id, "job")
}

func (m *MongoStore) PutJob(ctx context.Context, j *dm.Job) error {
	if _, err := m.GetTarget(ctx, j.TargetID); err != nil {
		return fmt.Errorf("job %d: %w", j.ID, err)
	}
	_, err := m.jobs.ReplaceOne(ctx, bson.M{"_id": j.ID}, j, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("save job %d: %w", j.ID, err)
	}
	return nil
}

func (m *MongoStore) DeleteJob(ctx context.Context, id int64) error {
	if _, err := m.executions.DeleteMany(ctx, bson.M{"job_id": id}); err != nil {
		return fmt.Errorf("delete executions of job %d: %w", id, err)
	}
	return deleteOne(ctx, m.jobs, id, "job")
}

func (m *MongoStore) CreateExecution(ctx context.Context, e *dm.Execution) error {
	if _, err := m.GetJob(ctx, e.JobID); err != nil {
		return fmt.Errorf("execution %s: %w", e.ID, err)
	}
	_, err := m.executions.InsertOne(ctx, e)
	if mongo.IsDuplicateKeyError(err) {
		return fmt.Errorf("execution %s: %w", e.ID, ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("insert execution %s: %w", e.ID, err)
	}
	return nil
}

// UpdateExecution replaces the whole document, so one call is one atomic
// write of every field.
func (m *MongoStore) UpdateExecution(ctx context.Context, e *dm.Execution) error {
	res, err := m.executions.ReplaceOne(ctx, bson.M{"_id": e.ID}, e)
	if err != nil {
		return fmt.Errorf("update execution %s: %w", e.ID, err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("execution %s: %w", e.ID, ErrNotFound)
	}
	return nil
}

func (m *MongoStore) GetExecution(ctx context.Context, id string) (*dm.Execution, error) {
	return findOne[dm.Execution](ctx, m.executions, id, "execution")
}

func (m *MongoStore) ListExecutions(ctx context.Context, f dm.ExecutionFilter) ([]*dm.Execution, error) {
	f = normalizeFilter(f)
	filter := bson.M{}
	if f.JobID != 0 {
		filter["job_id"] = f.JobID
	}
	opts := options.Find().
		SetSort(bson.D{{Key: "created_at", Value: -1}, {Key: "_id", Value: -1}}).
		SetSkip(int64(f.Offset)).
		SetLimit(int64(f.Limit))
	cur, err := m.executions.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	out := []*dm.Execution{}
	if err := cur.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("decode executions: %w", err)
	}
	return out, nil
}

func (m *MongoStore) DeleteExecution(ctx context.Context, id string) error {
	return deleteOne(ctx, m.executions, id, "execution")
}

func (m *MongoStore) Close(ctx context.Context) error {
	return m.client.Disconnect(ctx)
}

func deleteOne(ctx context.Context, coll *mongo.Collection, id any, what string) error {
	res, err := coll.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return fmt.Errorf("delete %s %v: %w", what, id, err)
	}
	if res.DeletedCount == 0 {
		return fmt.Errorf("%s %v: %w", what, id, ErrNotFound)
	}
	return nil
}
