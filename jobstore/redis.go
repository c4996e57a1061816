package jobstore

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	trigger "github.com/goliatone/go-trigger"
	"github.com/redis/go-redis/v9"
)

// RedisClient captures the minimal commands needed from a redis client.
// Get returns "" for a missing key. SAdd returns the number of members that
// were not already in the set.
type RedisClient interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error
	SAdd(ctx context.Context, key string, members ...string) (int64, error)
	SMembers(ctx context.Context, key string) ([]string, error)
	SRem(ctx context.Context, key string, members ...string) error
}

// Redis stores one JSON document per job plus a set of job ids. Index
// updates are atomic on the server, so concurrent Create calls from several
// processes never lose ids. Updates to a job document are serialized only
// within the process.
type Redis struct {
	client    RedisClient
	keyPrefix string
	doneTTL   time.Duration
	now       func() time.Time
	mu        sync.Mutex
}

// RedisOption configures Redis.
type RedisOption func(*Redis)

// WithKeyPrefix overrides the "trigger_job:" prefix.
func WithKeyPrefix(prefix string) RedisOption {
	return func(r *Redis) {
		if prefix != "" {
			r.keyPrefix = prefix
		}
	}
}

// WithFinishedTTL expires finished and failed job documents after ttl.
func WithFinishedTTL(ttl time.Duration) RedisOption {
	return func(r *Redis) {
		r.doneTTL = ttl
	}
}

// WithRedisClock overrides time.Now.
func WithRedisClock(now func() time.Time) RedisOption {
	return func(r *Redis) {
		if now != nil {
			r.now = now
		}
	}
}

func NewRedis(client RedisClient, opts ...RedisOption) *Redis {
	r := &Redis{client: client, keyPrefix: "trigger_job:", now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

func (r *Redis) FindPending(ctx context.Context, key trigger.ContentKey) ([]*trigger.ScheduledJob, error) {
	hash := key.Hash()
	r.mu.Lock()
	defer r.mu.Unlock()
	jobs, err := r.loadAll(ctx)
	if err != nil {
		return nil, err
	}
	var out []*trigger.ScheduledJob
	for _, job := range jobs {
		if isPendingMatch(job, key, hash) {
			out = append(out, job)
		}
	}
	sortJobs(out)
	return out, nil
}

func (r *Redis) Create(ctx context.Context, job *trigger.ScheduledJob) error {
	if err := validateNewJob(job); err != nil {
		return err
	}
	if err := r.ready(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	added, err := r.client.SAdd(ctx, r.indexKey(), job.ID)
	if err != nil {
		return err
	}
	if added == 0 {
		return jobExists(job.ID)
	}
	if err := r.save(ctx, prepareNewJob(job, r.now().UTC())); err != nil {
		_ = r.client.SRem(ctx, r.indexKey(), job.ID)
		return err
	}
	return nil
}

// ReschedulePending moves the single pending job of key to executeAfter
// while holding the store lock. Several matches are returned untouched.
func (r *Redis) ReschedulePending(ctx context.Context, key trigger.ContentKey, executeAfter time.Time) ([]*trigger.ScheduledJob, error) {
	hash := key.Hash()
	r.mu.Lock()
	defer r.mu.Unlock()
	jobs, err := r.loadAll(ctx)
	if err != nil {
		return nil, err
	}
	var found []*trigger.ScheduledJob
	for _, job := range jobs {
		if isPendingMatch(job, key, hash) {
			found = append(found, job)
		}
	}
	sortJobs(found)
	if len(found) == 1 {
		found[0].ExecuteAfter = executeAfter.UTC()
		found[0].UpdatedAt = r.now().UTC()
		if err := r.save(ctx, found[0]); err != nil {
			return nil, err
		}
	}
	return found, nil
}

func (r *Redis) Reschedule(ctx context.Context, id string, executeAfter time.Time) error {
	return r.update(ctx, id, func(job *trigger.ScheduledJob, now time.Time) error {
		if !job.State.NotStarted() {
			return jobStarted(job)
		}
		job.ExecuteAfter = executeAfter.UTC()
		job.UpdatedAt = now
		return nil
	})
}

func (r *Redis) Get(ctx context.Context, id string) (*trigger.ScheduledJob, error) {
	if err := r.ready(); err != nil {
		return nil, err
	}
	job, err := r.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, jobNotFound(id)
	}
	return job, nil
}

func (r *Redis) List(ctx context.Context, filter trigger.JobFilter) ([]*trigger.ScheduledJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	jobs, err := r.loadAll(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*trigger.ScheduledJob, 0, len(jobs))
	for _, job := range jobs {
		if filter.Matches(job) {
			out = append(out, job)
		}
	}
	sortJobs(out)
	return applyLimit(out, filter.Limit), nil
}

func (r *Redis) ClaimDue(ctx context.Context, now time.Time, limit int) ([]*trigger.ScheduledJob, error) {
	if limit <= 0 {
		limit = DefaultClaimLimit
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	jobs, err := r.loadAll(ctx)
	if err != nil {
		return nil, err
	}
	due := make([]*trigger.ScheduledJob, 0)
	for _, job := range jobs {
		if isDue(job, now) {
			due = append(due, job)
		}
	}
	sortJobs(due)
	due = applyLimit(due, limit)
	for _, job := range due {
		markRunning(job, now.UTC())
		if err := r.save(ctx, job); err != nil {
			return nil, err
		}
	}
	return due, nil
}

func (r *Redis) Complete(ctx context.Context, id string) error {
	return r.update(ctx, id, func(job *trigger.ScheduledJob, now time.Time) error {
		markCompleted(job, now)
		return nil
	})
}

func (r *Redis) Fail(ctx context.Context, id string, retryAt *time.Time, reason string) error {
	return r.update(ctx, id, func(job *trigger.ScheduledJob, now time.Time) error {
		markFailed(job, retryAt, reason, now)
		return nil
	})
}

func (r *Redis) update(ctx context.Context, id string, fn func(job *trigger.ScheduledJob, now time.Time) error) error {
	if err := r.ready(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	job, err := r.load(ctx, id)
	if err != nil {
		return err
	}
	if job == nil {
		return jobNotFound(id)
	}
	if err := fn(job, r.now().UTC()); err != nil {
		return err
	}
	return r.save(ctx, job)
}

func (r *Redis) ready() error {
	if r == nil || r.client == nil {
		return errors.New("redis job store not configured")
	}
	return nil
}

// loadAll returns every indexed job and drops ids whose document expired.
func (r *Redis) loadAll(ctx context.Context) ([]*trigger.ScheduledJob, error) {
	if err := r.ready(); err != nil {
		return nil, err
	}
	ids, err := r.client.SMembers(ctx, r.indexKey())
	if err != nil {
		return nil, err
	}
	jobs := make([]*trigger.ScheduledJob, 0, len(ids))
	var expired []string
	for _, id := range ids {
		job, err := r.load(ctx, id)
		if err != nil {
			return nil, err
		}
		if job == nil {
			expired = append(expired, id)
			continue
		}
		jobs = append(jobs, job)
	}
	if len(expired) > 0 {
		if err := r.client.SRem(ctx, r.indexKey(), expired...); err != nil {
			return nil, err
		}
	}
	return jobs, nil
}

func (r *Redis) load(ctx context.Context, id string) (*trigger.ScheduledJob, error) {
	value, err := r.client.Get(ctx, r.jobKey(id))
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(value) == "" {
		return nil, nil
	}
	var job trigger.ScheduledJob
	if err := json.Unmarshal([]byte(value), &job); err != nil {
		return nil, err
	}
	return &job, nil
}

func (r *Redis) save(ctx context.Context, job *trigger.ScheduledJob) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return err
	}
	var ttl time.Duration
	if job.State == trigger.JobStateFinished || job.State == trigger.JobStateFailed {
		ttl = r.doneTTL
	}
	return r.client.Set(ctx, r.jobKey(job.ID), string(payload), ttl)
}

func (r *Redis) jobKey(id string) string { return r.keyPrefix + strings.TrimSpace(id) }
func (r *Redis) indexKey() string        { return r.keyPrefix + "ids" }

// GoRedisClient adapts a go-redis client to RedisClient.
type GoRedisClient struct {
	client redis.UniversalClient
}

func NewGoRedisClient(client redis.UniversalClient) *GoRedisClient {
	return &GoRedisClient{client: client}
}

func (c *GoRedisClient) Get(ctx context.Context, key string) (string, error) {
	value, err := c.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return value, err
}

func (c *GoRedisClient) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	return c.client.Set(ctx, key, value, expiration).Err()
}

func (c *GoRedisClient) SAdd(ctx context.Context, key string, members ...string) (int64, error) {
	return c.client.SAdd(ctx, key, toInterfaces(members)...).Result()
}

func (c *GoRedisClient) SMembers(ctx context.Context, key string) ([]string, error) {
	return c.client.SMembers(ctx, key).Result()
}

func (c *GoRedisClient) SRem(ctx context.Context, key string, members ...string) error {
	return c.client.SRem(ctx, key, toInterfaces(members)...).Err()
}

func toInterfaces(values []string) []interface{} {
	out := make([]interface{}, len(values))
	for i, v := range values {
		out[i] = v
	}
	return out
}
