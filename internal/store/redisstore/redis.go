// Package redisstore keeps validation jobs in Redis so several processes
// can work on the same job.
package redisstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/optimode/mailverify/internal/jobs"
	"github.com/optimode/mailverify/types"
)

const defaultPrefix = "mailverify"

// createScript inserts a job hash unless the key exists and adds the id to
// the active index.
var createScript = redis.NewScript(`
	if redis.call("exists", KEYS[1]) == 1 then
		return 0
	end
	redis.call("hset", KEYS[1], "version", ARGV[1], "status", ARGV[2], "body", ARGV[3])
	redis.call("sadd", KEYS[2], ARGV[4])
	return 1
`)

// swapScript replaces the job only when the stored version matches.
// Returns -1 for a missing job, 0 for a version mismatch, 1 on success.
var swapScript = redis.NewScript(`
	local current = redis.call("hget", KEYS[1], "version")
	if not current then
		return -1
	end
	if tonumber(current) ~= tonumber(ARGV[1]) then
		return 0
	end
	redis.call("hset", KEYS[1], "version", ARGV[2], "status", ARGV[3], "body", ARGV[4])
	if ARGV[5] == "1" then
		redis.call("srem", KEYS[2], ARGV[6])
		if tonumber(ARGV[7]) > 0 then
			redis.call("pexpire", KEYS[1], ARGV[7])
		end
	end
	return 1
`)

// Store implements jobs.Store on Redis.
type Store struct {
	client      redis.UniversalClient
	prefix      string
	terminalTTL time.Duration
}

type Option func(*Store)

// WithPrefix namespaces every key.
func WithPrefix(p string) Option { return func(s *Store) { s.prefix = p } }

// WithTerminalTTL expires finished jobs after d. Zero keeps them forever.
func WithTerminalTTL(d time.Duration) Option { return func(s *Store) { s.terminalTTL = d } }

func New(client redis.UniversalClient, opts ...Option) *Store {
	s := &Store{client: client, prefix: defaultPrefix}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Dial connects to the server at url (redis://...) and pings it.
func Dial(ctx context.Context, url string, opts ...Option) (*Store, error) {
	o, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redisstore: parse url: %w", err)
	}
	client := redis.NewClient(o)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redisstore: ping: %w", err)
	}
	return New(client, opts...), nil
}

func (s *Store) Close() error { return s.client.Close() }

func (s *Store) jobKey(id string) string { return s.prefix + ":job:" + id }

func (s *Store) activeKey() string { return s.prefix + ":jobs:active" }

func (s *Store) CreateJob(ctx context.Context, job types.ValidationJob) error {
	body, err := json.Marshal(job)
	if err != nil {
		return err
	}
	n, err := createScript.Run(ctx, s.client, []string{s.jobKey(job.ID), s.activeKey()},
		job.Version, string(job.Status), body, job.ID).Int()
	if err != nil {
		return fmt.Errorf("redisstore: create job %s: %w", job.ID, err)
	}
	if n == 0 {
		return fmt.Errorf("redisstore: job %s already exists", job.ID)
	}
	return nil
}

func (s *Store) LoadJob(ctx context.Context, id string) (types.ValidationJob, error) {
	body, err := s.client.HGet(ctx, s.jobKey(id), "body").Bytes()
	if err == redis.Nil {
		return types.ValidationJob{}, fmt.Errorf("%w: %s", jobs.ErrJobNotFound, id)
	}
	if err != nil {
		return types.ValidationJob{}, fmt.Errorf("redisstore: load job %s: %w", id, err)
	}
	var job types.ValidationJob
	if err := json.Unmarshal(body, &job); err != nil {
		return types.ValidationJob{}, fmt.Errorf("redisstore: decode job %s: %w", id, err)
	}
	return job, nil
}

func (s *Store) SwapJob(ctx context.Context, job types.ValidationJob, expected int64) error {
	body, err := json.Marshal(job)
	if err != nil {
		return err
	}
	terminal := "0"
	if job.Status.Terminal() {
		terminal = "1"
	}
	n, err := swapScript.Run(ctx, s.client, []string{s.jobKey(job.ID), s.activeKey()},
		expected, job.Version, string(job.Status), body, terminal, job.ID, s.terminalTTL.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("redisstore: swap job %s: %w", job.ID, err)
	}
	switch n {
	case -1:
		return fmt.Errorf("%w: %s", jobs.ErrJobNotFound, job.ID)
	case 0:
		return jobs.ErrVersionConflict
	}
	return nil
}

// ActiveJobs reads every job in the active index. Ids whose hash has
// vanished are dropped from the index.
func (s *Store) ActiveJobs(ctx context.Context) ([]types.ValidationJob, error) {
	ids, err := s.client.SMembers(ctx, s.activeKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("redisstore: active jobs: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	cmds := make([]*redis.StringCmd, len(ids))
	_, err = s.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = p.HGet(ctx, s.jobKey(id), "body")
		}
		return nil
	})
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("redisstore: active jobs: %w", err)
	}

	var out []types.ValidationJob
	for i, cmd := range cmds {
		body, err := cmd.Bytes()
		if err == redis.Nil {
			s.client.SRem(ctx, s.activeKey(), ids[i])
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("redisstore: active job %s: %w", ids[i], err)
		}
		var job types.ValidationJob
		if err := json.Unmarshal(body, &job); err != nil {
			return nil, fmt.Errorf("redisstore: decode job %s: %w", ids[i], err)
		}
		if !job.Status.Terminal() {
			out = append(out, job)
		}
	}
	return out, nil
}
