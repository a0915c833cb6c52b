package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var (
	ErrQueueFull   = errors.New("automation queue is full")
	ErrQueueClosed = errors.New("automation queue is closed")
)

// Job asks a worker to sweep one project.
type Job struct {
	ID         string    `json:"id"`
	ProjectID  uint      `json:"project_id"`
	Event      EventKind `json:"event"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

func NewJob(projectID uint, event EventKind) Job {
	return Job{ID: uuid.NewString(), ProjectID: projectID, Event: event, EnqueuedAt: time.Now()}
}

// AutomationQueue carries project jobs from producers (API, ticker) to the
// worker pool.
type AutomationQueue interface {
	Enqueue(ctx context.Context, job Job) error
	// Dequeue blocks until a job is available or ctx is done.
	Dequeue(ctx context.Context) (Job, error)
	Len(ctx context.Context) (int, error)
	Close() error
}

// MemoryQueue 进程内缓冲队列
type MemoryQueue struct {
	jobs   chan Job
	done   chan struct{}
	closed sync.Once
}

func NewMemoryQueue(size int) *MemoryQueue {
	if size <= 0 {
		size = 256
	}
	return &MemoryQueue{jobs: make(chan Job, size), done: make(chan struct{})}
}

func (q *MemoryQueue) Enqueue(ctx context.Context, job Job) error {
	select {
	case <-q.done:
		return ErrQueueClosed
	default:
	}
	select {
	case q.jobs <- job:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return ErrQueueFull
	}
}

func (q *MemoryQueue) Dequeue(ctx context.Context) (Job, error) {
	select {
	case job := <-q.jobs:
		return job, nil
	case <-q.done:
		return Job{}, ErrQueueClosed
	case <-ctx.Done():
		return Job{}, ctx.Err()
	}
}

func (q *MemoryQueue) Len(context.Context) (int, error) { return len(q.jobs), nil }

func (q *MemoryQueue) Close() error {
	q.closed.Do(func() { close(q.done) })
	return nil
}

// RedisQueue stores jobs in a Redis list (LPUSH producers, BRPOP workers).
type RedisQueue struct {
	client      *redis.Client
	key         string
	pollTimeout time.Duration
}

func NewRedisQueue(client *redis.Client, key string) (*RedisQueue, error) {
	if client == nil {
		return nil, errors.New("automation queue: redis client is nil")
	}
	if key == "" {
		key = "planboard:automation:jobs"
	}
	return &RedisQueue{client: client, key: key, pollTimeout: time.Second}, nil
}

func (q *RedisQueue) Enqueue(ctx context.Context, job Job) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode job: %w", err)
	}
	if err := q.client.LPush(ctx, q.key, payload).Err(); err != nil {
		return fmt.Errorf("lpush %s: %w", q.key, err)
	}
	return nil
}

func (q *RedisQueue) Dequeue(ctx context.Context) (Job, error) {
	for {
		if err := ctx.Err(); err != nil {
			return Job{}, err
		}
		res, err := q.client.BRPop(ctx, q.pollTimeout, q.key).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return Job{}, ctx.Err()
			}
			if errors.Is(err, redis.ErrClosed) {
				return Job{}, ErrQueueClosed
			}
			return Job{}, fmt.Errorf("brpop %s: %w", q.key, err)
		}
		// res = [key, value]
		if len(res) != 2 {
			continue
		}
		var job Job
		if err := json.Unmarshal([]byte(res[1]), &job); err != nil {
			return Job{}, fmt.Errorf("decode job: %w", err)
		}
		return job, nil
	}
}

func (q *RedisQueue) Len(ctx context.Context) (int, error) {
	n, err := q.client.LLen(ctx, q.key).Result()
	return int(n), err
}

// Close is a no-op; the client is owned by the caller.
func (q *RedisQueue) Close() error { return nil }

// ProjectLocker guarantees one project is swept by at most one worker.
type ProjectLocker interface {
	// TryLock returns ok=false when the project is already held.
	TryLock(ctx context.Context, projectID uint) (release func(), ok bool, err error)
}

// MemoryLocker is a keyed in-process guard.
type MemoryLocker struct {
	mu   sync.Mutex
	held map[uint]struct{}
}

func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{held: make(map[uint]struct{})}
}

func (l *MemoryLocker) TryLock(_ context.Context, projectID uint) (func(), bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, busy := l.held[projectID]; busy {
		return nil, false, nil
	}
	l.held[projectID] = struct{}{}
	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.held, projectID)
			l.mu.Unlock()
		})
	}, true, nil
}

var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// RedisLocker holds a SET NX PX lock per project, shared by every process
// using the same Redis.
type RedisLocker struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func NewRedisLocker(client *redis.Client, prefix string, ttl time.Duration) *RedisLocker {
	if prefix == "" {
		prefix = "planboard:automation:lock:"
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &RedisLocker{client: client, prefix: prefix, ttl: ttl}
}

func (l *RedisLocker) key(projectID uint) string {
	return l.prefix + strconv.FormatUint(uint64(projectID), 10)
}

func (l *RedisLocker) TryLock(ctx context.Context, projectID uint) (func(), bool, error) {
	token := uuid.NewString()
	key := l.key(projectID)
	ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("lock project %d: %w", projectID, err)
	}
	if !ok {
		return nil, false, nil
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			// release with a fresh context so a cancelled job still unlocks
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = releaseScript.Run(ctx, l.client, []string{key}, token).Err()
		})
	}, true, nil
}
