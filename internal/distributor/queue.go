// Package distributor runs crawl tasks on remote workers through a Redis
// list, with per-worker admission control and retry of temporary failures.
package distributor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/JakeFAU/condor-spider/internal/spider"
)

// Task is one crawl request in flight on the queue.
type Task struct {
	ID         string              `json:"id"`
	Request    spider.CrawlRequest `json:"request"`
	Attempt    int                 `json:"attempt"`
	EnqueuedAt time.Time           `json:"enqueued_at"`
}

// Queue is the Redis transport shared by clients and workers. Tasks are
// LPUSHed and BRPOPed from one list; each task's result lands on its own
// short-lived list.
type Queue struct {
	client    goredis.UniversalClient
	name      string
	resultTTL time.Duration
}

// NewQueue wraps client. name is the task list key.
func NewQueue(client goredis.UniversalClient, name string, resultTTL time.Duration) (*Queue, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	if name == "" {
		name = "spider:tasks"
	}
	if resultTTL <= 0 {
		resultTTL = time.Hour
	}
	return &Queue{client: client, name: name, resultTTL: resultTTL}, nil
}

// Dial connects to the Redis server at url.
func Dial(url, name string, resultTTL time.Duration) (*Queue, error) {
	opts, err := goredis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return NewQueue(goredis.NewClient(opts), name, resultTTL)
}

// Close releases the Redis client.
func (q *Queue) Close() error {
	return q.client.Close()
}

func (q *Queue) resultKey(taskID string) string {
	return q.name + ":result:" + taskID
}

// Push enqueues task.
func (q *Queue) Push(ctx context.Context, task Task) error {
	payload, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("encode task: %w", err)
	}
	if err := q.client.LPush(ctx, q.name, payload).Err(); err != nil {
		return fmt.Errorf("push task %s: %w", task.ID, err)
	}
	return nil
}

// Pop waits up to timeout for a task. ok is false when none arrived.
func (q *Queue) Pop(ctx context.Context, timeout time.Duration) (Task, bool, error) {
	vals, err := q.client.BRPop(ctx, timeout, q.name).Result()
	if errors.Is(err, goredis.Nil) {
		return Task{}, false, nil
	}
	if err != nil {
		return Task{}, false, fmt.Errorf("pop task: %w", err)
	}
	var task Task
	if err := json.Unmarshal([]byte(vals[1]), &task); err != nil {
		return Task{}, false, fmt.Errorf("decode task: %w", err)
	}
	return task, true, nil
}

// Len returns the number of queued tasks.
func (q *Queue) Len(ctx context.Context) (int64, error) {
	n, err := q.client.LLen(ctx, q.name).Result()
	if err != nil {
		return 0, fmt.Errorf("queue length: %w", err)
	}
	return n, nil
}

// PublishResult hands a task's final result back to the waiting client.
func (q *Queue) PublishResult(ctx context.Context, taskID string, res spider.CrawlResult) error {
	payload, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	key := q.resultKey(taskID)
	pipe := q.client.TxPipeline()
	pipe.RPush(ctx, key, payload)
	pipe.Expire(ctx, key, q.resultTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("publish result %s: %w", taskID, err)
	}
	return nil
}

// AwaitResult waits up to timeout for taskID's result.
func (q *Queue) AwaitResult(ctx context.Context, taskID string, timeout time.Duration) (spider.CrawlResult, bool, error) {
	vals, err := q.client.BLPop(ctx, timeout, q.resultKey(taskID)).Result()
	if errors.Is(err, goredis.Nil) {
		return spider.CrawlResult{}, false, nil
	}
	if err != nil {
		return spider.CrawlResult{}, false, fmt.Errorf("await result %s: %w", taskID, err)
	}
	var res spider.CrawlResult
	if err := json.Unmarshal([]byte(vals[1]), &res); err != nil {
		return spider.CrawlResult{}, false, fmt.Errorf("decode result: %w", err)
	}
	return res, true, nil
}
