package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/facebookincubator/go-belt/tool/logger"
	"github.com/redis/go-redis/v9"
)

const (
	queueKey = "audioghost:tasks"

	// results expire after 24h, like the files they point at
	statusTTL = 24 * time.Hour
)

// ErrNotFound is returned for task IDs Redis has never seen (or already
// expired).
var ErrNotFound = errors.New("task not found")

func statusKey(id string) string { return "audioghost:task:" + id }

func cancelKey(id string) string { return "audioghost:task:" + id + ":cancel" }

func eventsChannel(id string) string { return "audioghost:task:" + id + ":events" }

// Store is the Redis-backed queue and status store shared by the API
// server and the workers.
type Store struct {
	rdb *redis.Client
}

func NewStore(addr string) *Store {
	return &Store{
		rdb: redis.NewClient(&redis.Options{Addr: addr}),
	}
}

func (s *Store) Ping(ctx context.Context) error {
	if err := s.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("unable to reach Redis: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.rdb.Close()
}

// Enqueue persists the task and pushes its ID onto the work queue.
func (s *Store) Enqueue(ctx context.Context, t *Task) error {
	if err := s.Save(ctx, t); err != nil {
		return err
	}
	if err := s.rdb.LPush(ctx, queueKey, t.ID).Err(); err != nil {
		return fmt.Errorf("unable to enqueue task %q: %w", t.ID, err)
	}
	return nil
}

// Dequeue blocks up to timeout for the next task. A nil task with a nil
// error means the timeout elapsed.
func (s *Store) Dequeue(ctx context.Context, timeout time.Duration) (*Task, error) {
	reply, err := s.rdb.BRPop(ctx, timeout, queueKey).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("unable to pop the queue: %w", err)
	}
	if len(reply) != 2 {
		return nil, fmt.Errorf("unexpected BRPOP reply of %d elements", len(reply))
	}
	t, err := s.Get(ctx, reply[1])
	if errors.Is(err, ErrNotFound) {
		// the status document expired while the ID sat in the queue
		logger.Debugf(ctx, "dropping queued task %q without a status document", reply[1])
		return nil, nil
	}
	return t, err
}

func (s *Store) Get(ctx context.Context, id string) (*Task, error) {
	raw, err := s.rdb.Get(ctx, statusKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("unable to load task %q: %w", id, err)
	}
	var t Task
	if err := json.Unmarshal(raw, &t); err != nil {
		return nil, fmt.Errorf("unable to unmarshal task %q: %w", id, err)
	}
	return &t, nil
}

// Save persists the task document and publishes it to the task's event
// channel for live subscribers.
func (s *Store) Save(ctx context.Context, t *Task) error {
	t.UpdatedAt = time.Now().UTC()
	raw, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("unable to marshal task %q: %w", t.ID, err)
	}
	if err := s.rdb.Set(ctx, statusKey(t.ID), raw, statusTTL).Err(); err != nil {
		return fmt.Errorf("unable to save task %q: %w", t.ID, err)
	}
	if err := s.rdb.Publish(ctx, eventsChannel(t.ID), raw).Err(); err != nil {
		// live updates are best-effort, polling still works
		logger.Debugf(ctx, "unable to publish an update for task %q: %v", t.ID, err)
	}
	return nil
}

// SetProgress is a Save shortcut for worker milestones.
func (s *Store) SetProgress(ctx context.Context, t *Task, progress int, message string) error {
	t.Progress = progress
	t.Message = message
	return s.Save(ctx, t)
}

// Cancel marks the task for cancellation. A still-pending task is moved to
// the cancelled state right away; a processing one is left for the worker
// to notice between stages.
func (s *Store) Cancel(ctx context.Context, id string) error {
	t, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if t.State.Terminal() {
		return nil
	}
	if err := s.rdb.Set(ctx, cancelKey(id), "1", statusTTL).Err(); err != nil {
		return fmt.Errorf("unable to flag task %q for cancellation: %w", id, err)
	}
	if t.State == StatePending {
		t.State = StateCancelled
		t.Message = "Task cancelled"
		return s.Save(ctx, t)
	}
	return nil
}

// Cancelled reports whether the task was flagged for cancellation.
func (s *Store) Cancelled(ctx context.Context, id string) bool {
	n, err := s.rdb.Exists(ctx, cancelKey(id)).Result()
	if err != nil {
		logger.Debugf(ctx, "unable to check the cancellation flag of %q: %v", id, err)
		return false
	}
	return n > 0
}

// Subscribe delivers task snapshots as they are saved, until ctx ends.
func (s *Store) Subscribe(ctx context.Context, id string) (<-chan *Task, error) {
	pubsub := s.rdb.Subscribe(ctx, eventsChannel(id))
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("unable to subscribe to task %q: %w", id, err)
	}

	out := make(chan *Task)
	go func() {
		defer close(out)
		defer pubsub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-pubsub.Channel():
				if !ok {
					return
				}
				var t Task
				if err := json.Unmarshal([]byte(msg.Payload), &t); err != nil {
					logger.Debugf(ctx, "dropping a malformed update for task %q: %v", id, err)
					continue
				}
				select {
				case out <- &t:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}
