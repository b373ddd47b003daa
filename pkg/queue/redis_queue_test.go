package queue

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestQueue(t *testing.T, maxRetries int) *RedisReplayQueue {
	t.Helper()
	redisSrv := miniredis.RunT(t)
	q, err := NewRedisReplayQueue(RedisQueueConfig{
		Addr:       redisSrv.Addr(),
		Stream:     "test:replay",
		Group:      "test-group",
		Consumer:   "consumer",
		Block:      20 * time.Millisecond,
		RetryDelay: time.Millisecond,
		MaxRetries: maxRetries,
	})
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}
	t.Cleanup(func() { _ = q.Close() })
	return q
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met before deadline")
}

func TestReplayQueueDeliversJobsEnqueuedBeforeStart(t *testing.T) {
	q := newTestQueue(t, 3)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	job, err := q.Enqueue(ctx, "booking", "u1", []byte(`{"id":"b1"}`))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if n, err := q.Pending(ctx); err != nil || n != 1 {
		t.Fatalf("pending = %d err=%v, want 1", n, err)
	}

	got := make(chan ReplayJob, 1)
	q.Start(ctx, 1, func(_ context.Context, j ReplayJob) error {
		got <- j
		return nil
	})

	select {
	case j := <-got:
		if j.ID != job.ID || j.Kind != "booking" || j.UserID != "u1" || string(j.Payload) != `{"id":"b1"}` {
			t.Fatalf("unexpected job delivered: %+v", j)
		}
		if j.Attempts != 1 {
			t.Fatalf("attempts = %d, want 1", j.Attempts)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("job was not delivered")
	}

	waitFor(t, func() bool {
		stored, ok, err := q.GetJob(ctx, job.ID)
		return err == nil && ok && stored.Status == StatusDone
	})
	waitFor(t, func() bool {
		n, err := q.Pending(ctx)
		return err == nil && n == 0
	})
}

func TestReplayQueueRetriesThenFails(t *testing.T) {
	q := newTestQueue(t, 2)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	job, err := q.Enqueue(ctx, "coins", "u1", []byte(`{"balance":406}`))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	var calls atomic.Int32
	q.Start(ctx, 1, func(context.Context, ReplayJob) error {
		calls.Add(1)
		return errors.New("remote still down")
	})

	waitFor(t, func() bool {
		stored, ok, err := q.GetJob(ctx, job.ID)
		return err == nil && ok && stored.Status == StatusFailed
	})
	if calls.Load() != 2 {
		t.Fatalf("handler calls = %d, want 2", calls.Load())
	}
	stored, _, _ := q.GetJob(ctx, job.ID)
	if stored.ErrorMessage != "remote still down" || stored.Attempts != 2 {
		t.Fatalf("unexpected failed job: %+v", stored)
	}
}

func TestReplayQueueRequeueAndAck(t *testing.T) {
	q := newTestQueue(t, 3)
	ctx := context.Background()

	job, err := q.Enqueue(ctx, "message", "u1", []byte(`{}`))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.group,
		Consumer: "consumer-1",
		Streams:  []string{q.stream, ">"},
		Count:    1,
		Block:    0,
	}).Result()
	if err != nil || len(streams) != 1 || len(streams[0].Messages) != 1 {
		t.Fatalf("readgroup: %+v err=%v", streams, err)
	}
	msgID := streams[0].Messages[0].ID

	canceled, cancel := context.WithCancel(ctx)
	cancel()
	if err := q.requeueAndAck(canceled, msgID, job); err == nil {
		t.Fatalf("expected requeueAndAck to fail on canceled context")
	}
	pending, err := q.client.XPending(ctx, q.stream, q.group).Result()
	if err != nil || pending.Count != 1 {
		t.Fatalf("expected original message to remain pending, got %+v err=%v", pending, err)
	}

	if err := q.requeueAndAck(ctx, msgID, job); err != nil {
		t.Fatalf("requeue and ack: %v", err)
	}
	pending, err = q.client.XPending(ctx, q.stream, q.group).Result()
	if err != nil || pending.Count != 0 {
		t.Fatalf("expected no pending messages, got %+v err=%v", pending, err)
	}
	if n, _ := q.Pending(ctx); n != 1 {
		t.Fatalf("expected requeued entry in stream, got %d", n)
	}
}

func TestEnqueueRequiresKind(t *testing.T) {
	q := newTestQueue(t, 1)
	if _, err := q.Enqueue(context.Background(), " ", "u1", nil); err == nil {
		t.Fatalf("expected error for empty kind")
	}
}
