package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type greet struct {
	Name string `json:"name"`
}

func TestTopicName(t *testing.T) {
	assert.Equal(t, "keel.worker", TopicName("keel", TopicWorker))
	assert.Equal(t, "deployer", TopicName("", TopicDeployer))
}

func TestCastAndServe(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tr := NewMemoryTransport(8)
	caster := NewCaster(tr, "keel")
	srv := NewServer(tr, "keel", TopicWorker, nil)

	got := make(chan string, 2)
	require.NoError(t, Handle(srv, "greet", func(_ context.Context, g greet) error {
		got <- g.Name
		return nil
	}))
	go srv.Serve(ctx)

	require.NoError(t, caster.Cast(ctx, TopicWorker, "greet", greet{Name: "ada"}))
	require.NoError(t, caster.Cast(ctx, TopicWorker, "greet", greet{Name: "grace"}))

	for _, want := range []string{"ada", "grace"} {
		select {
		case name := <-got:
			assert.Equal(t, want, name)
		case <-time.After(2 * time.Second):
			t.Fatal("message not delivered")
		}
	}
}

func TestRegisterDuplicate(t *testing.T) {
	srv := NewServer(NewMemoryTransport(1), "", TopicConductor, nil)
	noop := func(context.Context, json.RawMessage) error { return nil }
	require.NoError(t, srv.Register("update_image", noop))
	assert.Error(t, srv.Register("update_image", noop))
}

func TestDispatchSwallowsFailures(t *testing.T) {
	srv := NewServer(NewMemoryTransport(1), "", TopicConductor, nil)
	calls := 0
	require.NoError(t, srv.Register("boom", func(context.Context, json.RawMessage) error {
		calls++
		return errors.New("handler exploded")
	}))

	ctx := context.Background()
	assert.NoError(t, srv.Dispatch(ctx, Message{ID: "1", Method: "boom"}))
	assert.NoError(t, srv.Dispatch(ctx, Message{ID: "2", Method: "missing"}))
	assert.Equal(t, 1, calls)
}

func TestHandleBadArgs(t *testing.T) {
	srv := NewServer(NewMemoryTransport(1), "", TopicWorker, nil)
	called := false
	require.NoError(t, Handle(srv, "greet", func(context.Context, greet) error {
		called = true
		return nil
	}))
	assert.NoError(t, srv.Dispatch(context.Background(), Message{Method: "greet", Args: json.RawMessage(`[1,2`)}))
	assert.False(t, called)
}

func TestMemoryTransportClosed(t *testing.T) {
	tr := NewMemoryTransport(1)
	require.NoError(t, tr.Close())
	require.NoError(t, tr.Close())
	err := tr.Publish(context.Background(), "t", Message{})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestMemoryTransportPublishRespectsContext(t *testing.T) {
	tr := NewMemoryTransport(1)
	require.NoError(t, tr.Publish(context.Background(), "t", Message{ID: "1"}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := tr.Publish(ctx, "t", Message{ID: "2"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, tr.Pending("t"))
}

func redisClient(t *testing.T) *redis.Client {
	t.Helper()
	addr := os.Getenv("KEEL_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("KEEL_TEST_REDIS_ADDR not set")
	}
	c := redis.NewClient(&redis.Options{Addr: addr})
	if err := c.Ping(context.Background()).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestRedisTransport(t *testing.T) {
	client := redisClient(t)
	topic := "test." + time.Now().Format("150405.000000")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	t.Cleanup(func() { client.Del(context.Background(), queueKey(topic), processingKey(topic)) })

	tr := NewRedisTransportWithClient(client, nil)
	tr.pollTimeout = 100 * time.Millisecond

	var mu sync.Mutex
	var seen []string
	done := make(chan struct{})
	go tr.Consume(ctx, topic, func(_ context.Context, m Message) error {
		mu.Lock()
		seen = append(seen, m.ID)
		n := len(seen)
		mu.Unlock()
		if n == 2 {
			close(done)
		}
		return nil
	})

	require.NoError(t, tr.Publish(ctx, topic, Message{ID: "a", Method: "m"}))
	require.NoError(t, tr.Publish(ctx, topic, Message{ID: "b", Method: "m"}))

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("messages not consumed")
	}
	mu.Lock()
	assert.Equal(t, []string{"a", "b"}, seen)
	mu.Unlock()

	require.Eventually(t, func() bool {
		n, _ := client.LLen(context.Background(), processingKey(topic)).Result()
		return n == 0
	}, 2*time.Second, 20*time.Millisecond)
}

func TestRedisTransportRequeuesUnacked(t *testing.T) {
	client := redisClient(t)
	topic := "requeue." + time.Now().Format("150405.000000")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	t.Cleanup(func() { client.Del(context.Background(), queueKey(topic), processingKey(topic)) })

	raw, err := json.Marshal(Message{ID: "stranded", Method: "m"})
	require.NoError(t, err)
	require.NoError(t, client.LPush(ctx, processingKey(topic), raw).Err())

	tr := NewRedisTransportWithClient(client, nil)
	tr.pollTimeout = 100 * time.Millisecond

	got := make(chan string, 1)
	go tr.Consume(ctx, topic, func(_ context.Context, m Message) error {
		got <- m.ID
		return nil
	})

	select {
	case id := <-got:
		assert.Equal(t, "stranded", id)
	case <-time.After(5 * time.Second):
		t.Fatal("stranded message not redelivered")
	}
}
