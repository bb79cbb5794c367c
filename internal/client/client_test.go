package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-ops-approvals/internal/config"
	"github.com/pesio-ai/be-ops-approvals/internal/logger"
	"github.com/pesio-ai/be-ops-approvals/internal/repository"
	"github.com/pesio-ai/be-ops-approvals/internal/repository/memory"
)

func TestStaticDirectory(t *testing.T) {
	dir := NewStaticDirectory([]config.ApproverConfig{
		{ID: "manager-1", Name: "Maria Manager", Role: "Operations Manager"},
	})

	a, err := dir.Resolve(context.Background(), "manager-1")
	require.NoError(t, err)
	assert.Equal(t, "Maria Manager", a.Name)

	_, err = dir.Resolve(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrApproverNotFound)
}

func TestHTTPDirectory(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		switch r.URL.Path {
		case "/api/v1/approvers/finance-manager":
			_ = json.NewEncoder(w).Encode(Approver{ID: "finance-manager", Name: "Frank Finance", Role: "Finance Manager"})
		case "/api/v1/approvers/broken":
			w.WriteHeader(http.StatusBadGateway)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	dir := NewHTTPDirectory(HTTPDirectoryConfig{BaseURL: srv.URL + "/", Timeout: time.Second})
	ctx := context.Background()

	a, err := dir.Resolve(ctx, "finance-manager")
	require.NoError(t, err)
	assert.Equal(t, "Frank Finance", a.Name)
	assert.Equal(t, int32(1), calls.Load())

	calls.Store(0)
	_, err = dir.Resolve(ctx, "ghost")
	assert.ErrorIs(t, err, ErrApproverNotFound)
	assert.Equal(t, int32(1), calls.Load(), "not-found is not retried")

	calls.Store(0)
	_, err = dir.Resolve(ctx, "broken")
	require.Error(t, err)
	assert.Equal(t, int32(3), calls.Load(), "server errors are retried")
}

type fakeRedis struct {
	mu      sync.Mutex
	data    map[string]string
	readErr error
	sets    int
}

func (f *fakeRedis) Get(ctx context.Context, key string) *redis.StringCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.readErr != nil {
		return redis.NewStringResult("", f.readErr)
	}
	v, ok := f.data[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(v, nil)
}

func (f *fakeRedis) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sets++
	f.data[key] = string(value.([]byte))
	return redis.NewStatusResult("OK", nil)
}

type countingDirectory struct {
	calls int
	next  ApproverDirectory
}

func (c *countingDirectory) Resolve(ctx context.Context, id string) (*Approver, error) {
	c.calls++
	return c.next.Resolve(ctx, id)
}

func TestCachedDirectory(t *testing.T) {
	backing := &countingDirectory{next: NewStaticDirectory([]config.ApproverConfig{{ID: "manager-2", Name: "Mo Manager", Role: "Shift Lead"}})}
	rdb := &fakeRedis{data: map[string]string{}}
	dir := NewCachedDirectory(backing, rdb, time.Minute, logger.Nop())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		a, err := dir.Resolve(ctx, "manager-2")
		require.NoError(t, err)
		assert.Equal(t, "Shift Lead", a.Role)
	}
	assert.Equal(t, 1, backing.calls)
	assert.Equal(t, 1, rdb.sets)

	_, err := dir.Resolve(ctx, "ghost")
	assert.ErrorIs(t, err, ErrApproverNotFound)
}

func TestCachedDirectoryFallsThroughOnRedisError(t *testing.T) {
	backing := &countingDirectory{next: NewStaticDirectory([]config.ApproverConfig{{ID: "a", Name: "A"}})}
	rdb := &fakeRedis{data: map[string]string{}, readErr: errors.New("connection refused")}
	dir := NewCachedDirectory(backing, rdb, time.Minute, logger.Nop())

	a, err := dir.Resolve(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, "A", a.Name)
	assert.Equal(t, 1, backing.calls)
}

type fakePublisher struct {
	subjects []string
	payloads [][]byte
	err      error
}

func (f *fakePublisher) Publish(subject string, data []byte) error {
	f.subjects = append(f.subjects, subject)
	f.payloads = append(f.payloads, data)
	return f.err
}

func TestNotificationPublisher(t *testing.T) {
	pub := &fakePublisher{}
	p := NewNotificationPublisher(pub, "", zerolog.Nop())

	p.Dispatch(context.Background(), Notification{
		EventType:      EventStageAdvanced,
		WorkRequestID:  "wr-1",
		OrganizationID: "org-1",
		ActorID:        "manager-2",
		Recipients:     []string{"finance-manager"},
		Actionable:     true,
		Payload:        map[string]interface{}{"stage": 2},
	})
	// No recipients: skipped.
	p.Dispatch(context.Background(), Notification{EventType: EventApproved, WorkRequestID: "wr-1"})

	require.Len(t, pub.subjects, 1)
	assert.Equal(t, "notifications.ops.approval_stage_advanced", pub.subjects[0])

	var ev NotificationEvent
	require.NoError(t, json.Unmarshal(pub.payloads[0], &ev))
	assert.Equal(t, "work_request", ev.ResourceType)
	assert.Equal(t, "wr-1", ev.ResourceID)
	assert.Equal(t, []string{"finance-manager"}, ev.Recipients)
	assert.True(t, ev.IsActionable)
}

func TestNotificationPublisherSwallowsErrors(t *testing.T) {
	p := NewNotificationPublisher(&fakePublisher{err: errors.New("nats: connection closed")}, "x", zerolog.Nop())
	assert.NotPanics(t, func() {
		p.Dispatch(context.Background(), Notification{EventType: EventRejected, Recipients: []string{"u"}})
	})

	disabled := NewNotificationPublisher(nil, "x", zerolog.Nop())
	assert.NotPanics(t, func() {
		disabled.Dispatch(context.Background(), Notification{EventType: EventRejected, Recipients: []string{"u"}})
	})
}

func TestAuditWriterFlushesOnStop(t *testing.T) {
	store := memory.NewAuditLog()
	w := NewAuditWriter(store, AuditWriterConfig{BatchSize: 2, FlushInterval: time.Hour}, logger.Nop())
	w.Start()

	for _, action := range []string{"initialized", "approved", "approved"} {
		w.Record(&repository.AuditEntry{WorkRequestID: "wr-1", OrganizationID: "org-1", Action: action, PerformedBy: "u"})
	}
	w.Stop()

	entries, err := store.ListByWorkRequest(context.Background(), "wr-1", "org-1")
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, "initialized", entries[0].Action)
	assert.False(t, entries[0].PerformedAt.IsZero())

	w.Record(&repository.AuditEntry{WorkRequestID: "wr-1"})
	assert.Equal(t, int64(1), w.Dropped())
	w.Stop()
}
