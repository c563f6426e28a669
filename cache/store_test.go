package cache

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type event struct {
	ID       int      `json:"id"`
	Title    string   `json:"title"`
	Venue    string   `json:"venue"`
	Tags     []string `json:"tags"`
	Capacity int      `json:"capacity"`
}

func TestKeyValueStore_RoundTrip(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	tests := []struct {
		name  string
		key   string
		value interface{}
		dest  func() interface{}
	}{
		{
			name:  "struct",
			key:   "event:123",
			value: &event{ID: 123, Title: "Opening Night", Venue: "Main Hall", Tags: []string{"music"}, Capacity: 500},
			dest:  func() interface{} { return &event{} },
		},
		{
			name:  "list page",
			key:   "events:published:page:2",
			value: &[]event{{ID: 1, Title: "A"}, {ID: 2, Title: "B"}},
			dest:  func() interface{} { return &[]event{} },
		},
		{
			name:  "map",
			key:   "user:profile:456",
			value: &map[string]interface{}{"name": "Ada", "admin": true},
			dest:  func() interface{} { return &map[string]interface{}{} },
		},
		{
			name:  "string",
			key:   "config:banner",
			value: strPtr("sold out"),
			dest:  func() interface{} { return new(string) },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.True(t, env.store.Set(ctx, tt.key, tt.value, time.Minute))

			dest := tt.dest()
			require.True(t, env.store.Get(ctx, tt.key, dest))
			assert.Equal(t, tt.value, dest)
		})
	}
}

func strPtr(s string) *string { return &s }

func TestKeyValueStore_Expiry(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	require.True(t, env.store.Set(ctx, "event:1", event{ID: 1}, 10*time.Second))
	assert.Equal(t, int64(10), env.store.TTL(ctx, "event:1"))

	env.mr.FastForward(9 * time.Second)
	var got event
	assert.True(t, env.store.Get(ctx, "event:1", &got))

	env.mr.FastForward(2 * time.Second)
	assert.False(t, env.store.Get(ctx, "event:1", &got))
	assert.Equal(t, int64(-2), env.store.TTL(ctx, "event:1"))
}

func TestKeyValueStore_DefaultTTL(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	require.True(t, env.store.Set(ctx, "event:1", event{ID: 1}, 0))
	assert.Equal(t, int64(30*60), env.store.TTL(ctx, "event:1"), "no entry is written without a TTL")

	env.mr.Set("test:manual", `"x"`)
	assert.Equal(t, int64(-1), env.store.TTL(ctx, "manual"))
}

func TestKeyValueStore_Namespace(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	require.True(t, env.store.Set(ctx, "event:1", "a", time.Minute))
	assert.True(t, env.mr.Exists("test:event:1"))
	assert.False(t, env.mr.Exists("event:1"))

	// Same logical key in another environment
	env.mr.Set("prod:event:1", `"b"`)
	var got string
	require.True(t, env.store.Get(ctx, "event:1", &got))
	assert.Equal(t, "a", got)

	assert.Equal(t, []string{"event:1"}, env.store.Keys(ctx, "event:*"))
}

func TestKeyValueStore_DelExistsExpire(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	assert.False(t, env.store.Exists(ctx, "event:1"))
	assert.False(t, env.store.Del(ctx, "event:1"))
	assert.False(t, env.store.Expire(ctx, "event:1", time.Minute))

	require.True(t, env.store.Set(ctx, "event:1", 1, time.Minute))
	assert.True(t, env.store.Exists(ctx, "event:1"))

	assert.True(t, env.store.Expire(ctx, "event:1", 5*time.Second))
	assert.Equal(t, int64(5), env.store.TTL(ctx, "event:1"))
	assert.False(t, env.store.Expire(ctx, "event:1", 0))

	assert.True(t, env.store.Del(ctx, "event:1"))
	assert.False(t, env.store.Exists(ctx, "event:1"))
}

func TestKeyValueStore_InvalidInput(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	assert.False(t, env.store.Set(ctx, "", 1, time.Minute))
	assert.False(t, env.store.Set(ctx, "bad key", 1, time.Minute))
	assert.False(t, env.store.Set(ctx, "event:1", make(chan int), time.Minute), "unserializable value")

	big := strings.Repeat("x", 1024*1024)
	assert.False(t, env.store.Set(ctx, "event:big", big, time.Minute), "oversized value")
	assert.False(t, env.mr.Exists("test:event:big"))

	assert.Nil(t, env.store.Keys(ctx, ""))
}

func TestKeyValueStore_CorruptedEntrySelfHeals(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.mr.Set("test:event:9", "{not json")

	var got event
	assert.False(t, env.store.Get(ctx, "event:9", &got))
	assert.False(t, env.store.Exists(ctx, "event:9"))
	assert.NotZero(t, env.logs.FilterMessage("purging corrupted cache entry").Len())

	// Valid JSON of the wrong shape is purged as well
	env.mr.Set("test:event:10", `"just a string"`)
	assert.False(t, env.store.Get(ctx, "event:10", &got))
	assert.False(t, env.store.Exists(ctx, "event:10"))

	env.mr.Set("test:event:11", "\x00\x01")
	raw, ok := env.store.GetRaw(ctx, "event:11")
	assert.False(t, ok)
	assert.Nil(t, raw)
	assert.False(t, env.mr.Exists("test:event:11"))
}

func TestKeyValueStore_Batch(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	require.True(t, env.store.MSet(ctx, map[string]interface{}{
		"event:1": event{ID: 1},
		"event:2": event{ID: 2},
	}, time.Minute))
	env.mr.Set("test:event:3", "corrupt")

	got := env.store.MGet(ctx, []string{"event:1", "event:2", "event:3", "event:4"})
	require.Len(t, got, 4)
	assert.JSONEq(t, `{"id":1,"title":"","venue":"","tags":null,"capacity":0}`, string(got["event:1"]))
	assert.NotNil(t, got["event:2"])
	assert.Nil(t, got["event:3"])
	assert.Nil(t, got["event:4"])
	assert.False(t, env.mr.Exists("test:event:3"), "corrupt entries found by MGet are purged")

	ttl := env.mr.TTL("test:event:2")
	assert.Equal(t, time.Minute, ttl)

	assert.Equal(t, int64(2), env.store.MDel(ctx, []string{"event:1", "event:2", "event:4"}))
	assert.Equal(t, int64(0), env.store.MDel(ctx, []string{"event:1"}))
	assert.Equal(t, int64(0), env.store.MDel(ctx, nil))

	assert.False(t, env.store.MSet(ctx, map[string]interface{}{"ok:1": 1, "bad key": 2}, time.Minute))
	assert.False(t, env.mr.Exists("test:ok:1"), "nothing is written when one entry is rejected")
	assert.False(t, env.store.MSet(ctx, nil, time.Minute))
}

func TestKeyValueStore_DeletePatternIdempotent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	for i := 1; i <= 250; i++ {
		require.True(t, env.store.Set(ctx, "events:published:page:"+strconv.Itoa(i), []int{i}, time.Minute))
	}

	assert.Equal(t, int64(250), env.store.DeletePattern(ctx, "events:*"))
	assert.Equal(t, int64(0), env.store.DeletePattern(ctx, "events:*"))
	assert.Empty(t, env.store.Keys(ctx, "events:*"))
}

func TestKeyValueStore_DeletePatternIsolation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	require.True(t, env.store.Set(ctx, "events:published:page:1", 1, time.Minute))
	require.True(t, env.store.Set(ctx, "events:featured", 2, time.Minute))
	require.True(t, env.store.Set(ctx, "event:1", 3, time.Minute))
	require.True(t, env.store.Set(ctx, "user:profile:1", 4, time.Minute))
	env.mr.Set("prod:events:published:page:1", "1")

	assert.Equal(t, int64(2), env.store.DeletePattern(ctx, "events:*"))

	assert.True(t, env.store.Exists(ctx, "user:profile:1"))
	assert.True(t, env.store.Exists(ctx, "event:1"))
	assert.True(t, env.mr.Exists("prod:events:published:page:1"), "other namespaces are untouched")
}

func TestKeyValueStore_Sets(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	require.True(t, env.store.SetAdd(ctx, "sessions:user:u1", "a", 10*time.Second))
	require.True(t, env.store.SetAdd(ctx, "sessions:user:u1", "b", 5*time.Second))
	assert.Equal(t, 10*time.Second, env.mr.TTL("test:sessions:user:u1"), "a shorter ttl never lowers the expiry")

	require.True(t, env.store.SetAdd(ctx, "sessions:user:u1", "c", time.Minute))
	assert.Equal(t, time.Minute, env.mr.TTL("test:sessions:user:u1"))

	assert.ElementsMatch(t, []string{"a", "b", "c"}, env.store.SetMembers(ctx, "sessions:user:u1"))
	assert.Equal(t, int64(3), env.store.SetCard(ctx, "sessions:user:u1"))

	assert.True(t, env.store.SetRemove(ctx, "sessions:user:u1", "a"))
	assert.False(t, env.store.SetRemove(ctx, "sessions:user:u1", "a"))
	assert.True(t, env.store.SetRemove(ctx, "sessions:user:u1", "b"))
	assert.True(t, env.store.SetRemove(ctx, "sessions:user:u1", "c"))
	assert.False(t, env.mr.Exists("test:sessions:user:u1"), "an empty set is deleted")
}

func TestKeyValueStore_ExtendTTL(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	assert.False(t, env.store.ExtendTTL(ctx, "event:1", time.Minute), "missing keys are not created")
	assert.False(t, env.mr.Exists("test:event:1"))

	require.True(t, env.store.Set(ctx, "event:1", 1, 10*time.Second))
	assert.True(t, env.store.ExtendTTL(ctx, "event:1", time.Minute))
	assert.Equal(t, time.Minute, env.mr.TTL("test:event:1"))

	assert.True(t, env.store.ExtendTTL(ctx, "event:1", time.Second))
	assert.Equal(t, time.Minute, env.mr.TTL("test:event:1"), "never shortened")
}

func TestKeyValueStore_Replace(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	assert.False(t, env.store.Replace(ctx, "event:1", event{ID: 1}), "missing keys are not created")
	assert.False(t, env.mr.Exists("test:event:1"))

	require.True(t, env.store.Set(ctx, "event:1", event{ID: 1, Title: "Before"}, 90*time.Second))
	require.True(t, env.store.Replace(ctx, "event:1", event{ID: 1, Title: "After"}))

	var got event
	require.True(t, env.store.Get(ctx, "event:1", &got))
	assert.Equal(t, "After", got.Title)
	assert.Equal(t, 90*time.Second, env.mr.TTL("test:event:1"), "the expiry is kept")
}

func TestKeyValueStore_GetOrLoad(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	loads := 0
	loader := func(context.Context) (interface{}, error) {
		loads++
		return event{ID: 7, Title: "Loaded"}, nil
	}

	var got event
	require.NoError(t, env.store.GetOrLoad(ctx, "event:7", &got, time.Minute, loader))
	assert.Equal(t, "Loaded", got.Title)

	got = event{}
	require.NoError(t, env.store.GetOrLoad(ctx, "event:7", &got, time.Minute, loader))
	assert.Equal(t, "Loaded", got.Title)
	assert.Equal(t, 1, loads, "second call is served from the cache")

	errSource := errors.New("source of truth unavailable")
	err := env.store.GetOrLoad(ctx, "event:8", &got, time.Minute, func(context.Context) (interface{}, error) {
		return nil, errSource
	})
	assert.ErrorIs(t, err, errSource)
}

func TestKeyValueStore_RecordsMetrics(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	var got int
	require.True(t, env.store.Set(ctx, "event:1", 1, time.Minute))
	require.True(t, env.store.Get(ctx, "event:1", &got))
	require.True(t, env.store.Get(ctx, "event:1", &got))
	require.False(t, env.store.Get(ctx, "event:2", &got))

	m := env.metrics.GetMetrics()
	assert.Equal(t, int64(2), m.Overall.Hits)
	assert.Equal(t, int64(1), m.Overall.Misses)
	assert.Equal(t, int64(4), m.Overall.Operations)
	assert.InDelta(t, 66.67, m.Overall.HitRate, 0.01)

	require.Contains(t, m.ByPattern, "event:*")
	assert.Equal(t, int64(4), m.ByPattern["event:*"].Operations)
}

func TestKeyValueStore_SlowOperations(t *testing.T) {
	env := newTestEnv(t, func(c *Config) {
		c.SlowOperationThreshold = 0
	})
	ctx := context.Background()

	require.True(t, env.store.Set(ctx, "event:1", 1, time.Minute))
	assert.Equal(t, int64(1), env.metrics.GetMetrics().Overall.SlowOperations)
	assert.Equal(t, 1, env.logs.FilterMessage("slow cache operation").Len())
}

func TestKeyValueStore_FallbackContinuity(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	require.True(t, env.store.Set(ctx, "event:1", event{ID: 1}, time.Minute))
	env.breakStore(t)

	var got event
	assert.NotPanics(t, func() {
		assert.False(t, env.store.Get(ctx, "event:1", &got))
		assert.False(t, env.store.Set(ctx, "event:2", event{ID: 2}, time.Minute))
		assert.False(t, env.store.Del(ctx, "event:1"))
		assert.False(t, env.store.Exists(ctx, "event:1"))
		assert.Equal(t, int64(-2), env.store.TTL(ctx, "event:1"))
		assert.Equal(t, int64(0), env.store.DeletePattern(ctx, "events:*"))
		assert.Nil(t, env.store.Keys(ctx, "*"))
		assert.Nil(t, env.store.MGet(ctx, []string{"event:1"})["event:1"])
		assert.False(t, env.store.MSet(ctx, map[string]interface{}{"event:3": 3}, time.Minute))
		assert.Equal(t, int64(0), env.store.MDel(ctx, []string{"event:1"}))
	})

	env.restoreStore(t)

	require.True(t, env.store.Get(ctx, "event:1", &got), "entries written before the outage are served again")
	assert.Equal(t, 1, got.ID)
	assert.True(t, env.store.Set(ctx, "event:2", event{ID: 2}, time.Minute))
}

func TestKeyValueStore_FailureMovesToFallback(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	// No health check and no explicit report: the failing command itself
	// must push the connection into fallback
	env.mr.Close()

	var got event
	assert.False(t, env.store.Get(ctx, "event:1", &got))
	assert.NotEqual(t, StateReady, env.conn.State())
	assert.Equal(t, int64(1), env.metrics.GetMetrics().Overall.Errors)

	env.restoreStore(t)
	assert.True(t, env.store.Set(ctx, "event:1", event{ID: 1}, time.Minute))
}

func TestKeyValueStore_RawJSON(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	require.True(t, env.store.Set(ctx, "event:1", json.RawMessage(`{"id":1}`), time.Minute))
	raw, ok := env.store.GetRaw(ctx, "event:1")
	require.True(t, ok)
	assert.JSONEq(t, `{"id":1}`, string(raw))
}

func TestKeyValueStore_MGetPartialFailure(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	require.True(t, env.store.Set(ctx, "event:1", event{ID: 1}, time.Minute))
	require.True(t, env.store.Set(ctx, "event:3", event{ID: 3}, time.Minute))
	// GET on a set fails with WRONGTYPE
	_, err := env.mr.SetAdd("test:event:2", "member")
	require.NoError(t, err)

	got := env.store.MGet(ctx, []string{"event:1", "event:2", "event:3", "event:4"})
	require.Len(t, got, 4)
	assert.NotNil(t, got["event:1"])
	assert.Nil(t, got["event:2"])
	assert.NotNil(t, got["event:3"], "replies after the failed command are kept")
	assert.Nil(t, got["event:4"])

	m := env.metrics.GetMetrics().Overall
	assert.Equal(t, int64(1), m.Errors)
	assert.Equal(t, StateReady, env.conn.State())
}

func TestKeyValueStore_CallerContextKeepsConnection(t *testing.T) {
	env := newTestEnv(t)

	expired, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel()
	cancelled, stop := context.WithCancel(context.Background())
	stop()

	for name, ctx := range map[string]context.Context{"expired": expired, "cancelled": cancelled} {
		t.Run(name, func(t *testing.T) {
			var got event
			assert.False(t, env.store.Get(ctx, "event:1", &got))
			assert.False(t, env.store.Set(ctx, "event:1", event{ID: 1}, time.Minute))
			assert.Nil(t, env.store.MGet(ctx, []string{"event:1"})["event:1"])
			assert.Equal(t, StatusHealthy, env.store.Health(ctx).Status)
			assert.Equal(t, StateReady, env.conn.State(), "the caller's context says nothing about the store")

			assert.True(t, env.store.Set(context.Background(), "event:1", event{ID: 1}, time.Minute))
		})
	}
	assert.Zero(t, env.logs.FilterMessage("cache operation failed, store unreachable").Len())
}
