package ratelimit

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newRedisLimiter(t *testing.T) *RedisLimiter {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return NewRedisLimiter(rdb, "test")
}

func TestRedis_CheckMinuteBoundary(t *testing.T) {
	l := newRedisLimiter(t)
	ctx := context.Background()
	policy := Policy{RPM: 3, RPH: 100, Concurrent: 2}

	for i := 0; i < 3; i++ {
		d, err := l.Check(ctx, "k", policy)
		if err != nil {
			t.Fatal(err)
		}
		if !d.Allowed {
			t.Fatalf("call %d should pass: %+v", i+1, d)
		}
	}

	d, err := l.Check(ctx, "k", policy)
	if err != nil {
		t.Fatal(err)
	}
	if d.Allowed || d.Reason != ReasonMinuteLimit {
		t.Errorf("fourth call: %+v", d)
	}
}

func TestRedis_HourLimit(t *testing.T) {
	l := newRedisLimiter(t)
	ctx := context.Background()
	// Hour tighter than minute, so the hour window trips first.
	policy := Policy{RPM: 10, RPH: 2, Concurrent: 2}

	l.Check(ctx, "k", policy)
	l.Check(ctx, "k", policy)

	d, err := l.Check(ctx, "k", policy)
	if err != nil {
		t.Fatal(err)
	}
	if d.Allowed || d.Reason != ReasonHourLimit {
		t.Errorf("expected hour limit: %+v", d)
	}
}

func TestRedis_ConcurrentSlots(t *testing.T) {
	l := newRedisLimiter(t)
	ctx := context.Background()
	policy := Policy{RPM: 100, RPH: 1000, Concurrent: 1}

	if err := l.StartRequest(ctx, "k"); err != nil {
		t.Fatal(err)
	}

	d, err := l.Check(ctx, "k", policy)
	if err != nil {
		t.Fatal(err)
	}
	if d.Allowed || d.Reason != ReasonConcurrentLimit {
		t.Errorf("expected concurrent block: %+v", d)
	}

	if err := l.FinishRequest(ctx, "k"); err != nil {
		t.Fatal(err)
	}
	d, _ = l.Check(ctx, "k", policy)
	if !d.Allowed {
		t.Errorf("freed slot should admit: %+v", d)
	}
}

func TestRedis_FinishClampsAtZero(t *testing.T) {
	l := newRedisLimiter(t)
	ctx := context.Background()

	if err := l.FinishRequest(ctx, "k"); err != nil {
		t.Fatal(err)
	}
	st, err := l.Status(ctx, "k", Policy{})
	if err != nil {
		t.Fatal(err)
	}
	if st.Concurrent.Used != 0 {
		t.Errorf("concurrent used = %d", st.Concurrent.Used)
	}
}

func TestRedis_KeysAreIndependent(t *testing.T) {
	l := newRedisLimiter(t)
	ctx := context.Background()
	policy := Policy{RPM: 1, RPH: 10, Concurrent: 1}

	if d, _ := l.Check(ctx, "a", policy); !d.Allowed {
		t.Fatal("first call for a")
	}
	if d, _ := l.Check(ctx, "a", policy); d.Allowed {
		t.Fatal("a should be limited")
	}
	if d, _ := l.Check(ctx, "b", policy); !d.Allowed {
		t.Error("b must not share a's window")
	}
}

func TestRedis_Status(t *testing.T) {
	l := newRedisLimiter(t)
	ctx := context.Background()
	policy := Policy{RPM: 5, RPH: 50, Concurrent: 3}

	l.Check(ctx, "k", policy)
	l.Check(ctx, "k", policy)
	l.StartRequest(ctx, "k")

	st, err := l.Status(ctx, "k", policy)
	if err != nil {
		t.Fatal(err)
	}
	if st.PerMinute.Used != 2 || st.PerHour.Used != 2 {
		t.Errorf("window usage: %+v", st)
	}
	if st.Concurrent.Used != 1 {
		t.Errorf("concurrent used = %d", st.Concurrent.Used)
	}
}

func TestRedis_FailsOpenWhenDown(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()
	l := NewRedisLimiter(rdb, "test")
	mr.Close()

	d, err := l.Check(context.Background(), "k", Policy{RPM: 1})
	if err != nil {
		t.Fatalf("check must not error when redis is down: %v", err)
	}
	if !d.Allowed {
		t.Error("limiter must fail open when redis is unreachable")
	}
}
