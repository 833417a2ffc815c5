package cache

import (
	"context"
	"testing"
	"time"

	"github.com/classdues/internal/config"
)

func TestTryLockWithoutRedisAlwaysAcquires(t *testing.T) {
	if err := InitRedis(&config.RedisConfig{Enabled: false}); err != nil {
		t.Fatalf("init disabled redis failed: %v", err)
	}
	lock, ok, err := TryLock(context.Background(), "payment_sweep", time.Minute)
	if err != nil || !ok || lock == nil {
		t.Fatalf("expected lock without redis: ok=%v err=%v", ok, err)
	}
	if err := lock.Release(context.Background()); err != nil {
		t.Fatalf("release failed: %v", err)
	}
	if Client() != nil {
		t.Fatalf("client should be nil when redis disabled")
	}
}

func TestBuildKeyUsesPrefix(t *testing.T) {
	UseClient(nil, "classdues")
	t.Cleanup(func() { UseClient(nil, "cd") })
	if got := BuildKey("lock:sweep"); got != "classdues:lock:sweep" {
		t.Fatalf("unexpected key: %s", got)
	}
	if got := BuildKey("  "); got != "classdues" {
		t.Fatalf("unexpected empty key: %s", got)
	}
}
