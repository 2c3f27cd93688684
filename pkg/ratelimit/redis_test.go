package ratelimit

import (
	"testing"
	"time"
)

func TestNewRedisDefaults(t *testing.T) {
	lim := NewRedis(nil, 0)
	if lim.Window != time.Minute {
		t.Fatalf("window: %v", lim.Window)
	}
	if lim.Prefix != "rl:" {
		t.Fatalf("prefix: %q", lim.Prefix)
	}
	if lim.Fallback == nil {
		t.Fatal("expected in-memory fallback")
	}
}

func TestRedisLimiterDegradesToFallback(t *testing.T) {
	lim := NewRedis(nil, time.Second)
	key := Key("8f1c", "chat")
	if d := lim.Allow(key, 1); !d.Allowed {
		t.Fatalf("first frame should pass: %+v", d)
	}
	if d := lim.Allow(key, 1); d.Allowed {
		t.Fatalf("fallback must still enforce the budget: %+v", d)
	}
}
