package store

import "testing"

func TestRedisOptionsFromEnv(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		for _, k := range []string{"REDIS_URL", "REDIS_ADDR", "REDIS_PASSWORD", "REDIS_DB", "REDIS_TLS", "REDIS_REQUIRE_TLS"} {
			t.Setenv(k, "")
		}
		opts, err := redisOptionsFromEnv()
		if err != nil {
			t.Fatalf("options: %v", err)
		}
		if opts.Addr != "localhost:6379" || opts.DB != 0 || opts.TLSConfig != nil {
			t.Fatalf("unexpected defaults: %+v", opts)
		}
	})

	t.Run("url wins", func(t *testing.T) {
		t.Setenv("REDIS_URL", "redis://:hunter2@cache.internal:6380/3")
		t.Setenv("REDIS_ADDR", "ignored:1")
		opts, err := redisOptionsFromEnv()
		if err != nil {
			t.Fatalf("options: %v", err)
		}
		if opts.Addr != "cache.internal:6380" || opts.DB != 3 || opts.Password != "hunter2" {
			t.Fatalf("url not honored: %+v", opts)
		}
	})

	t.Run("bad url", func(t *testing.T) {
		t.Setenv("REDIS_URL", "://nope")
		if _, err := redisOptionsFromEnv(); err == nil {
			t.Fatal("expected parse error")
		}
	})

	t.Run("require tls without tls", func(t *testing.T) {
		t.Setenv("REDIS_REQUIRE_TLS", "true")
		if _, err := redisOptionsFromEnv(); err == nil {
			t.Fatal("expected error when TLS required but disabled")
		}
	})

	t.Run("insecure needs explicit override", func(t *testing.T) {
		t.Setenv("REDIS_TLS", "true")
		t.Setenv("REDIS_TLS_INSECURE", "true")
		if _, err := redisOptionsFromEnv(); err == nil {
			t.Fatal("expected error without REDIS_ALLOW_INSECURE_TLS")
		}
		t.Setenv("REDIS_ALLOW_INSECURE_TLS", "true")
		opts, err := redisOptionsFromEnv()
		if err != nil {
			t.Fatalf("options: %v", err)
		}
		if opts.TLSConfig == nil || !opts.TLSConfig.InsecureSkipVerify {
			t.Fatalf("expected insecure TLS config, got %+v", opts.TLSConfig)
		}
	})
}
