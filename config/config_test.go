package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Port != "8080" {
		t.Errorf("Port = %q, want 8080", cfg.Port)
	}
	if cfg.PingPeriod != 54*time.Second {
		t.Errorf("PingPeriod = %s, want 54s", cfg.PingPeriod)
	}
	if cfg.PongWait <= cfg.PingPeriod {
		t.Error("PongWait must exceed PingPeriod or idle connections die")
	}
	if cfg.AccessTTL >= cfg.RefreshTTL {
		t.Error("access tokens must be shorter-lived than refresh tokens")
	}
	if cfg.RoomIdleTimeout != 0 {
		t.Errorf("RoomIdleTimeout = %s, want disabled by default", cfg.RoomIdleTimeout)
	}
	if len(cfg.AllowedOrigins) == 0 {
		t.Error("AllowedOrigins is empty")
	}
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("ROOM_IDLE_TIMEOUT", "2m")
	t.Setenv("REDIS_HOST", "redis.internal")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Port != "9090" {
		t.Errorf("Port = %q, want 9090", cfg.Port)
	}
	if cfg.RoomIdleTimeout != 2*time.Minute {
		t.Errorf("RoomIdleTimeout = %s, want 2m", cfg.RoomIdleTimeout)
	}
	if cfg.Redis.Host != "redis.internal" {
		t.Errorf("Redis.Host = %q, want redis.internal", cfg.Redis.Host)
	}
}
