package store

import (
	"context"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"

	"meshtrust/pkg/config"
)

func TestRedisTLSConfig(t *testing.T) {
	cfg, err := redisTLSConfig(config.RedisConfig{})
	if err != nil || cfg != nil {
		t.Fatalf("expected no tls config when disabled, got %v %v", cfg, err)
	}

	cfg, err = redisTLSConfig(config.RedisConfig{
		TLS:              true,
		TLSInsecure:      true,
		AllowInsecureTLS: true,
		TLSServerName:    "redis.internal",
	})
	if err != nil {
		t.Fatalf("unexpected tls config error: %v", err)
	}
	if !cfg.InsecureSkipVerify || cfg.ServerName != "redis.internal" {
		t.Fatalf("unexpected tls config %+v", cfg)
	}

	if _, err := redisTLSConfig(config.RedisConfig{TLS: true, TLSInsecure: true}); err == nil {
		t.Fatal("expected insecure tls guard error")
	}
	if _, err := redisTLSConfig(config.RedisConfig{TLS: true, CertFile: "/tmp/non-existent-cert.pem"}); err == nil {
		t.Fatal("expected cert/key mismatch error")
	}
	if _, err := redisTLSConfig(config.RedisConfig{TLS: true, CACertFile: "/tmp/non-existent-ca.pem"}); err == nil {
		t.Fatal("expected missing CA file error")
	}
}

func TestNewRedisRejectsInsecureWhenRequired(t *testing.T) {
	_, err := NewRedis(context.Background(), config.RedisConfig{Addr: "127.0.0.1:1", RequireTLS: true})
	if err == nil || !strings.Contains(err.Error(), "REDIS_REQUIRE_TLS") {
		t.Fatalf("expected REDIS_REQUIRE_TLS error, got %v", err)
	}
}

func TestNewRedis(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run: %v", err)
	}
	defer mr.Close()

	client, err := NewRedis(context.Background(), config.RedisConfig{Addr: mr.Addr()})
	if err != nil {
		t.Fatalf("expected redis client, got %v", err)
	}
	defer client.Close()
}
