package authchain

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestBuildRequiresRedis(t *testing.T) {
	_, err := New().WithConfig(testConfig(Slot{Methods: []string{MethodTOTP}})).Build()
	if err == nil {
		t.Fatal("expected error without redis client")
	}
}

func TestBuildRequiresSenderForEmailCode(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	_, err := New().
		WithConfig(testConfig(Slot{Methods: []string{MethodEmailCode}})).
		WithRedis(client).
		Build()
	if err == nil {
		t.Fatal("expected error for email-code without sender")
	}
}

func TestBuildRequiresVerifierForSecurityKey(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	_, err := New().
		WithConfig(testConfig(Slot{Methods: []string{MethodSecurityKey}})).
		WithRedis(client).
		Build()
	if err == nil {
		t.Fatal("expected error for security-key without verifier")
	}
}

func TestBuilderSingleUse(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	b := New().
		WithConfig(testConfig(Slot{Methods: []string{MethodTOTP}})).
		WithRedis(client).
		WithClock(func() time.Time { return testNow })
	if _, err := b.Build(); err != nil {
		t.Fatalf("first build: %v", err)
	}
	if _, err := b.Build(); err == nil {
		t.Fatal("expected error on second build")
	}
}

func TestBuildRegistersConfiguredMethods(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	engine, err := New().
		WithConfig(testConfig(Slot{Methods: []string{MethodTOTP, MethodRecoveryCodes}})).
		WithRedis(client).
		WithSender(&captureSender{}).
		Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	types := engine.Registry().Types()
	want := map[string]bool{MethodTOTP: true, MethodRecoveryCodes: true, MethodEmailCode: true}
	if len(types) != len(want) {
		t.Fatalf("registered types = %v", types)
	}
	for _, typ := range types {
		if !want[typ] {
			t.Fatalf("unexpected registered type %q", typ)
		}
	}
}
