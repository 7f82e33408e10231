package main

import (
	"os"
	"testing"
	"time"
)

func TestIntEnvParsesValue(t *testing.T) {
	t.Setenv("ANNOSHARE_TEST_INT", "42")
	got := intEnv("ANNOSHARE_TEST_INT", 7)
	if got != 42 {
		t.Fatalf("expected 42, got %d", got)
	}
}

func TestIntEnvFallsBackOnInvalidValue(t *testing.T) {
	t.Setenv("ANNOSHARE_TEST_INT_BAD", "not-a-number")
	got := intEnv("ANNOSHARE_TEST_INT_BAD", 7)
	if got != 7 {
		t.Fatalf("expected fallback 7, got %d", got)
	}
}

func TestInt64EnvParsesValue(t *testing.T) {
	t.Setenv("ANNOSHARE_TEST_INT64", "33554432")
	if got := int64Env("ANNOSHARE_TEST_INT64", 0); got != 32<<20 {
		t.Fatalf("expected 32MiB, got %d", got)
	}
}

func TestDurationEnvFallsBackOnInvalidValue(t *testing.T) {
	t.Setenv("ANNOSHARE_TEST_DURATION_BAD", "soon")
	got := durationEnv("ANNOSHARE_TEST_DURATION_BAD", 2*time.Second)
	if got != 2*time.Second {
		t.Fatalf("expected fallback 2s, got %s", got)
	}
}

func TestBoolEnv(t *testing.T) {
	t.Setenv("ANNOSHARE_TEST_BOOL", "true")
	if !boolEnv("ANNOSHARE_TEST_BOOL", false) {
		t.Fatalf("expected true")
	}
	t.Setenv("ANNOSHARE_TEST_BOOL", "maybe")
	if boolEnv("ANNOSHARE_TEST_BOOL", false) {
		t.Fatalf("expected fallback false")
	}
}

func TestEnvHelpersUseFallbackWhenUnset(t *testing.T) {
	_ = os.Unsetenv("ANNOSHARE_TEST_INT_UNSET")
	_ = os.Unsetenv("ANNOSHARE_TEST_ADDR_UNSET")

	if got := intEnv("ANNOSHARE_TEST_INT_UNSET", 9); got != 9 {
		t.Fatalf("expected fallback 9, got %d", got)
	}
	if got := envOrDefault("ANNOSHARE_TEST_ADDR_UNSET", ":8080"); got != ":8080" {
		t.Fatalf("expected fallback :8080, got %s", got)
	}
}
