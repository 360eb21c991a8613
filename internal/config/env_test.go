package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestGetEnv(t *testing.T) {
	result := GetEnv("TEST_NONEXISTENT_VAR", "default")
	if result != "default" {
		t.Errorf("Expected 'default', got %q", result)
	}

	t.Setenv("TEST_GET_ENV", "custom")
	result = GetEnv("TEST_GET_ENV", "default")
	if result != "custom" {
		t.Errorf("Expected 'custom', got %q", result)
	}
}

func TestGetIntEnv(t *testing.T) {
	if result := GetIntEnv("TEST_NONEXISTENT_INT", 42); result != 42 {
		t.Errorf("Expected 42, got %d", result)
	}

	t.Setenv("TEST_INT_ENV", "123")
	if result := GetIntEnv("TEST_INT_ENV", 42); result != 123 {
		t.Errorf("Expected 123, got %d", result)
	}

	t.Setenv("TEST_INVALID_INT", "not-a-number")
	if result := GetIntEnv("TEST_INVALID_INT", 42); result != 42 {
		t.Errorf("Expected 42 for invalid int, got %d", result)
	}
}

func TestGetBoolEnv(t *testing.T) {
	if !GetBoolEnv("TEST_NONEXISTENT_BOOL", true) {
		t.Error("Expected default true")
	}

	t.Setenv("TEST_BOOL_ENV", "false")
	if GetBoolEnv("TEST_BOOL_ENV", true) {
		t.Error("Expected false")
	}

	t.Setenv("TEST_INVALID_BOOL", "maybe")
	if !GetBoolEnv("TEST_INVALID_BOOL", true) {
		t.Error("Expected default for invalid bool")
	}
}

func TestGetDurationEnv(t *testing.T) {
	defaultDuration := 5 * time.Second

	if result := GetDurationEnv("TEST_NONEXISTENT_DURATION", defaultDuration); result != defaultDuration {
		t.Errorf("Expected %v, got %v", defaultDuration, result)
	}

	t.Setenv("TEST_DURATION_ENV", "30s")
	if result := GetDurationEnv("TEST_DURATION_ENV", defaultDuration); result != 30*time.Second {
		t.Errorf("Expected 30s, got %v", result)
	}

	t.Setenv("TEST_INVALID_DURATION", "not-a-duration")
	if result := GetDurationEnv("TEST_INVALID_DURATION", defaultDuration); result != defaultDuration {
		t.Errorf("Expected %v for invalid duration, got %v", defaultDuration, result)
	}
}

func TestGetMapEnv(t *testing.T) {
	t.Setenv("TEST_MAP_ENV", "terraform=hashicorp/terraform:1.9, kubectl=bitnami/kubectl:1.31,broken,=x")

	m := GetMapEnv("TEST_MAP_ENV")
	if len(m) != 2 {
		t.Fatalf("Expected 2 entries, got %d: %v", len(m), m)
	}
	if m["terraform"] != "hashicorp/terraform:1.9" {
		t.Errorf("unexpected terraform image %q", m["terraform"])
	}
	if m["kubectl"] != "bitnami/kubectl:1.31" {
		t.Errorf("unexpected kubectl image %q", m["kubectl"])
	}

	if len(GetMapEnv("TEST_NONEXISTENT_MAP")) != 0 {
		t.Error("Expected empty map for unset variable")
	}
}

func TestGetSecret(t *testing.T) {
	path := filepath.Join(t.TempDir(), "api-key")
	if err := os.WriteFile(path, []byte("from-file\n"), 0o600); err != nil {
		t.Fatalf("Failed to write secret file: %v", err)
	}

	t.Setenv("TEST_SECRET_FILE", path)
	if got := GetSecret("TEST_SECRET", "TEST_SECRET_FILE"); got != "from-file" {
		t.Errorf("Expected secret from file, got %q", got)
	}

	t.Setenv("TEST_SECRET", "from-env")
	if got := GetSecret("TEST_SECRET", "TEST_SECRET_FILE"); got != "from-env" {
		t.Errorf("Expected env value to win, got %q", got)
	}
}

func TestGetSecretFile(t *testing.T) {
	if result := GetSecretFile(""); result != "" {
		t.Errorf("Expected empty string for empty path, got %q", result)
	}
	if result := GetSecretFile("/nonexistent/path/to/secret"); result != "" {
		t.Errorf("Expected empty string for nonexistent file, got %q", result)
	}
}
