package instance

import "testing"

func TestGetIDPrefersConfiguredWorker(t *testing.T) {
	t.Setenv("WORKER_ID", "legacy-1")
	t.Setenv("MULTIMART_WORKER_ID", "cron-2")
	if got := GetID(); got != "cron-2" {
		t.Fatalf("expected cron-2, got %q", got)
	}

	t.Setenv("MULTIMART_WORKER_ID", "")
	if got := GetID(); got != "legacy-1" {
		t.Fatalf("expected legacy-1, got %q", got)
	}
}

func TestGetIDFallsBackToHost(t *testing.T) {
	t.Setenv("MULTIMART_WORKER_ID", "")
	t.Setenv("WORKER_ID", "")
	if got := GetID(); got == "" {
		t.Fatal("expected a non-empty id")
	}
}
