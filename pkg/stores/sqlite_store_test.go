package stores

import (
	"context"
	"testing"
	"time"
)

// setupTestStore creates an in-memory SQLite store for testing.
func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	store, err := NewSQLiteStore(Config{
		Path: ":memory:",
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}

	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate store: %v", err)
	}

	return store
}

func TestStoreLifecycle(t *testing.T) {
	store, err := NewSQLiteStore(Config{
		Path: ":memory:",
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}

	if err := store.HealthCheck(ctx); err != nil {
		t.Fatalf("health check failed: %v", err)
	}

	if err := store.Close(); err != nil {
		t.Fatalf("failed to close store: %v", err)
	}
}

func TestStoreMigrations(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	ctx := context.Background()

	tables := []string{"runs", "task_records"}
	for _, table := range tables {
		query := "SELECT COUNT(*) FROM " + table
		var count int
		err := store.db.QueryRowContext(ctx, query).Scan(&count)
		if err != nil {
			t.Errorf("table %s does not exist or is not accessible: %v", table, err)
		}
	}
}

func TestRunLifecycle(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	ctx := context.Background()
	now := time.Now()

	run := &Run{
		ID:           "run-001",
		PlaybookPath: "/playbooks/site.yaml",
		Status:       RunStatusRunning,
		StartedAt:    now,
		CheckMode:    true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if err := store.CreateRun(ctx, run); err != nil {
		t.Fatalf("failed to create run: %v", err)
	}

	retrieved, err := store.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("failed to get run: %v", err)
	}
	if retrieved.PlaybookPath != run.PlaybookPath {
		t.Errorf("expected PlaybookPath %s, got %s", run.PlaybookPath, retrieved.PlaybookPath)
	}
	if !retrieved.CheckMode {
		t.Error("expected CheckMode to round-trip")
	}

	errMsg := "task apt_repository failed"
	if err := store.UpdateRunStatus(ctx, run.ID, RunStatusFailed, &errMsg); err != nil {
		t.Fatalf("failed to update run status: %v", err)
	}

	updated, err := store.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("failed to get updated run: %v", err)
	}
	if updated.Status != RunStatusFailed {
		t.Errorf("expected Status %s, got %s", RunStatusFailed, updated.Status)
	}
	if updated.Error == nil || *updated.Error != errMsg {
		t.Errorf("expected Error %q, got %v", errMsg, updated.Error)
	}
	if updated.CompletedAt == nil {
		t.Error("expected CompletedAt to be set on terminal status")
	}

	runs, err := store.ListRuns(ctx, 10, 0)
	if err != nil {
		t.Fatalf("failed to list runs: %v", err)
	}
	if len(runs) != 1 {
		t.Errorf("expected 1 run, got %d", len(runs))
	}
}

func TestUpdateRunStatusNotFound(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	err := store.UpdateRunStatus(context.Background(), "missing", RunStatusCompleted, nil)
	if err == nil {
		t.Fatal("expected error for missing run")
	}
}

func TestTaskRecords(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	ctx := context.Background()
	now := time.Now()

	run := &Run{
		ID:           "run-002",
		PlaybookPath: "/playbooks/site.yaml",
		Status:       RunStatusRunning,
		StartedAt:    now,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := store.CreateRun(ctx, run); err != nil {
		t.Fatalf("failed to create run: %v", err)
	}

	completed := now.Add(2 * time.Second)
	records := []*TaskRecord{
		{
			ID:          "rec-001",
			RunID:       run.ID,
			TaskName:    "add docker repo",
			Module:      "apt_repository",
			Target:      "web-01",
			Status:      TaskStatusChanged,
			Result:      `{"changed":true}`,
			StartedAt:   now,
			CompletedAt: &completed,
			CreatedAt:   now,
		},
		{
			ID:        "rec-002",
			RunID:     run.ID,
			TaskName:  "add docker repo",
			Module:    "apt_repository",
			Target:    "web-02",
			Status:    TaskStatusSkipped,
			Result:    `{"skipped":true}`,
			StartedAt: now.Add(time.Second),
			CreatedAt: now,
		},
	}

	for _, rec := range records {
		if err := store.CreateTaskRecord(ctx, rec); err != nil {
			t.Fatalf("failed to create task record %s: %v", rec.ID, err)
		}
	}

	listed, err := store.ListTaskRecordsByRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("failed to list task records: %v", err)
	}
	if len(listed) != 2 {
		t.Fatalf("expected 2 task records, got %d", len(listed))
	}
	if listed[0].ID != "rec-001" || listed[1].ID != "rec-002" {
		t.Errorf("expected records in execution order, got %s, %s", listed[0].ID, listed[1].ID)
	}
	if listed[0].Status != TaskStatusChanged {
		t.Errorf("expected status %s, got %s", TaskStatusChanged, listed[0].Status)
	}
	if listed[1].CompletedAt != nil {
		t.Error("expected nil CompletedAt to round-trip")
	}
}
