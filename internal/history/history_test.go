package history

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func TestOpenRecordAndList(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "history.db")

	store, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	start := time.Date(2026, 1, 2, 3, 0, 0, 0, time.UTC)

	records := []Record{
		{RunID: "run-a", NodeName: "web-1", Goal: "switch", Outcome: "succeeded", StartedAt: start, FinishedAt: start.Add(time.Minute)},
		{RunID: "run-a", NodeName: "db-1", Goal: "switch", Outcome: "failed", StartedAt: start, FinishedAt: start.Add(2 * time.Minute), ErrorSummary: "host unreachable"},
	}
	for _, rec := range records {
		if err := store.Record(ctx, rec); err != nil {
			t.Fatalf("Record(%s): %v", rec.NodeName, err)
		}
	}

	all, err := store.ListAll(ctx)
	if err != nil {
		t.Fatalf("ListAll: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("got %d records, want 2", len(all))
	}
	// ListAll orders most-recent-first; the second insert comes back first.
	if all[0].NodeName != "db-1" || all[0].Outcome != "failed" || all[0].ErrorSummary != "host unreachable" {
		t.Fatalf("unexpected first record: %+v", all[0])
	}

	webOnly, err := store.ListByNode(ctx, "web-1")
	if err != nil {
		t.Fatalf("ListByNode: %v", err)
	}
	if len(webOnly) != 1 || webOnly[0].NodeName != "web-1" {
		t.Fatalf("unexpected filtered records: %+v", webOnly)
	}
}

func TestOpenIsIdempotent(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "history.db")

	first, err := Open(dbPath)
	if err != nil {
		t.Fatalf("first Open: %v", err)
	}
	first.Close()

	second, err := Open(dbPath)
	if err != nil {
		t.Fatalf("second Open (re-migrating an existing db): %v", err)
	}
	defer second.Close()
}
