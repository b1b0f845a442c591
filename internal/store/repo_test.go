package store

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func mustUUID(t *testing.T) uuid.UUID {
	t.Helper()
	id, err := uuid.NewRandom()
	if err != nil {
		t.Fatalf("uuid: %v", err)
	}
	return id
}

func openRepo(t *testing.T) *Repo {
	t.Helper()
	// Unique in-memory DB per test to avoid cross-test contamination when
	// tests run in parallel.
	dsn := "file:history_" + strings.NewReplacer("/", "_", " ", "_").Replace(t.Name()) + "?mode=memory&cache=shared"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	repo, err := New(db)
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return repo
}

func TestInsertFillsDefaults(t *testing.T) {
	repo := openRepo(t)
	rec := &ControlHistoryRecord{GreenhouseID: "gh-1", ControlKey: "fan_1", Action: "set", Value: "true", Source: "manual", Success: true}
	if err := repo.Insert(context.Background(), rec); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if rec.ID.String() == "00000000-0000-0000-0000-000000000000" {
		t.Fatal("id not assigned")
	}
	if rec.CreatedAt.IsZero() {
		t.Fatal("created_at not assigned")
	}
}

func TestListFiltersAndPaginates(t *testing.T) {
	repo := openRepo(t)
	base := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	rows := []*ControlHistoryRecord{
		{GreenhouseID: "gh-1", ControlKey: "fan_1", Action: "set", Value: "true", Source: "manual", Success: true, CreatedAt: base},
		{GreenhouseID: "gh-1", ControlKey: "fan_1", Action: "set", Value: "false", Source: "manual", Success: false, ErrorMessage: "device offline", CreatedAt: base.Add(time.Minute)},
		{GreenhouseID: "gh-1", ControlKey: "valve_1", Action: "set", Value: "true", Source: "schedule", Success: true, CreatedAt: base.Add(2 * time.Minute)},
		{GreenhouseID: "gh-2", ControlKey: "fan_1", Action: "set", Value: "true", Source: "manual", Success: true, CreatedAt: base.Add(3 * time.Minute)},
	}
	for _, r := range rows {
		if err := repo.Insert(context.Background(), r); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	page, err := repo.List(context.Background(), "gh-1", Filter{}, 10, nil, true)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(page.Records) != 3 {
		t.Fatalf("expected 3 rows for gh-1, got %d", len(page.Records))
	}
	if page.Records[0].ControlKey != "valve_1" {
		t.Fatalf("desc order broken, first row %q", page.Records[0].ControlKey)
	}

	page, err = repo.List(context.Background(), "gh-1", Filter{ControlKey: "fan_1"}, 10, nil, true)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(page.Records) != 2 {
		t.Fatalf("expected 2 fan_1 rows, got %d", len(page.Records))
	}

	failed := false
	page, err = repo.List(context.Background(), "gh-1", Filter{Success: &failed}, 10, nil, true)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(page.Records) != 1 || page.Records[0].ErrorMessage != "device offline" {
		t.Fatalf("success filter broken: %+v", page.Records)
	}
}

func TestListCursorWalksAllRows(t *testing.T) {
	repo := openRepo(t)
	base := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		rec := &ControlHistoryRecord{GreenhouseID: "gh-1", ControlKey: "fan_1", Action: "set", Value: "true", Source: "manual", Success: true, CreatedAt: base.Add(time.Duration(i) * time.Minute)}
		if err := repo.Insert(context.Background(), rec); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	seen := 0
	var cursor *Cursor
	for {
		page, err := repo.List(context.Background(), "gh-1", Filter{}, 2, cursor, true)
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		seen += len(page.Records)
		if page.NextCursor == "" {
			break
		}
		cursor, err = DecodeCursor(page.NextCursor)
		if err != nil {
			t.Fatalf("decode cursor: %v", err)
		}
	}
	if seen != 5 {
		t.Fatalf("cursor walk saw %d rows, want 5", seen)
	}
}

func TestCursorRoundTrip(t *testing.T) {
	c := Cursor{TS: time.Date(2026, 3, 1, 8, 0, 0, 123456789, time.UTC)}
	c.ID = mustUUID(t)
	got, err := DecodeCursor(EncodeCursor(c))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !got.TS.Equal(c.TS) || got.ID != c.ID {
		t.Fatalf("round trip mismatch: %+v vs %+v", got, c)
	}
}
