package db_test

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/taskbridge/taskbridge/internal/hub/db"
	"github.com/taskbridge/taskbridge/internal/hub/id"
)

func newTestStore(t *testing.T) *db.Store {
	t.Helper()
	sqlDB, err := db.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })

	if err := db.Migrate(sqlDB); err != nil {
		t.Fatalf("Migrate failed: %v", err)
	}

	return db.New(sqlDB)
}

func TestInstances_CRUD(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	instID := id.GenerateShort()
	err := s.CreateInstance(ctx, db.CreateInstanceParams{
		ID:        instID,
		UserID:    "user-1",
		Name:      "dev-vm",
		VMType:    "qemu",
		TokenHash: "hash123",
	})
	require.NoError(t, err)

	inst, err := s.GetInstanceByID(ctx, instID)
	require.NoError(t, err)
	if inst.Name != "dev-vm" {
		t.Errorf("Name = %q, want %q", inst.Name, "dev-vm")
	}
	if inst.Status != "offline" {
		t.Errorf("Status = %q, want %q", inst.Status, "offline")
	}
	if inst.LastSeenAt.Valid {
		t.Error("LastSeenAt should be null before first connection")
	}

	err = s.UpdateInstanceStatus(ctx, instID, "online")
	require.NoError(t, err)
	err = s.UpdateInstanceLastSeen(ctx, instID)
	require.NoError(t, err)

	inst, err = s.GetInstanceByID(ctx, instID)
	require.NoError(t, err)
	if inst.Status != "online" {
		t.Errorf("Status = %q, want %q", inst.Status, "online")
	}
	if !inst.LastSeenAt.Valid {
		t.Error("LastSeenAt should be set after UpdateInstanceLastSeen")
	}
}

func TestInstances_ListByUser(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, userID := range []string{"user-a", "user-a", "user-b"} {
		err := s.CreateInstance(ctx, db.CreateInstanceParams{
			ID: id.GenerateShort(), UserID: userID, TokenHash: "h",
		})
		require.NoError(t, err)
	}

	instances, err := s.ListInstancesByUserID(ctx, "user-a")
	require.NoError(t, err)
	if len(instances) != 2 {
		t.Errorf("len = %d, want 2", len(instances))
	}

	instances, err = s.ListInstancesByUserID(ctx, "user-c")
	require.NoError(t, err)
	if len(instances) != 0 {
		t.Errorf("len = %d, want 0", len(instances))
	}
}

func TestInstances_MarkDeleted(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	instID := id.GenerateShort()
	err := s.CreateInstance(ctx, db.CreateInstanceParams{
		ID: instID, UserID: "user-1", TokenHash: "h",
	})
	require.NoError(t, err)

	err = s.MarkInstanceDeleted(ctx, instID)
	require.NoError(t, err)

	// Row still exists but is invisible to reads.
	_, err = s.GetInstanceByID(ctx, instID)
	if err != sql.ErrNoRows {
		t.Errorf("expected ErrNoRows after MarkInstanceDeleted, got %v", err)
	}

	instances, err := s.ListInstancesByUserID(ctx, "user-1")
	require.NoError(t, err)
	if len(instances) != 0 {
		t.Errorf("len = %d, want 0 after MarkInstanceDeleted", len(instances))
	}
}

func TestInstances_MarkAllOffline(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ids := make([]string, 3)
	for i := range ids {
		ids[i] = id.GenerateShort()
		err := s.CreateInstance(ctx, db.CreateInstanceParams{
			ID: ids[i], UserID: "user-1", TokenHash: "h",
		})
		require.NoError(t, err)
	}
	require.NoError(t, s.UpdateInstanceStatus(ctx, ids[0], "online"))
	require.NoError(t, s.UpdateInstanceStatus(ctx, ids[1], "busy"))
	require.NoError(t, s.UpdateInstanceStatus(ctx, ids[2], "error"))

	require.NoError(t, s.MarkAllInstancesOffline(ctx))

	for i, want := range []string{"offline", "offline", "error"} {
		inst, err := s.GetInstanceByID(ctx, ids[i])
		require.NoError(t, err)
		if inst.Status != want {
			t.Errorf("instance %d status = %q, want %q", i, inst.Status, want)
		}
	}
}

func TestEvents_AppendAssignsSequence(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	jobID := id.GenerateShort()
	for i := int64(1); i <= 3; i++ {
		seq, err := s.AppendEvent(ctx, db.AppendEventParams{
			JobID:       jobID,
			Type:        "log",
			Timestamp:   "2026-08-24T10:00:00.000Z",
			Payload:     []byte(`{"message":"hello"}`),
			Compression: "none",
		})
		if err != nil {
			t.Fatalf("AppendEvent seq=%d: %v", i, err)
		}
		if seq != i {
			t.Errorf("AppendEvent returned seq=%d, want %d", seq, i)
		}
	}

	// A second job gets its own sequence space.
	otherJob := id.GenerateShort()
	seq, err := s.AppendEvent(ctx, db.AppendEventParams{
		JobID: otherJob, Type: "log", Timestamp: "2026-08-24T10:00:01.000Z", Compression: "none",
	})
	require.NoError(t, err)
	if seq != 1 {
		t.Errorf("seq = %d, want 1 for a new job", seq)
	}
}

func TestEvents_ListByJobID(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	jobID := id.GenerateShort()
	for i := 0; i < 3; i++ {
		_, err := s.AppendEvent(ctx, db.AppendEventParams{
			JobID: jobID, Type: "log", Timestamp: "2026-08-24T10:00:00.000Z", Compression: "none",
		})
		require.NoError(t, err)
	}

	// List from seq 0.
	events, err := s.ListEventsByJobID(ctx, jobID, 0, 10)
	require.NoError(t, err)
	if len(events) != 3 {
		t.Fatalf("len = %d, want 3", len(events))
	}
	if events[0].Seq != 1 || events[2].Seq != 3 {
		t.Errorf("ordering wrong: first=%d, last=%d", events[0].Seq, events[2].Seq)
	}

	// List from seq 1 (should skip first event).
	events, err = s.ListEventsByJobID(ctx, jobID, 1, 10)
	require.NoError(t, err)
	if len(events) != 2 {
		t.Errorf("len from seq 1 = %d, want 2", len(events))
	}

	count, err := s.CountEventsByJobID(ctx, jobID)
	require.NoError(t, err)
	if count != 3 {
		t.Errorf("count = %d, want 3", count)
	}
}
