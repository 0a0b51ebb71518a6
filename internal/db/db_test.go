package db

import (
	"compress/gzip"
	"database/sql"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := NewDB(filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestNewDB_AppliesMigrations(t *testing.T) {
	db := setupTestDB(t)

	version, dirty, err := db.MigrateVersion(MigrationsFS())
	require.NoError(t, err)
	assert.Equal(t, uint(2), version)
	assert.False(t, dirty)

	for _, table := range []string{"telemetry_frames", "runs"} {
		var name string
		err := db.QueryRow(`SELECT name FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&name)
		require.NoError(t, err, "table %s", table)
	}
}

func TestNewDB_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")
	db, err := NewDB(path)
	require.NoError(t, err)
	require.NoError(t, db.RecordTelemetry(TelemetryRecord{RunID: "a"}))
	require.NoError(t, db.Close())

	db, err = NewDB(path)
	require.NoError(t, err)
	defer db.Close()
	n, err := db.CountTelemetry("a")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestMigrateDown(t *testing.T) {
	db := setupTestDB(t)

	require.NoError(t, db.MigrateDown(MigrationsFS()))
	version, _, err := db.MigrateVersion(MigrationsFS())
	require.NoError(t, err)
	assert.Equal(t, uint(1), version)

	var n int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE name='runs'`).Scan(&n))
	assert.Equal(t, 0, n)
}

func TestRecordRun(t *testing.T) {
	db := setupTestDB(t)

	run := Run{RunID: "run-1", Port: "/dev/ttyS3", PortOptions: "115200 8N1", SystemID: 1, ComponentID: 1, Version: "dev"}
	stored, err := db.RecordRun(run)
	require.NoError(t, err)
	assert.False(t, stored.StartedAt.IsZero(), "started_at defaults to now")
	assert.WithinDuration(t, time.Now(), stored.StartedAt, time.Hour)

	stored.StartedAt = time.Time{}
	assert.Equal(t, run, stored)

	_, err = db.RecordRun(run)
	assert.Error(t, err, "run ids are unique")

	_, err = db.GetRun("missing")
	assert.ErrorIs(t, err, sql.ErrNoRows)
}

func TestRecordAndRecentTelemetry(t *testing.T) {
	db := setupTestDB(t)

	for i := 0; i < 5; i++ {
		require.NoError(t, db.RecordTelemetry(TelemetryRecord{
			RunID:        "run-1",
			Seq:          uint8(250 + i),
			SystemID:     1,
			ComponentID:  1,
			TimeUsec:     1700000000000000 + uint64(i),
			ClassID:      2,
			TargetNum:    uint8(i),
			Confidence:   0.5,
			X:            -0.25,
			Y:            0.5,
			Width:        0.125,
			Height:       0.25,
			BytesWritten: 42,
		}))
	}
	require.NoError(t, db.RecordTelemetry(TelemetryRecord{RunID: "run-2", BytesWritten: 17, WriteError: "short write"}))

	records, err := db.RecentTelemetry("run-1", 3)
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, uint8(254), records[0].Seq, "newest first")
	assert.Equal(t, uint64(1700000000000004), records[0].TimeUsec)
	assert.Equal(t, float32(-0.25), records[0].X)
	assert.Equal(t, float32(0.125), records[0].Width)
	assert.Equal(t, uint8(4), records[0].TargetNum)
	assert.Empty(t, records[0].WriteError)

	all, err := db.RecentTelemetry("", 100)
	require.NoError(t, err)
	assert.Len(t, all, 6)
	assert.Equal(t, "short write", all[0].WriteError)
	assert.Equal(t, 17, all[0].BytesWritten)

	n, err := db.CountTelemetry("run-1")
	require.NoError(t, err)
	assert.Equal(t, 5, n)
}

func TestAttachAdminRoutes_Backup(t *testing.T) {
	db := setupTestDB(t)
	require.NoError(t, db.RecordTelemetry(TelemetryRecord{RunID: "run-1"}))

	mux := http.NewServeMux()
	db.AttachAdminRoutes(mux)

	req := httptest.NewRequest(http.MethodGet, "/debug/backup", nil)
	req.RemoteAddr = "127.0.0.1:12345"
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Header().Get("Content-Disposition"), "filename=journal-backup-")
	zr, err := gzip.NewReader(w.Body)
	require.NoError(t, err)
	data, err := io.ReadAll(zr)
	require.NoError(t, err)
	assert.Equal(t, "SQLite format 3\x00", string(data[:16]))
}
