// Package db is the sqlite journal of telemetry frames sent during a run.
package db

import (
	"compress/gzip"
	"database/sql"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tailscale/tailsql/server/tailsql"
	_ "modernc.org/sqlite"
	"tailscale.com/tsweb"

	"github.com/banshee-data/detlink/internal/security"
)

type DB struct {
	*sql.DB
	path string
}

// NewDB opens (creating if needed) the journal at path and applies pending
// migrations.
func NewDB(path string) (*DB, error) {
	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// Keep :memory: databases on one connection.
	sqlDB.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := sqlDB.Exec(pragma); err != nil {
			sqlDB.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	db := &DB{DB: sqlDB, path: path}
	if err := db.MigrateUp(MigrationsFS()); err != nil {
		sqlDB.Close()
		return nil, err
	}
	return db, nil
}

// Run describes one daemon session.
type Run struct {
	RunID       string
	Port        string
	PortOptions string
	SystemID    uint8
	ComponentID uint8
	Version     string
	StartedAt   time.Time
}

// RecordRun stores the run metadata and returns the row as stored, with
// StartedAt set by the database.
func (db *DB) RecordRun(r Run) (Run, error) {
	_, err := db.Exec(
		`INSERT INTO runs (run_id, port, port_options, system_id, component_id, version)
		VALUES (?, ?, ?, ?, ?, ?)`,
		r.RunID, r.Port, r.PortOptions, r.SystemID, r.ComponentID, r.Version,
	)
	if err != nil {
		return Run{}, fmt.Errorf("failed to record run %s: %w", r.RunID, err)
	}
	return db.GetRun(r.RunID)
}

// GetRun loads one run by id.
func (db *DB) GetRun(runID string) (Run, error) {
	var r Run
	err := db.QueryRow(
		`SELECT run_id, port, port_options, system_id, component_id, version, started_at
		FROM runs WHERE run_id = ?`, runID,
	).Scan(&r.RunID, &r.Port, &r.PortOptions, &r.SystemID, &r.ComponentID, &r.Version, &r.StartedAt)
	if err != nil {
		return Run{}, fmt.Errorf("failed to load run %s: %w", runID, err)
	}
	return r, nil
}

// TelemetryRecord is one journalled frame.
type TelemetryRecord struct {
	ID           int64     `json:"id"`
	RunID        string    `json:"run_id"`
	Seq          uint8     `json:"seq"`
	SystemID     uint8     `json:"system_id"`
	ComponentID  uint8     `json:"component_id"`
	TimeUsec     uint64    `json:"time_usec"`
	ClassID      uint8     `json:"class_id"`
	TargetNum    uint8     `json:"target_num"`
	Confidence   float32   `json:"confidence"`
	X            float32   `json:"x"`
	Y            float32   `json:"y"`
	Width        float32   `json:"width"`
	Height       float32   `json:"height"`
	BytesWritten int       `json:"bytes_written"`
	WriteError   string    `json:"write_error,omitempty"`
	RecordedAt   time.Time `json:"recorded_at"`
}

// RecordTelemetry appends a frame to the journal.
func (db *DB) RecordTelemetry(r TelemetryRecord) error {
	var writeErr sql.NullString
	if r.WriteError != "" {
		writeErr = sql.NullString{String: r.WriteError, Valid: true}
	}
	_, err := db.Exec(
		`INSERT INTO telemetry_frames (
			run_id, seq, system_id, component_id, time_usec, class_id, target_num,
			confidence, x, y, width, height, bytes_written, write_error
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.RunID, r.Seq, r.SystemID, r.ComponentID, int64(r.TimeUsec), r.ClassID, r.TargetNum,
		r.Confidence, r.X, r.Y, r.Width, r.Height, r.BytesWritten, writeErr,
	)
	if err != nil {
		return fmt.Errorf("failed to record telemetry: %w", err)
	}
	return nil
}

// RecentTelemetry returns up to limit frames for runID, newest first. An
// empty runID matches every run.
func (db *DB) RecentTelemetry(runID string, limit int) ([]TelemetryRecord, error) {
	rows, err := db.Query(
		`SELECT id, run_id, seq, system_id, component_id, time_usec, class_id, target_num,
			confidence, x, y, width, height, bytes_written, write_error, recorded_at
		FROM telemetry_frames
		WHERE (? = '' OR run_id = ?)
		ORDER BY id DESC
		LIMIT ?`,
		runID, runID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []TelemetryRecord
	for rows.Next() {
		var (
			r        TelemetryRecord
			timeUsec int64
			writeErr sql.NullString
		)
		if err := rows.Scan(
			&r.ID, &r.RunID, &r.Seq, &r.SystemID, &r.ComponentID, &timeUsec, &r.ClassID, &r.TargetNum,
			&r.Confidence, &r.X, &r.Y, &r.Width, &r.Height, &r.BytesWritten, &writeErr, &r.RecordedAt,
		); err != nil {
			return nil, err
		}
		r.TimeUsec = uint64(timeUsec)
		r.WriteError = writeErr.String
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return records, nil
}

// CountTelemetry returns how many frames were journalled for runID.
func (db *DB) CountTelemetry(runID string) (int, error) {
	var n int
	err := db.QueryRow(`SELECT COUNT(*) FROM telemetry_frames WHERE run_id = ?`, runID).Scan(&n)
	return n, err
}

func (db *DB) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)
	// create a tailSQL instance and point it to our DB
	tsql, err := tailsql.NewServer(tailsql.Options{
		RoutePrefix: "/debug/tailsql/",
	})
	if err != nil {
		log.Fatalf("failed to create tailsql server: %v", err)
	}
	tsql.SetDB("sqlite://"+filepath.Base(db.path), db.DB, &tailsql.DBOptions{
		Label: "Telemetry journal",
	})

	// mount the tailSQL server on the debug /tailsql path
	debug.Handle("tailsql/", "SQL live debugging", tsql.NewMux())

	debug.Handle("backup", "Create and download a backup of the journal now", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		name := security.SanitizeFilename(strings.TrimSuffix(filepath.Base(db.path), filepath.Ext(db.path)))
		backupPath := filepath.Join(os.TempDir(), fmt.Sprintf("%s-backup-%d.db", name, time.Now().UnixNano()))
		if err := security.ValidatePathWithinDirectory(backupPath, os.TempDir()); err != nil {
			http.Error(w, fmt.Sprintf("Invalid backup path: %v", err), http.StatusInternalServerError)
			return
		}
		if _, err := db.Exec("VACUUM INTO ?", backupPath); err != nil {
			http.Error(w, fmt.Sprintf("Failed to create backup: %v", err), http.StatusInternalServerError)
			return
		}
		defer func() {
			if err := os.Remove(backupPath); err != nil {
				log.Printf("Failed to remove backup file: %v", err)
			}
		}()

		backupFile, err := os.Open(backupPath)
		if err != nil {
			http.Error(w, fmt.Sprintf("Failed to open backup file: %v", err), http.StatusInternalServerError)
			return
		}
		defer backupFile.Close()

		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s.gz", filepath.Base(backupPath)))
		w.Header().Set("Content-Type", "application/gzip")

		gzipWriter := gzip.NewWriter(w)
		defer gzipWriter.Close()
		if _, err := io.Copy(gzipWriter, backupFile); err != nil {
			log.Printf("Failed to send backup: %v", err)
		}
	}))
}
