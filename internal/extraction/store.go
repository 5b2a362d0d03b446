package extraction

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

// Record is the persisted outcome of a settled extraction, retained for the
// API's history listing across restarts.
type Record struct {
	ID             uuid.UUID `db:"id" json:"id"`
	Key            string    `db:"key" json:"-"`
	TargetURL      string    `db:"target_url" json:"target_url"`
	Format         string    `db:"format" json:"format"`
	Quality        string    `db:"quality" json:"quality"`
	Status         string    `db:"status" json:"status"`
	Attempts       int       `db:"attempts" json:"attempts"`
	OutputPath     string    `db:"output_path" json:"output_path,omitempty"`
	SizeBytes      int64     `db:"size_bytes" json:"size_bytes,omitempty"`
	Checksum       string    `db:"checksum" json:"checksum,omitempty"`
	FailureKind    string    `db:"failure_kind" json:"failure_kind,omitempty"`
	FailureMessage string    `db:"failure_message" json:"failure_message,omitempty"`
	CreatedAt      time.Time `db:"created_at" json:"created_at"`
	SettledAt      time.Time `db:"settled_at" json:"settled_at"`
}

// NewRecord snapshots a settled task in to its persistent form.
func NewRecord(task *Task) *Record {
	record := &Record{
		ID:        task.ID(),
		Key:       string(task.Key()),
		TargetURL: task.TargetURL(),
		Format:    task.Format().String(),
		Quality:   task.Quality(),
		Status:    task.Status().String(),
		Attempts:  task.Attempt(),
		CreatedAt: task.CreatedAt(),
		SettledAt: time.Now(),
	}

	if result := task.Result(); result != nil {
		record.OutputPath = result.OutputPath
		record.SizeBytes = result.SizeBytes
		record.Checksum = result.Checksum
	}

	if trouble := task.Trouble(); trouble != nil {
		record.FailureKind = trouble.Kind().String()
		record.FailureMessage = trouble.Message()
	}

	return record
}

const recordSchema = `
CREATE TABLE IF NOT EXISTS extraction_records (
	id TEXT PRIMARY KEY,
	key TEXT NOT NULL,
	target_url TEXT NOT NULL,
	format TEXT NOT NULL,
	quality TEXT NOT NULL,
	status TEXT NOT NULL,
	attempts INTEGER NOT NULL,
	output_path TEXT NOT NULL DEFAULT '',
	size_bytes INTEGER NOT NULL DEFAULT 0,
	checksum TEXT NOT NULL DEFAULT '',
	failure_kind TEXT NOT NULL DEFAULT '',
	failure_message TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL,
	settled_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_extraction_records_settled ON extraction_records(settled_at);
`

// Store persists extraction records to an embedded SQLite database.
type Store struct {
	db *sqlx.DB
}

func NewStore(path string) (*Store, error) {
	db, err := sqlx.Connect("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open extraction record database: %w", err)
	}

	// The embedded driver serializes writes; a single connection avoids
	// SQLITE_BUSY on concurrent saves.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(recordSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply extraction record schema: %w", err)
	}

	return &Store{db: db}, nil
}

func (store *Store) SaveExtraction(record *Record) error {
	_, err := store.db.NamedExec(`
		INSERT OR REPLACE INTO extraction_records
			(id, key, target_url, format, quality, status, attempts, output_path, size_bytes, checksum, failure_kind, failure_message, created_at, settled_at)
		VALUES
			(:id, :key, :target_url, :format, :quality, :status, :attempts, :output_path, :size_bytes, :checksum, :failure_kind, :failure_message, :created_at, :settled_at)`,
		record,
	)
	if err != nil {
		return fmt.Errorf("failed to save extraction record: %w", err)
	}

	return nil
}

// GetExtraction fetches the record with the ID provided; nil if absent.
func (store *Store) GetExtraction(id uuid.UUID) (*Record, error) {
	var record Record
	err := store.db.Get(&record, `SELECT * FROM extraction_records WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch extraction record: %w", err)
	}

	return &record, nil
}

// RecentExtractions lists the most recently settled records.
func (store *Store) RecentExtractions(limit int) ([]*Record, error) {
	if limit <= 0 {
		limit = 50
	}

	records := make([]*Record, 0)
	if err := store.db.Select(&records, `SELECT * FROM extraction_records ORDER BY settled_at DESC LIMIT ?`, limit); err != nil {
		return nil, fmt.Errorf("failed to list extraction records: %w", err)
	}

	return records, nil
}

func (store *Store) Close() error {
	return store.db.Close()
}
