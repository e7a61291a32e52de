// Package store keeps training metrics and served predictions in SQLite.
package store

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

type Epoch struct {
	RunID      string
	Epoch      int
	Loss       float32
	Accuracy   float32
	Throughput float64
	CreatedAt  time.Time
}

type PredictionRecord struct {
	ID         int64
	Source     string
	Class      string
	Confidence float32
	CreatedAt  time.Time
}

type Store struct {
	db *sql.DB
}

func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}

	schema := `
	CREATE TABLE IF NOT EXISTS training_epochs (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id     TEXT NOT NULL,
		epoch      INTEGER NOT NULL,
		loss       REAL NOT NULL,
		accuracy   REAL NOT NULL,
		throughput REAL NOT NULL,
		created_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_training_epochs_run ON training_epochs(run_id, epoch);

	CREATE TABLE IF NOT EXISTS predictions (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		source     TEXT NOT NULL DEFAULT '',
		class      TEXT NOT NULL,
		confidence REAL NOT NULL,
		created_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_predictions_created ON predictions(created_at);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) RecordEpoch(runID string, epoch int, loss, accuracy float32, throughput float64) error {
	_, err := s.db.Exec(
		`INSERT INTO training_epochs (run_id, epoch, loss, accuracy, throughput, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		runID, epoch, loss, accuracy, throughput, time.Now().UTC(),
	)
	return err
}

func (s *Store) RecordPrediction(source, class string, confidence float32) error {
	_, err := s.db.Exec(
		`INSERT INTO predictions (source, class, confidence, created_at) VALUES (?, ?, ?, ?)`,
		source, class, confidence, time.Now().UTC(),
	)
	return err
}

// Epochs returns the epochs of a run in order.
func (s *Store) Epochs(runID string) ([]Epoch, error) {
	rows, err := s.db.Query(
		`SELECT run_id, epoch, loss, accuracy, throughput, created_at
		 FROM training_epochs WHERE run_id = ? ORDER BY epoch, id`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Epoch
	for rows.Next() {
		var e Epoch
		if err := rows.Scan(&e.RunID, &e.Epoch, &e.Loss, &e.Accuracy, &e.Throughput, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// RecentPredictions returns up to limit predictions, newest first.
func (s *Store) RecentPredictions(limit int) ([]PredictionRecord, error) {
	rows, err := s.db.Query(
		`SELECT id, source, class, confidence, created_at
		 FROM predictions ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []PredictionRecord
	for rows.Next() {
		var p PredictionRecord
		if err := rows.Scan(&p.ID, &p.Source, &p.Class, &p.Confidence, &p.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
