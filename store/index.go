// Package store keeps a queryable index of a run's predictions and ranked
// prototypes in a SQLite file next to the rendered artifacts.
package store

import (
	"context"
	"database/sql"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS images (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id     TEXT    NOT NULL,
	name       TEXT    NOT NULL,
	predicted  INTEGER NOT NULL,
	actual     INTEGER NOT NULL,
	logits     TEXT    NOT NULL,
	created_at TEXT    NOT NULL
);
CREATE TABLE IF NOT EXISTS prototypes (
	image_id   INTEGER NOT NULL REFERENCES images(id) ON DELETE CASCADE,
	listing    TEXT    NOT NULL,
	rank       INTEGER NOT NULL,
	prototype  INTEGER NOT NULL,
	class      INTEGER NOT NULL,
	score      REAL    NOT NULL,
	connection REAL    NOT NULL,
	PRIMARY KEY (image_id, listing, rank)
);
CREATE INDEX IF NOT EXISTS images_run ON images(run_id);
`

// MostActivated is the listing of the globally ranked prototypes.
const MostActivated = "most_activated"

// Config holds index configuration.
type Config struct {
	Path string
}

// Index is a SQLite-backed record of analyzed images. Safe for concurrent
// use.
type Index struct {
	db *sql.DB
	// SQLite allows one writer at a time.
	mu sync.Mutex
}

// Open creates or opens the index database.
func Open(cfg Config) (*Index, error) {
	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, errors.Wrapf(err, "open index %s", cfg.Path)
	}
	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA foreign_keys=ON"} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, errors.Wrap(err, pragma)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "create schema")
	}
	return &Index{db: db}, nil
}

// Close closes the database.
func (x *Index) Close() error {
	return x.db.Close()
}

// PrototypeRecord is one ranked prototype of an image.
type PrototypeRecord struct {
	// Listing is MostActivated or the class directory name.
	Listing    string
	Rank       int
	Prototype  int
	Class      int
	Score      float32
	Connection float64
}

// ImageRecord is the outcome of analyzing one image.
type ImageRecord struct {
	ID        int64
	RunID     string
	Name      string
	Predicted int
	// Actual is -1 when the label is unknown.
	Actual     int
	Logits     []float32
	CreatedAt  time.Time
	Prototypes []PrototypeRecord
}

// Correct reports whether the prediction matches the label.
func (r ImageRecord) Correct() bool {
	return r.Actual >= 0 && r.Predicted == r.Actual
}

// RecordImage stores an image and its ranked prototypes in one transaction.
//
// Returns:
//   - int64: The new image id.
//   - error: If the insert fails; nothing is stored then.
func (x *Index) RecordImage(ctx context.Context, rec ImageRecord) (int64, error) {
	x.mu.Lock()
	defer x.mu.Unlock()

	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}

	var id int64
	err := x.transaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO images (run_id, name, predicted, actual, logits, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
			rec.RunID, rec.Name, rec.Predicted, rec.Actual, encodeFloats(rec.Logits),
			rec.CreatedAt.UTC().Format(time.RFC3339Nano))
		if err != nil {
			return errors.Wrap(err, "insert image")
		}
		if id, err = res.LastInsertId(); err != nil {
			return err
		}

		stmt, err := tx.PrepareContext(ctx,
			`INSERT INTO prototypes (image_id, listing, rank, prototype, class, score, connection) VALUES (?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, p := range rec.Prototypes {
			if _, err := stmt.ExecContext(ctx, id, p.Listing, p.Rank, p.Prototype, p.Class, p.Score, p.Connection); err != nil {
				return errors.Wrapf(err, "insert prototype %d", p.Prototype)
			}
		}
		return nil
	})
	return id, err
}

func (x *Index) transaction(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := x.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin transaction")
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return errors.Wrapf(err, "rollback: %v", rbErr)
		}
		return err
	}
	return errors.Wrap(tx.Commit(), "commit")
}

// Images returns the images of a run in insertion order, with their
// prototypes ordered by listing and rank.
func (x *Index) Images(ctx context.Context, runID string) ([]ImageRecord, error) {
	rows, err := x.db.QueryContext(ctx,
		`SELECT id, run_id, name, predicted, actual, logits, created_at FROM images WHERE run_id = ? ORDER BY id`, runID)
	if err != nil {
		return nil, errors.Wrap(err, "query images")
	}
	defer rows.Close()

	var out []ImageRecord
	for rows.Next() {
		var (
			rec           ImageRecord
			logits, stamp string
		)
		if err := rows.Scan(&rec.ID, &rec.RunID, &rec.Name, &rec.Predicted, &rec.Actual, &logits, &stamp); err != nil {
			return nil, err
		}
		if rec.Logits, err = decodeFloats(logits); err != nil {
			return nil, errors.Wrapf(err, "image %d logits", rec.ID)
		}
		if rec.CreatedAt, err = time.Parse(time.RFC3339Nano, stamp); err != nil {
			return nil, errors.Wrapf(err, "image %d timestamp", rec.ID)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range out {
		if out[i].Prototypes, err = x.prototypes(ctx, out[i].ID); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (x *Index) prototypes(ctx context.Context, imageID int64) ([]PrototypeRecord, error) {
	rows, err := x.db.QueryContext(ctx,
		`SELECT listing, rank, prototype, class, score, connection FROM prototypes WHERE image_id = ? ORDER BY listing, rank`, imageID)
	if err != nil {
		return nil, errors.Wrap(err, "query prototypes")
	}
	defer rows.Close()

	var out []PrototypeRecord
	for rows.Next() {
		var p PrototypeRecord
		if err := rows.Scan(&p.Listing, &p.Rank, &p.Prototype, &p.Class, &p.Score, &p.Connection); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// Accuracy counts the labeled images of a run and how many were predicted
// correctly.
func (x *Index) Accuracy(ctx context.Context, runID string) (correct, labeled int, err error) {
	err = x.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(predicted = actual), 0), COUNT(*) FROM images WHERE run_id = ? AND actual >= 0`, runID,
	).Scan(&correct, &labeled)
	return correct, labeled, errors.Wrap(err, "query accuracy")
}

func encodeFloats(v []float32) string {
	parts := make([]string, len(v))
	for i, f := range v {
		parts[i] = strconv.FormatFloat(float64(f), 'g', -1, 32)
	}
	return strings.Join(parts, ",")
}

func decodeFloats(s string) ([]float32, error) {
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	out := make([]float32, len(parts))
	for i, p := range parts {
		f, err := strconv.ParseFloat(p, 32)
		if err != nil {
			return nil, err
		}
		out[i] = float32(f)
	}
	return out, nil
}
