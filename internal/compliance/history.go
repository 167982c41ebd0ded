// history.go persists scan summaries to a local SQLite file so trend and
// diff views survive process restarts.
package compliance

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/kubekattle/kred/pkg/api"
)

const historyRetention = 200

// History stores one row per scan, keeping the full report document for
// diffing and the summary columns for trends.
type History struct {
	path      string
	retention int
}

// DefaultHistoryPath puts the database under the user config dir.
func DefaultHistoryPath() string {
	dir, err := os.UserConfigDir()
	if err != nil || dir == "" {
		dir, _ = os.UserHomeDir()
	}
	if dir == "" {
		dir = "."
	}
	return filepath.Join(dir, "kred", "history.db")
}

func NewHistory(path string) *History {
	if path == "" {
		path = DefaultHistoryPath()
	}
	return &History{path: path, retention: historyRetention}
}

// Append stores one report and prunes rows beyond the retention window.
func (h *History) Append(report *api.Report) error {
	db, err := h.open()
	if err != nil {
		return err
	}
	defer db.Close()

	summaryJSON, err := json.Marshal(report.Summary)
	if err != nil {
		return err
	}
	document, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return err
	}

	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.Exec(
		`INSERT INTO compliance_snapshots(generated_at, namespace, overall, summary, document) VALUES(?, ?, ?, ?, ?)`,
		report.GeneratedAt.UTC().Format(time.RFC3339Nano),
		report.Namespace,
		string(report.Overall),
		string(summaryJSON),
		string(document),
	); err != nil {
		return err
	}
	if _, err := tx.Exec(fmt.Sprintf(`DELETE FROM compliance_snapshots WHERE id NOT IN (
		SELECT id FROM compliance_snapshots ORDER BY generated_at DESC, id DESC LIMIT %d
	)`, h.retention)); err != nil {
		return err
	}
	return tx.Commit()
}

// TrendEntry is one stored scan, newest first in Trend results.
type TrendEntry struct {
	GeneratedAt time.Time
	Namespace   string
	Overall     api.OverallStatus
	Summary     api.ReportSummary
}

// Trend loads stored summaries, optionally bounded to the trailing day window.
func (h *History) Trend(days int) ([]TrendEntry, error) {
	if _, err := os.Stat(h.path); err != nil {
		return nil, fmt.Errorf("no compliance history recorded yet (run kred compliance scan first)")
	}
	db, err := h.open()
	if err != nil {
		return nil, err
	}
	defer db.Close()

	query := `SELECT generated_at, namespace, overall, summary FROM compliance_snapshots ORDER BY generated_at DESC, id DESC`
	var rows *sql.Rows
	if days > 0 {
		cutoff := time.Now().Add(-time.Duration(days) * 24 * time.Hour).UTC().Format(time.RFC3339Nano)
		query = `SELECT generated_at, namespace, overall, summary FROM compliance_snapshots WHERE generated_at >= ? ORDER BY generated_at DESC, id DESC`
		rows, err = db.Query(query, cutoff)
	} else {
		rows, err = db.Query(query)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []TrendEntry
	for rows.Next() {
		var ts, namespace, overall, summaryJSON string
		if err := rows.Scan(&ts, &namespace, &overall, &summaryJSON); err != nil {
			return nil, err
		}
		entry := TrendEntry{Namespace: namespace, Overall: api.OverallStatus(overall)}
		entry.GeneratedAt, _ = time.Parse(time.RFC3339Nano, ts)
		if err := json.Unmarshal([]byte(summaryJSON), &entry.Summary); err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// LastTwo returns the two most recent stored reports, oldest of the pair
// first. It errors until two scans have been recorded.
func (h *History) LastTwo() (previous, latest *api.Report, err error) {
	if _, statErr := os.Stat(h.path); statErr != nil {
		return nil, nil, fmt.Errorf("no compliance history recorded yet (run kred compliance scan first)")
	}
	db, err := h.open()
	if err != nil {
		return nil, nil, err
	}
	defer db.Close()

	rows, err := db.Query(`SELECT document FROM compliance_snapshots ORDER BY generated_at DESC, id DESC LIMIT 2`)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	var documents []string
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, nil, err
		}
		documents = append(documents, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}
	if len(documents) < 2 {
		return nil, nil, fmt.Errorf("need at least two recorded scans to diff, have %d", len(documents))
	}

	latest = &api.Report{}
	previous = &api.Report{}
	if err := json.Unmarshal([]byte(documents[0]), latest); err != nil {
		return nil, nil, err
	}
	if err := json.Unmarshal([]byte(documents[1]), previous); err != nil {
		return nil, nil, err
	}
	return previous, latest, nil
}

func (h *History) open() (*sql.DB, error) {
	if err := os.MkdirAll(filepath.Dir(h.path), 0o755); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", h.path)
	if err != nil {
		return nil, err
	}
	const schema = `
CREATE TABLE IF NOT EXISTS compliance_snapshots(
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	generated_at TEXT NOT NULL,
	namespace TEXT NOT NULL,
	overall TEXT NOT NULL,
	summary TEXT NOT NULL,
	document TEXT NOT NULL
);`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}
