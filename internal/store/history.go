package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"meshmon/internal/health"
	"meshmon/internal/model"
)

const schema = `
CREATE TABLE IF NOT EXISTS reports (
	id          TEXT PRIMARY KEY,
	created_at  INTEGER NOT NULL,
	cycles      INTEGER NOT NULL,
	result_count INTEGER NOT NULL,
	issue_count INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS probe_results (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	report_id   TEXT NOT NULL REFERENCES reports(id),
	target      TEXT NOT NULL,
	status      TEXT NOT NULL,
	rtt_ns      INTEGER NOT NULL,
	hops_to     INTEGER NOT NULL,
	hops_back   INTEGER NOT NULL,
	route       TEXT NOT NULL,
	route_back  TEXT NOT NULL,
	snr         REAL,
	snr_towards TEXT NOT NULL,
	snr_back    TEXT NOT NULL,
	ts          INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_probe_results_ts ON probe_results(ts);
CREATE TABLE IF NOT EXISTS issues (
	id        INTEGER PRIMARY KEY AUTOINCREMENT,
	report_id TEXT NOT NULL REFERENCES reports(id),
	category  TEXT NOT NULL,
	node      TEXT NOT NULL,
	message   TEXT NOT NULL
);
`

// ReportRecord is one finished report cycle.
type ReportRecord struct {
	ID        string
	CreatedAt time.Time
	Cycles    int
	Results   []model.ProbeResult
	Issues    []health.Issue
}

// ReportSummary is a stored report without its rows.
type ReportSummary struct {
	ID          string
	CreatedAt   time.Time
	Cycles      int
	ResultCount int
	IssueCount  int
}

// History stores probe results and report issues in SQLite.
type History struct {
	db  *sql.DB
	log *zap.Logger
}

// OpenHistory opens or creates the database at path.
func OpenHistory(path string, log *zap.Logger) (*History, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open history %s: %w", path, err)
	}
	// sqlite serializes writers anyway.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate history %s: %w", path, err)
	}
	log.Debug("history opened", zap.String("path", path))
	return &History{db: db, log: log}, nil
}

// Close closes the database.
func (h *History) Close() error {
	return h.db.Close()
}

// SaveReport writes a report and its rows in one transaction and returns the
// report id. An id is generated when rec.ID is empty.
func (h *History) SaveReport(ctx context.Context, rec ReportRecord) (string, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}

	tx, err := h.db.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO reports (id, created_at, cycles, result_count, issue_count) VALUES (?, ?, ?, ?, ?)`,
		rec.ID, rec.CreatedAt.UnixNano(), rec.Cycles, len(rec.Results), len(rec.Issues)); err != nil {
		return "", fmt.Errorf("insert report: %w", err)
	}

	resStmt, err := tx.PrepareContext(ctx, `INSERT INTO probe_results
		(report_id, target, status, rtt_ns, hops_to, hops_back, route, route_back, snr, snr_towards, snr_back, ts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return "", err
	}
	defer resStmt.Close()
	for _, r := range rec.Results {
		var snr sql.NullFloat64
		if r.SNR != nil {
			snr = sql.NullFloat64{Float64: *r.SNR, Valid: true}
		}
		if _, err := resStmt.ExecContext(ctx, rec.ID, r.Target, string(r.Status), int64(r.RTT), r.HopsTo, r.HopsBack,
			strings.Join(r.Route, ";"), strings.Join(r.RouteBack, ";"), snr,
			joinFloats(r.SNRTowards), joinFloats(r.SNRBack), r.Timestamp.UnixNano()); err != nil {
			return "", fmt.Errorf("insert result for %s: %w", r.Target, err)
		}
	}

	issueStmt, err := tx.PrepareContext(ctx, `INSERT INTO issues (report_id, category, node, message) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return "", err
	}
	defer issueStmt.Close()
	for _, is := range rec.Issues {
		if _, err := issueStmt.ExecContext(ctx, rec.ID, string(is.Category), is.Node, is.Message); err != nil {
			return "", fmt.Errorf("insert issue: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return "", err
	}
	h.log.Debug("report stored", zap.String("id", rec.ID), zap.Int("results", len(rec.Results)), zap.Int("issues", len(rec.Issues)))
	return rec.ID, nil
}

// Results returns stored probe results at or after since, oldest first.
func (h *History) Results(ctx context.Context, since time.Time) ([]model.ProbeResult, error) {
	rows, err := h.db.QueryContext(ctx, `SELECT target, status, rtt_ns, hops_to, hops_back, route, route_back, snr, snr_towards, snr_back, ts
		FROM probe_results WHERE ts >= ? ORDER BY ts, id`, sinceNano(since))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.ProbeResult
	for rows.Next() {
		var (
			r                   model.ProbeResult
			status, route, back string
			towards, snrBack    string
			rtt, ts             int64
			snr                 sql.NullFloat64
		)
		if err := rows.Scan(&r.Target, &status, &rtt, &r.HopsTo, &r.HopsBack, &route, &back, &snr, &towards, &snrBack, &ts); err != nil {
			return nil, err
		}
		r.Status = model.ProbeStatus(status)
		r.RTT = time.Duration(rtt)
		r.Route = splitIDs(route)
		r.RouteBack = splitIDs(back)
		if snr.Valid {
			v := snr.Float64
			r.SNR = &v
		}
		r.SNRTowards = splitFloats(towards)
		r.SNRBack = splitFloats(snrBack)
		r.Timestamp = time.Unix(0, ts).UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}

// Reports lists stored reports, newest first. limit <= 0 means all.
func (h *History) Reports(ctx context.Context, limit int) ([]ReportSummary, error) {
	q := `SELECT id, created_at, cycles, result_count, issue_count FROM reports ORDER BY created_at DESC`
	args := []any{}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := h.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ReportSummary
	for rows.Next() {
		var s ReportSummary
		var created int64
		if err := rows.Scan(&s.ID, &created, &s.Cycles, &s.ResultCount, &s.IssueCount); err != nil {
			return nil, err
		}
		s.CreatedAt = time.Unix(0, created).UTC()
		out = append(out, s)
	}
	return out, rows.Err()
}

// Issues returns the issues stored with a report, in detection order.
func (h *History) Issues(ctx context.Context, reportID string) ([]health.Issue, error) {
	rows, err := h.db.QueryContext(ctx, `SELECT category, node, message FROM issues WHERE report_id = ? ORDER BY id`, reportID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []health.Issue
	for rows.Next() {
		var is health.Issue
		var cat string
		if err := rows.Scan(&cat, &is.Node, &is.Message); err != nil {
			return nil, err
		}
		is.Category = health.Category(cat)
		out = append(out, is)
	}
	return out, rows.Err()
}

func sinceNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func joinFloats(vals []float64) string {
	parts := make([]string, len(vals))
	for i, v := range vals {
		parts[i] = strconv.FormatFloat(v, 'f', -1, 64)
	}
	return strings.Join(parts, ",")
}

func splitFloats(s string) []float64 {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]float64, 0, len(parts))
	for _, p := range parts {
		if v, err := strconv.ParseFloat(p, 64); err == nil {
			out = append(out, v)
		}
	}
	return out
}

func splitIDs(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ";")
}
