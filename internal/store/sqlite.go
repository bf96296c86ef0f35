package store

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/nvandessel/cmrsim/internal/constants"

	_ "modernc.org/sqlite" // SQLite driver
)

// SQLiteRunStore implements RunStore using SQLite for persistence.
type SQLiteRunStore struct {
	mu      sync.RWMutex
	db      *sql.DB
	dbPath  string
	nowFunc func() time.Time
}

// NewSQLiteRunStore creates a new SQLiteRunStore rooted at projectRoot.
// It creates the database at .cmrsim/cmrsim.db.
func NewSQLiteRunStore(projectRoot string) (*SQLiteRunStore, error) {
	dir, err := EnsureLocalDir(projectRoot)
	if err != nil {
		return nil, err
	}
	return OpenSQLiteRunStore(filepath.Join(dir, constants.DatabaseFileName))
}

// OpenSQLiteRunStore opens or creates the database at dbPath.
func OpenSQLiteRunStore(dbPath string) (*SQLiteRunStore, error) {
	db, err := sql.Open("sqlite", dbPath+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite works best with single writer
	db.SetMaxOpenConns(1)

	if err := InitSchema(context.Background(), db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &SQLiteRunStore{db: db, dbPath: dbPath, nowFunc: time.Now}, nil
}

// Path returns the database file path.
func (s *SQLiteRunStore) Path() string {
	return s.dbPath
}

// Record inserts a record and returns its row id.
func (s *SQLiteRunStore) Record(ctx context.Context, r RunRecord) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if r.CreatedAt.IsZero() {
		r.CreatedAt = s.nowFunc()
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (
			session_id, mode, created_at,
			true_size, marked, sampled, recaptured,
			defined, estimate, category, percent_error, advice
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.SessionID, r.Mode, r.CreatedAt.UTC().Format(time.RFC3339Nano),
		r.TrueSize, r.Marked, r.Sampled, r.Recaptured,
		boolToInt(r.Defined), nullInt(r.Defined, int64(r.Estimate)), nullString(r.Category),
		nullFloat(r.Defined, r.PercentError), adviceOrNone(r.Advice),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to insert run: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read run id: %w", err)
	}
	return id, nil
}

// List returns matching records, newest first.
func (s *SQLiteRunStore) List(ctx context.Context, filter RunFilter) ([]RunRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	where, args := filterClause(filter)
	query := `
		SELECT id, session_id, mode, created_at,
			true_size, marked, sampled, recaptured,
			defined, estimate, category, percent_error, advice
		FROM runs` + where + ` ORDER BY id DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var out []RunRecord
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate runs: %w", err)
	}
	return out, nil
}

// Summary aggregates matching records in SQL.
func (s *SQLiteRunStore) Summary(ctx context.Context, filter RunFilter) (Summary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	where, args := filterClause(filter)
	sum := Summary{Categories: make(map[string]int)}

	var meanErr sql.NullFloat64
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
			COALESCE(SUM(CASE WHEN defined = 0 THEN 1 ELSE 0 END), 0),
			AVG(CASE WHEN defined = 1 THEN percent_error END)
		FROM runs`+where, args...).Scan(&sum.Runs, &sum.Undefined, &meanErr)
	if err != nil {
		return Summary{}, fmt.Errorf("failed to summarize runs: %w", err)
	}
	if meanErr.Valid {
		sum.MeanPercentError = meanErr.Float64
	}

	catWhere := where
	if catWhere == "" {
		catWhere = " WHERE defined = 1"
	} else {
		catWhere += " AND defined = 1"
	}
	rows, err := s.db.QueryContext(ctx, `SELECT category, COUNT(*) FROM runs`+catWhere+` GROUP BY category`, args...)
	if err != nil {
		return Summary{}, fmt.Errorf("failed to count categories: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var cat sql.NullString
		var n int
		if err := rows.Scan(&cat, &n); err != nil {
			return Summary{}, fmt.Errorf("failed to scan category count: %w", err)
		}
		sum.Categories[cat.String] = n
	}
	if err := rows.Err(); err != nil {
		return Summary{}, fmt.Errorf("failed to iterate categories: %w", err)
	}
	return sum, nil
}

// Close closes the database.
func (s *SQLiteRunStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

func filterClause(f RunFilter) (string, []any) {
	var conds []string
	var args []any
	if f.SessionID != "" {
		conds = append(conds, "session_id = ?")
		args = append(args, f.SessionID)
	}
	if f.Mode != "" {
		conds = append(conds, "mode = ?")
		args = append(args, f.Mode)
	}
	if len(f.ExcludeSessions) > 0 {
		conds = append(conds, "session_id NOT IN (?"+strings.Repeat(", ?", len(f.ExcludeSessions)-1)+")")
		for _, id := range f.ExcludeSessions {
			args = append(args, id)
		}
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (RunRecord, error) {
	var (
		r        RunRecord
		created  string
		defined  int
		est      sql.NullInt64
		category sql.NullString
		pctErr   sql.NullFloat64
	)
	if err := row.Scan(
		&r.ID, &r.SessionID, &r.Mode, &created,
		&r.TrueSize, &r.Marked, &r.Sampled, &r.Recaptured,
		&defined, &est, &category, &pctErr, &r.Advice,
	); err != nil {
		return RunRecord{}, fmt.Errorf("failed to scan run: %w", err)
	}
	t, err := time.Parse(time.RFC3339Nano, created)
	if err != nil {
		return RunRecord{}, fmt.Errorf("failed to parse created_at %q: %w", created, err)
	}
	r.CreatedAt = t
	r.Defined = defined != 0
	r.Estimate = int(est.Int64)
	r.Category = category.String
	r.PercentError = pctErr.Float64
	return r, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullInt(valid bool, v int64) sql.NullInt64 {
	return sql.NullInt64{Int64: v, Valid: valid}
}

func nullFloat(valid bool, v float64) sql.NullFloat64 {
	return sql.NullFloat64{Float64: v, Valid: valid}
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func adviceOrNone(a string) string {
	if a == "" {
		return "none"
	}
	return a
}
