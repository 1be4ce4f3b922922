package learning

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"forgeflow/internal/logging"

	_ "github.com/mattn/go-sqlite3"
)

// Sentinel errors.
var (
	ErrErrorNotFound   = errors.New("error entry not found")
	ErrPatternNotFound = errors.New("error pattern not found")
)

// KnownFix records a fix that worked for a pattern before.
type KnownFix struct {
	ChangeID      string  `json:"change_id"`
	Strategy      string  `json:"strategy"`
	Effectiveness float64 `json:"effectiveness"`
	Applications  int     `json:"applications"`
}

// Pattern aggregates recurrences of one normalised error shape.
type Pattern struct {
	Key               string     `json:"pattern_key"`
	ErrorType         string     `json:"error_type"`
	NormalizedMessage string     `json:"normalized_message"`
	Category          Category   `json:"category"`
	Agent             string     `json:"agent"`
	Total             int        `json:"total"`
	Recent            int        `json:"recent"`
	FirstSeen         time.Time  `json:"first_seen"`
	LastSeen          time.Time  `json:"last_seen"`
	KnownFixes        []KnownFix `json:"known_fixes"`
}

// Store is the sqlite-backed persistence for error entries and patterns.
type Store struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS error_log (
	id TEXT PRIMARY KEY,
	batch_id TEXT,
	ts INTEGER NOT NULL,
	phase INTEGER NOT NULL,
	agent TEXT NOT NULL,
	skill TEXT,
	error_type TEXT NOT NULL,
	message TEXT NOT NULL,
	code TEXT,
	stack TEXT,
	line INTEGER,
	context TEXT NOT NULL DEFAULT '{}',
	pattern_key TEXT NOT NULL,
	occurrences INTEGER NOT NULL,
	category TEXT NOT NULL,
	severity TEXT NOT NULL,
	learnable INTEGER NOT NULL,
	auto_fix INTEGER NOT NULL,
	resolved INTEGER NOT NULL DEFAULT 0,
	resolution_change_id TEXT
);
CREATE INDEX IF NOT EXISTS idx_error_pattern ON error_log(pattern_key);
CREATE INDEX IF NOT EXISTS idx_error_ts ON error_log(ts);

CREATE TABLE IF NOT EXISTS error_patterns (
	pattern_key TEXT PRIMARY KEY,
	error_type TEXT NOT NULL,
	normalized_message TEXT NOT NULL,
	category TEXT NOT NULL,
	agent TEXT,
	total INTEGER NOT NULL DEFAULT 0,
	recent INTEGER NOT NULL DEFAULT 0,
	first_seen INTEGER NOT NULL,
	last_seen INTEGER NOT NULL,
	known_fixes TEXT NOT NULL DEFAULT '[]'
);
`

// OpenStore opens (creating if needed) the learning database. WAL mode and
// a busy timeout keep concurrent pipeline stages from tripping over locks.
func OpenStore(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open learning database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply learning schema: %w", err)
	}

	logging.Learning("opened learning store at %s", path)
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// =============================================================================
// ERROR LOG
// =============================================================================

// InsertError records a captured error and bumps its pattern. The entry's
// occurrence count and (possibly elevated) severity reflect the pattern
// state after the insert.
func (s *Store) InsertError(e *ErrorEntry) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := e.Timestamp.UnixMilli()
	_, err = tx.Exec(`
		INSERT INTO error_patterns (pattern_key, error_type, normalized_message, category, agent, total, recent, first_seen, last_seen)
		VALUES (?, ?, ?, ?, ?, 1, 1, ?, ?)
		ON CONFLICT(pattern_key) DO UPDATE SET
			total = total + 1,
			recent = recent + 1,
			last_seen = excluded.last_seen`,
		e.PatternKey, e.ErrorType, Normalize(e.Message), string(e.Category), e.Agent, now, now)
	if err != nil {
		return fmt.Errorf("failed to upsert pattern: %w", err)
	}

	var total int
	if err := tx.QueryRow(`SELECT total FROM error_patterns WHERE pattern_key = ?`, e.PatternKey).Scan(&total); err != nil {
		return fmt.Errorf("failed to read pattern count: %w", err)
	}
	e.Occurrences = total
	e.Severity = ElevateSeverity(e.Severity, total)

	ctxJSON, err := json.Marshal(e.Context)
	if err != nil {
		return fmt.Errorf("failed to marshal error context: %w", err)
	}

	_, err = tx.Exec(`
		INSERT INTO error_log (id, batch_id, ts, phase, agent, skill, error_type, message, code, stack, line,
			context, pattern_key, occurrences, category, severity, learnable, auto_fix, resolved, resolution_change_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.BatchID, now, e.Phase, e.Agent, e.Skill, e.ErrorType, e.Message, e.Code, e.Stack, e.Line,
		string(ctxJSON), e.PatternKey, e.Occurrences, string(e.Category), string(e.Severity),
		boolInt(e.Learnable), boolInt(e.AutoFix), boolInt(e.Resolved), e.ResolutionChangeID)
	if err != nil {
		return fmt.Errorf("failed to insert error entry: %w", err)
	}

	return tx.Commit()
}

// GetError loads one error entry by id.
func (s *Store) GetError(id string) (*ErrorEntry, error) {
	row := s.db.QueryRow(`
		SELECT id, batch_id, ts, phase, agent, skill, error_type, message, code, stack, line,
			context, pattern_key, occurrences, category, severity, learnable, auto_fix, resolved, resolution_change_id
		FROM error_log WHERE id = ?`, id)
	e, err := scanError(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("error %s: %w", id, ErrErrorNotFound)
	}
	return e, err
}

// ErrorFilter narrows ListErrors.
type ErrorFilter struct {
	Limit    int
	Resolved *bool
	Category Category
	Agent    string
}

// ListErrors returns entries newest first.
func (s *Store) ListErrors(f ErrorFilter) ([]*ErrorEntry, error) {
	query := `
		SELECT id, batch_id, ts, phase, agent, skill, error_type, message, code, stack, line,
			context, pattern_key, occurrences, category, severity, learnable, auto_fix, resolved, resolution_change_id
		FROM error_log WHERE 1=1`
	var args []any
	if f.Resolved != nil {
		query += ` AND resolved = ?`
		args = append(args, boolInt(*f.Resolved))
	}
	if f.Category != "" {
		query += ` AND category = ?`
		args = append(args, string(f.Category))
	}
	if f.Agent != "" {
		query += ` AND agent = ?`
		args = append(args, f.Agent)
	}
	query += ` ORDER BY ts DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list errors: %w", err)
	}
	defer rows.Close()

	var out []*ErrorEntry
	for rows.Next() {
		e, err := scanError(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// MarkResolved flags an error entry as resolved by a change.
func (s *Store) MarkResolved(errorID, changeID string) error {
	res, err := s.db.Exec(`UPDATE error_log SET resolved = 1, resolution_change_id = ? WHERE id = ?`, changeID, errorID)
	if err != nil {
		return fmt.Errorf("failed to mark resolved: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("error %s: %w", errorID, ErrErrorNotFound)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanError(r rowScanner) (*ErrorEntry, error) {
	var (
		e        ErrorEntry
		ts       int64
		ctxJSON  string
		category string
		severity string
		learn    int
		autoFix  int
		resolved int
	)
	err := r.Scan(&e.ID, &e.BatchID, &ts, &e.Phase, &e.Agent, &e.Skill, &e.ErrorType, &e.Message,
		&e.Code, &e.Stack, &e.Line, &ctxJSON, &e.PatternKey, &e.Occurrences, &category, &severity,
		&learn, &autoFix, &resolved, &e.ResolutionChangeID)
	if err != nil {
		return nil, err
	}
	e.Timestamp = time.UnixMilli(ts)
	e.Category = Category(category)
	e.Severity = Severity(severity)
	e.Learnable = learn != 0
	e.AutoFix = autoFix != 0
	e.Resolved = resolved != 0
	if err := json.Unmarshal([]byte(ctxJSON), &e.Context); err != nil {
		return nil, fmt.Errorf("failed to parse error context: %w", err)
	}
	return &e, nil
}

// =============================================================================
// PATTERNS
// =============================================================================

// GetPattern loads one pattern by key.
func (s *Store) GetPattern(key string) (*Pattern, error) {
	row := s.db.QueryRow(`
		SELECT pattern_key, error_type, normalized_message, category, agent, total, recent, first_seen, last_seen, known_fixes
		FROM error_patterns WHERE pattern_key = ?`, key)
	p, err := scanPattern(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("pattern %s: %w", key, ErrPatternNotFound)
	}
	return p, err
}

// ListPatterns returns patterns ordered by total occurrences, most frequent
// first.
func (s *Store) ListPatterns(limit int) ([]*Pattern, error) {
	query := `
		SELECT pattern_key, error_type, normalized_message, category, agent, total, recent, first_seen, last_seen, known_fixes
		FROM error_patterns ORDER BY total DESC`
	var args []any
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list patterns: %w", err)
	}
	defer rows.Close()

	var out []*Pattern
	for rows.Next() {
		p, err := scanPattern(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// AddKnownFix appends (or updates) a proven fix on a pattern.
func (s *Store) AddKnownFix(key string, fix KnownFix) error {
	p, err := s.GetPattern(key)
	if err != nil {
		return err
	}

	updated := false
	for i := range p.KnownFixes {
		if p.KnownFixes[i].ChangeID == fix.ChangeID {
			p.KnownFixes[i].Applications++
			p.KnownFixes[i].Effectiveness = fix.Effectiveness
			updated = true
			break
		}
	}
	if !updated {
		if fix.Applications == 0 {
			fix.Applications = 1
		}
		p.KnownFixes = append(p.KnownFixes, fix)
	}

	fixesJSON, err := json.Marshal(p.KnownFixes)
	if err != nil {
		return fmt.Errorf("failed to marshal known fixes: %w", err)
	}
	_, err = s.db.Exec(`UPDATE error_patterns SET known_fixes = ? WHERE pattern_key = ?`, string(fixesJSON), key)
	if err != nil {
		return fmt.Errorf("failed to store known fix: %w", err)
	}
	return nil
}

func scanPattern(r rowScanner) (*Pattern, error) {
	var (
		p         Pattern
		category  string
		firstSeen int64
		lastSeen  int64
		fixesJSON string
	)
	err := r.Scan(&p.Key, &p.ErrorType, &p.NormalizedMessage, &category, &p.Agent,
		&p.Total, &p.Recent, &firstSeen, &lastSeen, &fixesJSON)
	if err != nil {
		return nil, err
	}
	p.Category = Category(category)
	p.FirstSeen = time.UnixMilli(firstSeen)
	p.LastSeen = time.UnixMilli(lastSeen)
	if err := json.Unmarshal([]byte(fixesJSON), &p.KnownFixes); err != nil {
		return nil, fmt.Errorf("failed to parse known fixes: %w", err)
	}
	return &p, nil
}

// =============================================================================
// STATS
// =============================================================================

// Stats summarises the error log for reporting commands.
type Stats struct {
	TotalErrors    int            `json:"total_errors"`
	ResolvedErrors int            `json:"resolved_errors"`
	TotalPatterns  int            `json:"total_patterns"`
	ByCategory     map[string]int `json:"by_category"`
	BySeverity     map[string]int `json:"by_severity"`
}

// Stats computes aggregate counts.
func (s *Store) Stats() (*Stats, error) {
	st := &Stats{ByCategory: make(map[string]int), BySeverity: make(map[string]int)}

	if err := s.db.QueryRow(`SELECT COUNT(*), COALESCE(SUM(resolved), 0) FROM error_log`).Scan(&st.TotalErrors, &st.ResolvedErrors); err != nil {
		return nil, fmt.Errorf("failed to count errors: %w", err)
	}
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM error_patterns`).Scan(&st.TotalPatterns); err != nil {
		return nil, fmt.Errorf("failed to count patterns: %w", err)
	}

	rows, err := s.db.Query(`SELECT category, COUNT(*) FROM error_log GROUP BY category`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var cat string
		var n int
		if err := rows.Scan(&cat, &n); err != nil {
			return nil, err
		}
		st.ByCategory[cat] = n
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sevRows, err := s.db.Query(`SELECT severity, COUNT(*) FROM error_log GROUP BY severity`)
	if err != nil {
		return nil, err
	}
	defer sevRows.Close()
	for sevRows.Next() {
		var sev string
		var n int
		if err := sevRows.Scan(&sev, &n); err != nil {
			return nil, err
		}
		st.BySeverity[sev] = n
	}
	return st, sevRows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
