package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/rendis/convo/pkg/schema"
)

// LibSQLStore implements Store using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

var _ Store = (*LibSQLStore)(nil)

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/convo.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB.
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// --- Graphs ---

func (s *LibSQLStore) SaveGraph(ctx context.Context, g *schema.Graph) error {
	if g == nil || g.ID == "" {
		return schema.NewError(schema.ErrCodeValidation, "graph id is required")
	}
	def, err := json.Marshal(g)
	if err != nil {
		return fmt.Errorf("marshal graph: %w", err)
	}
	now := toMillis(time.Now())
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO graphs (id, name, version, definition, node_count, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET name=excluded.name, version=excluded.version,
		   definition=excluded.definition, node_count=excluded.node_count, updated_at=excluded.updated_at`,
		g.ID, nullStr(g.Name), nullStr(g.Version), string(def), len(g.Nodes), now, now,
	)
	return err
}

func (s *LibSQLStore) GetGraph(ctx context.Context, id string) (*schema.Graph, error) {
	var def string
	err := s.db.QueryRowContext(ctx, `SELECT definition FROM graphs WHERE id = ?`, id).Scan(&def)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("graph", id)
	}
	if err != nil {
		return nil, err
	}
	g := &schema.Graph{}
	if err := json.Unmarshal([]byte(def), g); err != nil {
		return nil, fmt.Errorf("unmarshal graph: %w", err)
	}
	return g, nil
}

func (s *LibSQLStore) ListGraphs(ctx context.Context) ([]*GraphInfo, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, version, node_count, updated_at FROM graphs ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*GraphInfo
	for rows.Next() {
		gi := &GraphInfo{}
		var name, version sql.NullString
		var updated int64
		if err := rows.Scan(&gi.ID, &name, &version, &gi.NodeCount, &updated); err != nil {
			return nil, err
		}
		gi.Name = name.String
		gi.Version = version.String
		gi.UpdatedAt = fromMillis(updated)
		out = append(out, gi)
	}
	return out, rows.Err()
}

// --- Runs ---

const runColumns = `id, graph_id, tenant_id, channel, contact_id, pointer, status, context,
	interaction_count, wait, started_at, updated_at, expires_at, completed_at, error`

// CreateRun inserts a new run. A second active run for the same conversation
// violates the partial unique index and is reported as CONFLICT.
func (s *LibSQLStore) CreateRun(ctx context.Context, run *Run) error {
	wait, err := marshalWait(run.Wait)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	if run.StartedAt.IsZero() {
		run.StartedAt = now
	}
	if run.UpdatedAt.IsZero() {
		run.UpdatedAt = now
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO runs (`+runColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.GraphID, run.Conversation.TenantID, run.Conversation.Channel, run.Conversation.ContactID,
		nullStr(run.Pointer), string(run.Status), contextOrEmpty(run.Context),
		run.InteractionCount, wait, toMillis(run.StartedAt), toMillis(run.UpdatedAt),
		toMillis(run.ExpiresAt), nullMillis(run.CompletedAt), nullStr(run.Error),
	)
	if err != nil && isUniqueViolation(err) {
		return schema.NewErrorf(schema.ErrCodeConflict, "conversation %s already has an active run", run.Conversation).WithCause(err)
	}
	return err
}

func (s *LibSQLStore) GetRun(ctx context.Context, id string) (*Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("run", id)
	}
	return run, err
}

// UpdateRun replaces the mutable fields of a run.
func (s *LibSQLStore) UpdateRun(ctx context.Context, run *Run) error {
	wait, err := marshalWait(run.Wait)
	if err != nil {
		return err
	}
	if run.UpdatedAt.IsZero() {
		run.UpdatedAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET pointer = ?, status = ?, context = ?, interaction_count = ?, wait = ?,
		   updated_at = ?, expires_at = ?, completed_at = ?, error = ?
		 WHERE id = ?`,
		nullStr(run.Pointer), string(run.Status), contextOrEmpty(run.Context), run.InteractionCount, wait,
		toMillis(run.UpdatedAt), toMillis(run.ExpiresAt), nullMillis(run.CompletedAt), nullStr(run.Error),
		run.ID,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return schema.NewErrorf(schema.ErrCodeConflict, "conversation %s already has an active run", run.Conversation).WithCause(err)
		}
		return err
	}
	return checkRowsAffected(res, "run", run.ID)
}

func (s *LibSQLStore) FindActive(ctx context.Context, conv Conversation) (*Run, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM runs
		 WHERE tenant_id = ? AND channel = ? AND contact_id = ? AND status IN (?, ?)
		 ORDER BY started_at DESC LIMIT 1`,
		conv.TenantID, conv.Channel, conv.ContactID,
		string(schema.RunStatusRunning), string(schema.RunStatusWaiting),
	)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return run, err
}

func (s *LibSQLStore) ListExpired(ctx context.Context, now time.Time) ([]*Run, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+runColumns+` FROM runs
		 WHERE status IN (?, ?) AND expires_at <= ?
		 ORDER BY expires_at`,
		string(schema.RunStatusRunning), string(schema.RunStatusWaiting), toMillis(now),
	)
	if err != nil {
		return nil, err
	}
	return collectRuns(rows)
}

func (s *LibSQLStore) ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error) {
	var where []string
	var args []any

	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.GraphID != "" {
		where = append(where, "graph_id = ?")
		args = append(args, filter.GraphID)
	}
	if filter.Conversation != nil {
		where = append(where, "tenant_id = ? AND channel = ? AND contact_id = ?")
		args = append(args, filter.Conversation.TenantID, filter.Conversation.Channel, filter.Conversation.ContactID)
	}

	query := `SELECT ` + runColumns + ` FROM runs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY started_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return collectRuns(rows)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*Run, error) {
	run := &Run{}
	var (
		pointer, wait, errMsg     sql.NullString
		status, ctxJSON           string
		started, updated, expires int64
		completed                 sql.NullInt64
	)
	if err := row.Scan(&run.ID, &run.GraphID,
		&run.Conversation.TenantID, &run.Conversation.Channel, &run.Conversation.ContactID,
		&pointer, &status, &ctxJSON, &run.InteractionCount, &wait,
		&started, &updated, &expires, &completed, &errMsg); err != nil {
		return nil, err
	}
	run.Pointer = pointer.String
	run.Status = schema.RunStatus(status)
	run.Context = json.RawMessage(ctxJSON)
	run.StartedAt = fromMillis(started)
	run.UpdatedAt = fromMillis(updated)
	run.ExpiresAt = fromMillis(expires)
	if completed.Valid {
		t := fromMillis(completed.Int64)
		run.CompletedAt = &t
	}
	run.Error = errMsg.String
	if wait.Valid && wait.String != "" {
		run.Wait = &WaitState{}
		if err := json.Unmarshal([]byte(wait.String), run.Wait); err != nil {
			return nil, fmt.Errorf("unmarshal wait state: %w", err)
		}
	}
	return run, nil
}

func collectRuns(rows *sql.Rows) ([]*Run, error) {
	defer rows.Close()
	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// --- Helpers ---

func storeNotFound(resource, id string) *schema.ConvoError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func marshalWait(w *WaitState) (any, error) {
	if w == nil {
		return nil, nil
	}
	b, err := json.Marshal(w)
	if err != nil {
		return nil, fmt.Errorf("marshal wait state: %w", err)
	}
	return string(b), nil
}

func contextOrEmpty(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "{}"
	}
	return string(raw)
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func nullMillis(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullRaw(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}
