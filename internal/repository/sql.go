package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/xiaot623/gogo/internal/domain"
)

// Supported database drivers.
const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "postgres"
)

// SQLStore implements Store on top of database/sql for SQLite and PostgreSQL.
type SQLStore struct {
	db     *sql.DB
	driver string
}

// NewSQLStore opens the database and runs migrations.
func NewSQLStore(driver, dsn string) (*SQLStore, error) {
	switch driver {
	case DriverSQLite, DriverPostgres:
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if driver == DriverSQLite {
		// For in-memory SQLite, multiple connections create separate databases.
		// Keep a single connection to avoid schema/data disappearing across goroutines.
		if dsn == ":memory:" || strings.Contains(dsn, "mode=memory") {
			db.SetMaxOpenConns(1)
			db.SetMaxIdleConns(1)
		}
		if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to enable WAL: %w", err)
		}
	}

	store := &SQLStore{db: db, driver: driver}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// NewSQLiteStore creates a new SQLite store.
func NewSQLiteStore(dsn string) (*SQLStore, error) {
	return NewSQLStore(DriverSQLite, dsn)
}

// migrate runs database migrations.
func (s *SQLStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS run_state (
			session_id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL,
			message_id TEXT NOT NULL,
			status TEXT NOT NULL,
			last_seq BIGINT NOT NULL DEFAULT 0,
			reason TEXT,
			updated_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_run_state_status ON run_state(status)`,
		`CREATE TABLE IF NOT EXISTS run_events (
			session_id TEXT NOT NULL,
			run_id TEXT NOT NULL,
			seq BIGINT NOT NULL,
			type TEXT NOT NULL,
			payload TEXT NOT NULL,
			created_at BIGINT NOT NULL,
			PRIMARY KEY (session_id, run_id, seq)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_run_events_created ON run_events(created_at)`,
		`CREATE TABLE IF NOT EXISTS commands (
			session_id TEXT NOT NULL,
			command_id TEXT NOT NULL,
			type TEXT NOT NULL,
			payload TEXT,
			result TEXT,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL,
			PRIMARY KEY (session_id, command_id)
		)`,
		`CREATE TABLE IF NOT EXISTS audit_events (
			id TEXT PRIMARY KEY,
			ts BIGINT NOT NULL,
			session_id TEXT NOT NULL,
			actor TEXT NOT NULL,
			event_type TEXT NOT NULL,
			run_id TEXT,
			target_message_id TEXT,
			content_hash_before TEXT,
			content_hash_after TEXT,
			reason TEXT,
			payload TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_session ON audit_events(session_id, ts)`,
		`CREATE TABLE IF NOT EXISTS messages (
			message_id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			run_id TEXT,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at BIGINT NOT NULL,
			metadata TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, created_at)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\n%s", err, m)
		}
	}

	// Supersede chain columns were added after the messages table shipped.
	if err := s.ensureColumn("messages", "status", "ALTER TABLE messages ADD COLUMN status TEXT NOT NULL DEFAULT 'active'"); err != nil {
		return err
	}
	if err := s.ensureColumn("messages", "parent_message_id", "ALTER TABLE messages ADD COLUMN parent_message_id TEXT"); err != nil {
		return err
	}
	if err := s.ensureColumn("messages", "revision", "ALTER TABLE messages ADD COLUMN revision INTEGER NOT NULL DEFAULT 1"); err != nil {
		return err
	}
	return nil
}

func (s *SQLStore) ensureColumn(tableName, columnName, ddl string) error {
	if s.driver == DriverPostgres {
		var n int
		err := s.db.QueryRow(
			`SELECT COUNT(*) FROM information_schema.columns WHERE table_name = $1 AND column_name = $2`,
			tableName, columnName).Scan(&n)
		if err != nil {
			return err
		}
		if n > 0 {
			return nil
		}
		_, err = s.db.Exec(ddl)
		return err
	}

	rows, err := s.db.Query(fmt.Sprintf("PRAGMA table_info(%s)", tableName))
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull int
		var dfltValue sql.NullString
		var pk int
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dfltValue, &pk); err != nil {
			return err
		}
		if name == columnName {
			return nil
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}

	_, err = s.db.Exec(ddl)
	return err
}

// rebind rewrites ? placeholders to $n for PostgreSQL.
func (s *SQLStore) rebind(query string) string {
	if s.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

func (s *SQLStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

func nullString(v string) sql.NullString {
	return sql.NullString{String: v, Valid: v != ""}
}

func nullJSON(v json.RawMessage) sql.NullString {
	return sql.NullString{String: string(v), Valid: len(v) > 0}
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms)
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return time.Now().UnixMilli()
	}
	return t.UnixMilli()
}

// UpsertRunState records the session's current run, replacing any previous one.
func (s *SQLStore) UpsertRunState(ctx context.Context, run *domain.RunRecord) error {
	_, err := s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO run_state (session_id, run_id, message_id, status, last_seq, reason, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (session_id) DO UPDATE SET
			run_id = excluded.run_id,
			message_id = excluded.message_id,
			status = excluded.status,
			last_seq = excluded.last_seq,
			reason = excluded.reason,
			updated_at = excluded.updated_at`),
		run.SessionID, run.RunID, run.MessageID, run.Status, run.LastSeq, nullString(run.Reason), toMillis(run.UpdatedAt))
	if err != nil {
		return fmt.Errorf("upsert run state: %w", err)
	}
	return nil
}

// GetRunState retrieves the session's current run. It returns nil when none exists.
func (s *SQLStore) GetRunState(ctx context.Context, sessionID string) (*domain.RunRecord, error) {
	var run domain.RunRecord
	var reason sql.NullString
	var updatedAt int64
	err := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT session_id, run_id, message_id, status, last_seq, reason, updated_at FROM run_state WHERE session_id = ?`),
		sessionID).Scan(&run.SessionID, &run.RunID, &run.MessageID, &run.Status, &run.LastSeq, &reason, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get run state: %w", err)
	}
	run.Reason = reason.String
	run.UpdatedAt = fromMillis(updatedAt)
	return &run, nil
}

// UpdateRunStatus sets the status of the session's run if it is still runID.
func (s *SQLStore) UpdateRunStatus(ctx context.Context, sessionID, runID string, status domain.RunStatus, reason string) error {
	_, err := s.db.ExecContext(ctx, s.rebind(
		`UPDATE run_state SET status = ?, reason = ?, updated_at = ? WHERE session_id = ? AND run_id = ?`),
		status, nullString(reason), time.Now().UnixMilli(), sessionID, runID)
	if err != nil {
		return fmt.Errorf("update run status: %w", err)
	}
	return nil
}

// InterruptRun marks an open run as interrupted. It reports whether a row changed.
func (s *SQLStore) InterruptRun(ctx context.Context, sessionID, runID, reason string) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.rebind(
		`UPDATE run_state SET status = ?, reason = ?, updated_at = ?
		WHERE session_id = ? AND run_id = ? AND status IN (?, ?)`),
		domain.RunStatusInterrupted, reason, time.Now().UnixMilli(), sessionID, runID,
		domain.RunStatusActive, domain.RunStatusStreaming)
	if err != nil {
		return false, fmt.Errorf("interrupt run: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// InterruptActiveRuns marks every open run as interrupted.
func (s *SQLStore) InterruptActiveRuns(ctx context.Context, reason string) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.rebind(
		`UPDATE run_state SET status = ?, reason = ?, updated_at = ? WHERE status IN (?, ?)`),
		domain.RunStatusInterrupted, reason, time.Now().UnixMilli(),
		domain.RunStatusActive, domain.RunStatusStreaming)
	if err != nil {
		return 0, fmt.Errorf("interrupt active runs: %w", err)
	}
	return res.RowsAffected()
}

// FindRunSession returns the session that owns runID, or "" when neither the
// run state nor the event log knows the run.
func (s *SQLStore) FindRunSession(ctx context.Context, runID string) (string, error) {
	var sessionID string
	err := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT session_id FROM run_state WHERE run_id = ?
		UNION ALL
		SELECT session_id FROM run_events WHERE run_id = ?
		LIMIT 1`),
		runID, runID).Scan(&sessionID)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("find run session: %w", err)
	}
	return sessionID, nil
}

// AppendEvent writes one event row and advances the run's last_seq.
// Rewriting an existing (session, run, seq) key overwrites the torn row.
func (s *SQLStore) AppendEvent(ctx context.Context, event *domain.EventRecord) error {
	createdAt := toMillis(event.CreatedAt)
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, s.rebind(
			`INSERT INTO run_events (session_id, run_id, seq, type, payload, created_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT (session_id, run_id, seq) DO UPDATE SET
				type = excluded.type,
				payload = excluded.payload`),
			event.SessionID, event.RunID, event.Seq, event.Type, string(event.Payload), createdAt); err != nil {
			return fmt.Errorf("append event: %w", err)
		}
		if _, err := tx.ExecContext(ctx, s.rebind(
			`UPDATE run_state SET last_seq = CASE WHEN last_seq < ? THEN ? ELSE last_seq END, updated_at = ?
			WHERE session_id = ? AND run_id = ?`),
			event.Seq, event.Seq, createdAt, event.SessionID, event.RunID); err != nil {
			return fmt.Errorf("advance last_seq: %w", err)
		}
		return nil
	})
}

// ListEvents returns the run's events with seq > afterSeq in ascending order.
func (s *SQLStore) ListEvents(ctx context.Context, sessionID, runID string, afterSeq int64) ([]domain.EventRecord, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT session_id, run_id, seq, type, payload, created_at FROM run_events
		WHERE session_id = ? AND run_id = ? AND seq > ? ORDER BY seq ASC`),
		sessionID, runID, afterSeq)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var events []domain.EventRecord
	for rows.Next() {
		var ev domain.EventRecord
		var payload string
		var createdAt int64
		if err := rows.Scan(&ev.SessionID, &ev.RunID, &ev.Seq, &ev.Type, &payload, &createdAt); err != nil {
			return nil, err
		}
		ev.Payload = json.RawMessage(payload)
		ev.CreatedAt = fromMillis(createdAt)
		events = append(events, ev)
	}
	return events, rows.Err()
}

// GetCommandResult returns the stored result of a command, or nil if the
// command is unknown or still undecided.
func (s *SQLStore) GetCommandResult(ctx context.Context, sessionID, commandID string) (json.RawMessage, error) {
	var result sql.NullString
	err := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT result FROM commands WHERE session_id = ? AND command_id = ?`),
		sessionID, commandID).Scan(&result)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get command result: %w", err)
	}
	if !result.Valid {
		return nil, nil
	}
	return json.RawMessage(result.String), nil
}

// SaveCommand inserts a ledger entry. The first writer wins.
func (s *SQLStore) SaveCommand(ctx context.Context, cmd *domain.Command) error {
	now := toMillis(cmd.CreatedAt)
	_, err := s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO commands (session_id, command_id, type, payload, result, created_at, updated_at)
		VALUES (?, ?, ?, ?, NULL, ?, ?)
		ON CONFLICT (session_id, command_id) DO NOTHING`),
		cmd.SessionID, cmd.CommandID, cmd.Type, nullJSON(cmd.Payload), now, now)
	if err != nil {
		return fmt.Errorf("save command: %w", err)
	}
	return nil
}

// SaveCommandResult stores a command's terminal result. An existing result is kept.
func (s *SQLStore) SaveCommandResult(ctx context.Context, sessionID, commandID string, result json.RawMessage) error {
	_, err := s.db.ExecContext(ctx, s.rebind(
		`UPDATE commands SET result = ?, updated_at = ? WHERE session_id = ? AND command_id = ? AND result IS NULL`),
		string(result), time.Now().UnixMilli(), sessionID, commandID)
	if err != nil {
		return fmt.Errorf("save command result: %w", err)
	}
	return nil
}

// CreateAuditEvent appends an audit record.
func (s *SQLStore) CreateAuditEvent(ctx context.Context, event *domain.AuditEvent) error {
	_, err := s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO audit_events (id, ts, session_id, actor, event_type, run_id, target_message_id,
			content_hash_before, content_hash_after, reason, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		event.ID, toMillis(event.Timestamp), event.SessionID, event.Actor, event.EventType,
		nullString(event.RunID), nullString(event.TargetMessageID),
		nullString(event.ContentHashBefore), nullString(event.ContentHashAfter),
		nullString(event.Reason), nullJSON(event.Payload))
	if err != nil {
		return fmt.Errorf("create audit event: %w", err)
	}
	return nil
}

// ListAuditEvents returns a session's audit trail, oldest first.
func (s *SQLStore) ListAuditEvents(ctx context.Context, sessionID string) ([]domain.AuditEvent, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT id, ts, session_id, actor, event_type, run_id, target_message_id,
			content_hash_before, content_hash_after, reason, payload
		FROM audit_events WHERE session_id = ? ORDER BY ts ASC`), sessionID)
	if err != nil {
		return nil, fmt.Errorf("list audit events: %w", err)
	}
	defer rows.Close()

	var events []domain.AuditEvent
	for rows.Next() {
		var ev domain.AuditEvent
		var ts int64
		var runID, target, before, after, reason, payload sql.NullString
		if err := rows.Scan(&ev.ID, &ts, &ev.SessionID, &ev.Actor, &ev.EventType, &runID, &target,
			&before, &after, &reason, &payload); err != nil {
			return nil, err
		}
		ev.Timestamp = fromMillis(ts)
		ev.RunID = runID.String
		ev.TargetMessageID = target.String
		ev.ContentHashBefore = before.String
		ev.ContentHashAfter = after.String
		ev.Reason = reason.String
		if payload.Valid {
			ev.Payload = json.RawMessage(payload.String)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

func insertMessage(ctx context.Context, exec func(context.Context, string, ...any) (sql.Result, error), query string, m *domain.Message) error {
	status := m.Status
	if status == "" {
		status = domain.MessageStatusActive
	}
	revision := m.Revision
	if revision == 0 {
		revision = 1
	}
	_, err := exec(ctx, query,
		m.MessageID, m.SessionID, nullString(m.RunID), m.Role, m.Content, status,
		nullString(m.ParentMessageID), revision, toMillis(m.CreatedAt), nullJSON(m.Metadata))
	return err
}

const insertMessageSQL = `INSERT INTO messages (message_id, session_id, run_id, role, content, status,
	parent_message_id, revision, created_at, metadata) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

// CreateMessage creates a new message.
func (s *SQLStore) CreateMessage(ctx context.Context, message *domain.Message) error {
	if err := insertMessage(ctx, s.db.ExecContext, s.rebind(insertMessageSQL), message); err != nil {
		return fmt.Errorf("create message: %w", err)
	}
	return nil
}

const selectMessageSQL = `SELECT message_id, session_id, run_id, role, content, status, parent_message_id,
	revision, created_at, metadata FROM messages`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (*domain.Message, error) {
	var msg domain.Message
	var runID, parentID, metadata sql.NullString
	var createdAt int64
	if err := row.Scan(&msg.MessageID, &msg.SessionID, &runID, &msg.Role, &msg.Content, &msg.Status,
		&parentID, &msg.Revision, &createdAt, &metadata); err != nil {
		return nil, err
	}
	msg.RunID = runID.String
	msg.ParentMessageID = parentID.String
	msg.CreatedAt = fromMillis(createdAt)
	if metadata.Valid {
		msg.Metadata = json.RawMessage(metadata.String)
	}
	return &msg, nil
}

// GetMessage retrieves a message by ID. It returns nil when none exists.
func (s *SQLStore) GetMessage(ctx context.Context, messageID string) (*domain.Message, error) {
	msg, err := scanMessage(s.db.QueryRowContext(ctx, s.rebind(selectMessageSQL+` WHERE message_id = ?`), messageID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get message: %w", err)
	}
	return msg, nil
}

// ListMessages retrieves messages for a session in creation order.
func (s *SQLStore) ListMessages(ctx context.Context, sessionID string, includeSuperseded bool) ([]domain.Message, error) {
	query := selectMessageSQL + ` WHERE session_id = ?`
	args := []any{sessionID}
	if !includeSuperseded {
		query += ` AND status = ?`
		args = append(args, domain.MessageStatusActive)
	}
	query += ` ORDER BY created_at ASC, revision ASC`

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var messages []domain.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, *msg)
	}
	return messages, rows.Err()
}

// SupersedeMessage marks targetID superseded and inserts its replacement atomically.
func (s *SQLStore) SupersedeMessage(ctx context.Context, targetID string, replacement *domain.Message) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, s.rebind(
			`UPDATE messages SET status = ? WHERE message_id = ? AND status = ?`),
			domain.MessageStatusSuperseded, targetID, domain.MessageStatusActive)
		if err != nil {
			return fmt.Errorf("supersede message: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrMessageNotActive
		}
		if err := insertMessage(ctx, tx.ExecContext, s.rebind(insertMessageSQL), replacement); err != nil {
			return fmt.Errorf("insert replacement message: %w", err)
		}
		return nil
	})
}

// PruneBefore deletes log rows older than cutoff. Events of runs that are
// still open are kept regardless of age.
func (s *SQLStore) PruneBefore(ctx context.Context, cutoff time.Time) (*PruneResult, error) {
	ms := cutoff.UnixMilli()
	result := &PruneResult{}
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, s.rebind(
			`DELETE FROM run_events WHERE created_at < ? AND NOT EXISTS (
				SELECT 1 FROM run_state rs
				WHERE rs.session_id = run_events.session_id AND rs.run_id = run_events.run_id
				AND rs.status IN (?, ?))`),
			ms, domain.RunStatusActive, domain.RunStatusStreaming)
		if err != nil {
			return fmt.Errorf("prune events: %w", err)
		}
		if result.Events, err = res.RowsAffected(); err != nil {
			return err
		}

		res, err = tx.ExecContext(ctx, s.rebind(`DELETE FROM commands WHERE created_at < ?`), ms)
		if err != nil {
			return fmt.Errorf("prune commands: %w", err)
		}
		if result.Commands, err = res.RowsAffected(); err != nil {
			return err
		}

		res, err = tx.ExecContext(ctx, s.rebind(`DELETE FROM audit_events WHERE ts < ?`), ms)
		if err != nil {
			return fmt.Errorf("prune audit events: %w", err)
		}
		result.Audits, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

var _ Store = (*SQLStore)(nil)
