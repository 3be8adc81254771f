package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/ashureev/supportdesk/internal/domain"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// WAL for concurrent readers; pragmas are applied per connection.
	dsn := dbPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_txlock=immediate"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS chat_sessions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		order_id INTEGER NOT NULL,
		customer_id INTEGER,
		customer_email TEXT NOT NULL DEFAULT '',
		customer_name TEXT NOT NULL DEFAULT '',
		agent_id INTEGER,
		token TEXT NOT NULL UNIQUE,
		status TEXT NOT NULL DEFAULT 'waiting' CHECK (status IN ('waiting', 'active', 'closed')),
		expires_at INTEGER,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		closed_at INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_chat_sessions_status ON chat_sessions(status, created_at);
	CREATE INDEX IF NOT EXISTS idx_chat_sessions_agent ON chat_sessions(agent_id, status);
	CREATE INDEX IF NOT EXISTS idx_chat_sessions_order ON chat_sessions(order_id, status);

	CREATE TABLE IF NOT EXISTS chat_messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id INTEGER NOT NULL REFERENCES chat_sessions(id),
		sender_id INTEGER,
		sender_type TEXT NOT NULL CHECK (sender_type IN ('customer', 'agent')),
		content TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		is_read INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_chat_messages_session ON chat_messages(session_id, created_at, id);

	CREATE TABLE IF NOT EXISTS agent_status (
		agent_id INTEGER PRIMARY KEY,
		status TEXT NOT NULL DEFAULT 'offline' CHECK (status IN ('online', 'offline', 'away')),
		active_sessions INTEGER NOT NULL DEFAULT 0 CHECK (active_sessions >= 0),
		last_heartbeat INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_agent_status_online ON agent_status(status, active_sessions, agent_id);

	CREATE TABLE IF NOT EXISTS quick_replies (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		agent_id INTEGER,
		title TEXT NOT NULL,
		content TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_quick_replies_agent ON quick_replies(agent_id, title);

	CREATE TABLE IF NOT EXISTS order_links (
		order_id INTEGER PRIMARY KEY,
		session_id INTEGER NOT NULL DEFAULT 0,
		token TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL
	);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func millis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func nullableMillis(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func nullableInt(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

func timePtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMillis(v.Int64)
	return &t
}

func intPtr(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	n := v.Int64
	return &n
}

// ---- sessions ----

const sessionColumns = `id, order_id, customer_id, customer_email, customer_name,
	agent_id, token, status, expires_at, created_at, updated_at, closed_at`

func scanSession(row rowScanner) (*domain.ChatSession, error) {
	var sess domain.ChatSession
	var customerID, agentID, expiresAt, closedAt sql.NullInt64
	var status string
	var createdAt, updatedAt int64

	err := row.Scan(
		&sess.ID, &sess.OrderID, &customerID, &sess.CustomerEmail, &sess.CustomerName,
		&agentID, &sess.Token, &status, &expiresAt, &createdAt, &updatedAt, &closedAt,
	)
	if err != nil {
		return nil, err
	}

	sess.CustomerID = intPtr(customerID)
	sess.AgentID = intPtr(agentID)
	sess.Status = domain.SessionStatus(status)
	sess.ExpiresAt = timePtr(expiresAt)
	sess.CreatedAt = fromMillis(createdAt)
	sess.UpdatedAt = fromMillis(updatedAt)
	sess.ClosedAt = timePtr(closedAt)
	return &sess, nil
}

// CreateSession inserts a new session record.
func (s *SQLiteStore) CreateSession(ctx context.Context, session *domain.ChatSession) error {
	query := `
	INSERT INTO chat_sessions (
		order_id, customer_id, customer_email, customer_name, agent_id,
		token, status, expires_at, created_at, updated_at, closed_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	result, err := s.db.ExecContext(ctx, query,
		session.OrderID, nullableInt(session.CustomerID), session.CustomerEmail, session.CustomerName,
		nullableInt(session.AgentID), session.Token, string(session.Status),
		nullableMillis(session.ExpiresAt), millis(session.CreatedAt), millis(session.UpdatedAt),
		nullableMillis(session.ClosedAt),
	)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("get session id: %w", err)
	}
	session.ID = id
	return nil
}

// GetSession retrieves a session by ID.
func (s *SQLiteStore) GetSession(ctx context.Context, id int64) (*domain.ChatSession, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM chat_sessions WHERE id = ?`, id)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan session row: %w", err)
	}
	return sess, nil
}

// GetSessionByToken retrieves a session by its bearer token.
func (s *SQLiteStore) GetSessionByToken(ctx context.Context, token string) (*domain.ChatSession, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM chat_sessions WHERE token = ?`, token)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan session row: %w", err)
	}
	return sess, nil
}

// ActivateSession assigns an agent to a waiting session.
func (s *SQLiteStore) ActivateSession(ctx context.Context, id, agentID int64, at time.Time) (bool, error) {
	query := `UPDATE chat_sessions SET status = 'active', agent_id = ?, updated_at = ?
		WHERE id = ? AND status = 'waiting'`
	result, err := s.db.ExecContext(ctx, query, agentID, millis(at), id)
	if err != nil {
		return false, fmt.Errorf("activate session: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("get rows affected: %w", err)
	}
	return rows == 1, nil
}

// RequeueSession hands an active session back to the waiting queue.
func (s *SQLiteStore) RequeueSession(ctx context.Context, id, agentID int64, at time.Time) (bool, error) {
	query := `UPDATE chat_sessions SET status = 'waiting', agent_id = NULL, updated_at = ?
		WHERE id = ? AND status = 'active' AND agent_id = ?`
	result, err := s.db.ExecContext(ctx, query, millis(at), id, agentID)
	if err != nil {
		return false, fmt.Errorf("requeue session: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("get rows affected: %w", err)
	}
	return rows == 1, nil
}

// CloseSession closes a session that is not already closed.
func (s *SQLiteStore) CloseSession(ctx context.Context, id int64, at time.Time) (*int64, bool, error) {
	query := `UPDATE chat_sessions SET status = 'closed', closed_at = ?, updated_at = ?
		WHERE id = ? AND status <> 'closed'
		RETURNING agent_id`

	var agentID sql.NullInt64
	err := s.db.QueryRowContext(ctx, query, millis(at), millis(at), id).Scan(&agentID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("close session: %w", err)
	}
	return intPtr(agentID), true, nil
}

func (s *SQLiteStore) querySessions(ctx context.Context, op, query string, args ...any) ([]*domain.ChatSession, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", op, err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close session rows", "op", op, "error", closeErr)
		}
	}()

	var sessions []*domain.ChatSession
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan %s row: %w", op, err)
		}
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s: %w", op, err)
	}
	return sessions, nil
}

// ListWaitingSessions returns unexpired waiting sessions, oldest first.
func (s *SQLiteStore) ListWaitingSessions(ctx context.Context, now time.Time, limit int) ([]*domain.ChatSession, error) {
	query := `SELECT ` + sessionColumns + ` FROM chat_sessions
		WHERE status = 'waiting' AND (expires_at IS NULL OR expires_at > ?)
		ORDER BY created_at ASC, id ASC LIMIT ?`
	return s.querySessions(ctx, "waiting sessions", query, millis(now), limit)
}

// ListAgentSessions returns an agent's sessions in the given status.
func (s *SQLiteStore) ListAgentSessions(ctx context.Context, agentID int64, status domain.SessionStatus) ([]*domain.ChatSession, error) {
	query := `SELECT ` + sessionColumns + ` FROM chat_sessions
		WHERE agent_id = ? AND status = ?
		ORDER BY updated_at DESC, id DESC`
	return s.querySessions(ctx, "agent sessions", query, agentID, string(status))
}

// ListExpiredSessions returns non-closed sessions past their expiry.
func (s *SQLiteStore) ListExpiredSessions(ctx context.Context, now time.Time, limit int) ([]*domain.ChatSession, error) {
	query := `SELECT ` + sessionColumns + ` FROM chat_sessions
		WHERE status <> 'closed' AND expires_at IS NOT NULL AND expires_at <= ?
		ORDER BY expires_at ASC LIMIT ?`
	return s.querySessions(ctx, "expired sessions", query, millis(now), limit)
}

// ---- messages ----

// AppendMessage inserts a message if its session is active.
func (s *SQLiteStore) AppendMessage(ctx context.Context, msg *domain.ChatMessage) (bool, error) {
	query := `
	INSERT INTO chat_messages (session_id, sender_id, sender_type, content, created_at, is_read)
	SELECT ?, ?, ?, ?, ?, ?
	WHERE EXISTS (SELECT 1 FROM chat_sessions WHERE id = ? AND status = 'active')`

	result, err := s.db.ExecContext(ctx, query,
		msg.SessionID, nullableInt(msg.SenderID), string(msg.SenderType), msg.Content,
		millis(msg.CreatedAt), msg.IsRead, msg.SessionID,
	)
	if err != nil {
		return false, fmt.Errorf("insert message: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		return false, nil
	}

	id, err := result.LastInsertId()
	if err != nil {
		return false, fmt.Errorf("get message id: %w", err)
	}
	msg.ID = id
	return true, nil
}

// ListMessages returns a session's messages in display order.
func (s *SQLiteStore) ListMessages(ctx context.Context, sessionID, afterID int64, limit int) ([]*domain.ChatMessage, error) {
	query := `
		SELECT id, session_id, sender_id, sender_type, content, created_at, is_read
		FROM chat_messages WHERE session_id = ? AND id > ?
		ORDER BY created_at ASC, id ASC LIMIT ?`

	rows, err := s.db.QueryContext(ctx, query, sessionID, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close message rows", "error", closeErr)
		}
	}()

	messages := make([]*domain.ChatMessage, 0)
	for rows.Next() {
		var msg domain.ChatMessage
		var senderID sql.NullInt64
		var senderType string
		var createdAt int64

		if err := rows.Scan(&msg.ID, &msg.SessionID, &senderID, &senderType, &msg.Content, &createdAt, &msg.IsRead); err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		msg.SenderID = intPtr(senderID)
		msg.SenderType = domain.SenderKind(senderType)
		msg.CreatedAt = fromMillis(createdAt)
		messages = append(messages, &msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return messages, nil
}

// MarkRead flips a sender's unread messages in a session to read.
func (s *SQLiteStore) MarkRead(ctx context.Context, sessionID int64, sender domain.SenderKind) (int64, error) {
	query := `UPDATE chat_messages SET is_read = 1
		WHERE session_id = ? AND sender_type = ? AND is_read = 0`
	result, err := s.db.ExecContext(ctx, query, sessionID, string(sender))
	if err != nil {
		return 0, fmt.Errorf("mark messages read: %w", err)
	}
	return result.RowsAffected()
}

// ---- agents ----

const agentColumns = `agent_id, status, active_sessions, last_heartbeat, updated_at`

func scanAgent(row rowScanner) (*domain.AgentStatus, error) {
	var st domain.AgentStatus
	var presence string
	var heartbeat, updatedAt int64
	if err := row.Scan(&st.AgentID, &presence, &st.ActiveSessions, &heartbeat, &updatedAt); err != nil {
		return nil, err
	}
	st.Status = domain.Presence(presence)
	st.LastHeartbeat = fromMillis(heartbeat)
	st.UpdatedAt = fromMillis(updatedAt)
	return &st, nil
}

// UpsertPresence creates or updates an agent's presence.
func (s *SQLiteStore) UpsertPresence(ctx context.Context, agentID int64, presence domain.Presence, at time.Time) error {
	query := `
	INSERT INTO agent_status (agent_id, status, active_sessions, last_heartbeat, updated_at)
	VALUES (?, ?, 0, ?, ?)
	ON CONFLICT(agent_id) DO UPDATE SET
		status = excluded.status,
		last_heartbeat = excluded.last_heartbeat,
		updated_at = excluded.updated_at`

	if _, err := s.db.ExecContext(ctx, query, agentID, string(presence), millis(at), millis(at)); err != nil {
		return fmt.Errorf("upsert agent status: %w", err)
	}
	return nil
}

// Heartbeat refreshes an agent's last heartbeat.
func (s *SQLiteStore) Heartbeat(ctx context.Context, agentID int64, at time.Time) (bool, error) {
	result, err := s.db.ExecContext(ctx,
		`UPDATE agent_status SET last_heartbeat = ?, updated_at = ? WHERE agent_id = ?`,
		millis(at), millis(at), agentID)
	if err != nil {
		return false, fmt.Errorf("update heartbeat: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("get rows affected: %w", err)
	}
	return rows == 1, nil
}

// GetAgentStatus retrieves one agent's status record.
func (s *SQLiteStore) GetAgentStatus(ctx context.Context, agentID int64) (*domain.AgentStatus, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agent_status WHERE agent_id = ?`, agentID)
	st, err := scanAgent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan agent status: %w", err)
	}
	return st, nil
}

// ListOnline returns online agents, least loaded first.
func (s *SQLiteStore) ListOnline(ctx context.Context) ([]*domain.AgentStatus, error) {
	query := `SELECT ` + agentColumns + ` FROM agent_status
		WHERE status = 'online' ORDER BY active_sessions ASC, agent_id ASC`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query online agents: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close agent rows", "error", closeErr)
		}
	}()

	var agents []*domain.AgentStatus
	for rows.Next() {
		st, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan agent row: %w", err)
		}
		agents = append(agents, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate online agents: %w", err)
	}
	return agents, nil
}

// IncrementActive atomically adds one to an agent's active session count.
func (s *SQLiteStore) IncrementActive(ctx context.Context, agentID int64, at time.Time) error {
	query := `
	INSERT INTO agent_status (agent_id, status, active_sessions, last_heartbeat, updated_at)
	VALUES (?, 'offline', 1, ?, ?)
	ON CONFLICT(agent_id) DO UPDATE SET
		active_sessions = agent_status.active_sessions + 1,
		updated_at = excluded.updated_at`

	if _, err := s.db.ExecContext(ctx, query, agentID, millis(at), millis(at)); err != nil {
		return fmt.Errorf("increment active sessions: %w", err)
	}
	return nil
}

// IncrementActiveIf adds one only if the counter still equals expected.
func (s *SQLiteStore) IncrementActiveIf(ctx context.Context, agentID int64, expected int, at time.Time) (bool, error) {
	query := `UPDATE agent_status SET active_sessions = active_sessions + 1, updated_at = ?
		WHERE agent_id = ? AND active_sessions = ?`
	result, err := s.db.ExecContext(ctx, query, millis(at), agentID, expected)
	if err != nil {
		return false, fmt.Errorf("guarded increment: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("get rows affected: %w", err)
	}
	return rows == 1, nil
}

// DecrementActive atomically subtracts one, never going below zero.
func (s *SQLiteStore) DecrementActive(ctx context.Context, agentID int64, at time.Time) error {
	query := `UPDATE agent_status SET active_sessions = MAX(0, active_sessions - 1), updated_at = ?
		WHERE agent_id = ?`
	if _, err := s.db.ExecContext(ctx, query, millis(at), agentID); err != nil {
		return fmt.Errorf("decrement active sessions: %w", err)
	}
	return nil
}

// MarkStaleOffline flips online agents with old heartbeats to offline.
func (s *SQLiteStore) MarkStaleOffline(ctx context.Context, before, at time.Time) ([]int64, error) {
	query := `UPDATE agent_status SET status = 'offline', updated_at = ?
		WHERE status = 'online' AND last_heartbeat < ?
		RETURNING agent_id`

	rows, err := s.db.QueryContext(ctx, query, millis(at), millis(before))
	if err != nil {
		return nil, fmt.Errorf("mark stale agents offline: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close stale agent rows", "error", closeErr)
		}
	}()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan stale agent id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate stale agents: %w", err)
	}
	return ids, nil
}

// ReconcileActiveCounts recomputes counters from active sessions.
func (s *SQLiteStore) ReconcileActiveCounts(ctx context.Context, at time.Time) (int64, error) {
	query := `
	UPDATE agent_status SET
		active_sessions = (
			SELECT COUNT(*) FROM chat_sessions
			WHERE chat_sessions.agent_id = agent_status.agent_id AND chat_sessions.status = 'active'
		),
		updated_at = ?
	WHERE active_sessions <> (
		SELECT COUNT(*) FROM chat_sessions
		WHERE chat_sessions.agent_id = agent_status.agent_id AND chat_sessions.status = 'active'
	)`

	result, err := s.db.ExecContext(ctx, query, millis(at))
	if err != nil {
		return 0, fmt.Errorf("reconcile active sessions: %w", err)
	}
	return result.RowsAffected()
}

// ---- quick replies ----

// CreateQuickReply inserts a quick reply and sets its ID.
func (s *SQLiteStore) CreateQuickReply(ctx context.Context, reply *domain.QuickReply) error {
	result, err := s.db.ExecContext(ctx,
		`INSERT INTO quick_replies (agent_id, title, content, created_at) VALUES (?, ?, ?, ?)`,
		nullableInt(reply.AgentID), reply.Title, reply.Content, millis(reply.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert quick reply: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("get quick reply id: %w", err)
	}
	reply.ID = id
	return nil
}

// ListQuickReplies returns an agent's quick replies plus the global ones.
func (s *SQLiteStore) ListQuickReplies(ctx context.Context, agentID int64) ([]*domain.QuickReply, error) {
	query := `SELECT id, agent_id, title, content, created_at FROM quick_replies
		WHERE agent_id = ? OR agent_id IS NULL
		ORDER BY title ASC, id ASC`

	rows, err := s.db.QueryContext(ctx, query, agentID)
	if err != nil {
		return nil, fmt.Errorf("query quick replies: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close quick reply rows", "error", closeErr)
		}
	}()

	replies := make([]*domain.QuickReply, 0)
	for rows.Next() {
		var reply domain.QuickReply
		var owner sql.NullInt64
		var createdAt int64
		if err := rows.Scan(&reply.ID, &owner, &reply.Title, &reply.Content, &createdAt); err != nil {
			return nil, fmt.Errorf("scan quick reply row: %w", err)
		}
		reply.AgentID = intPtr(owner)
		reply.CreatedAt = fromMillis(createdAt)
		replies = append(replies, &reply)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate quick replies: %w", err)
	}
	return replies, nil
}

// GlobalQuickReplyExists reports whether a global reply with title exists.
func (s *SQLiteStore) GlobalQuickReplyExists(ctx context.Context, title string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM quick_replies WHERE agent_id IS NULL AND title = ?`, title).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("count global quick replies: %w", err)
	}
	return n > 0, nil
}

// ---- order links ----

// ClaimOrder records a pending link for an order.
func (s *SQLiteStore) ClaimOrder(ctx context.Context, orderID int64, at, staleBefore time.Time) (bool, error) {
	query := `
	INSERT INTO order_links (order_id, session_id, token, created_at) VALUES (?, 0, '', ?)
	ON CONFLICT(order_id) DO UPDATE SET created_at = excluded.created_at
		WHERE order_links.session_id = 0 AND order_links.created_at < ?`

	result, err := s.db.ExecContext(ctx, query, orderID, millis(at), millis(staleBefore))
	if err != nil {
		return false, fmt.Errorf("claim order: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("get rows affected: %w", err)
	}
	return rows == 1, nil
}

// CompleteOrderLink attaches a session to a pending claim.
func (s *SQLiteStore) CompleteOrderLink(ctx context.Context, orderID, sessionID int64, token string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE order_links SET session_id = ?, token = ? WHERE order_id = ? AND session_id = 0`,
		sessionID, token, orderID)
	if err != nil {
		return fmt.Errorf("complete order link: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("order %d has no pending claim", orderID)
	}
	return nil
}

// ReleaseOrderClaim deletes a pending claim.
func (s *SQLiteStore) ReleaseOrderClaim(ctx context.Context, orderID int64) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM order_links WHERE order_id = ? AND session_id = 0`, orderID); err != nil {
		return fmt.Errorf("release order claim: %w", err)
	}
	return nil
}

// GetOrderLink retrieves the link for an order.
func (s *SQLiteStore) GetOrderLink(ctx context.Context, orderID int64) (*domain.OrderLink, error) {
	var link domain.OrderLink
	var createdAt int64
	err := s.db.QueryRowContext(ctx,
		`SELECT order_id, session_id, token, created_at FROM order_links WHERE order_id = ?`, orderID,
	).Scan(&link.OrderID, &link.SessionID, &link.Token, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan order link: %w", err)
	}
	link.CreatedAt = fromMillis(createdAt)
	return &link, nil
}

// OpenSessionForOrder returns the newest non-closed session opened for an
// order, or nil, nil.
func (s *SQLiteStore) OpenSessionForOrder(ctx context.Context, orderID int64) (*domain.ChatSession, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM chat_sessions
		WHERE order_id = ? AND status <> 'closed'
		ORDER BY id DESC LIMIT 1`, orderID)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan order session: %w", err)
	}
	return sess, nil
}

var _ Repository = (*SQLiteStore)(nil)
