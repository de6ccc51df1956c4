package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/BTreeMap/FlowPipe/internal/models"
	"github.com/google/uuid"
)

// sqlStore implements Store on top of database/sql. Queries are written with '?'
// placeholders and rebound per dialect.
type sqlStore struct {
	db              *sql.DB
	name            string
	rebind          func(string) string
	uniqueViolation func(error) bool
	skipLocked      bool // claim with FOR UPDATE SKIP LOCKED
}

func (s *sqlStore) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.rebind(query), args...)
}

func (s *sqlStore) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return s.db.QueryRowContext(ctx, s.rebind(query), args...)
}

func (s *sqlStore) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, s.rebind(query), args...)
}

// Close closes the database connection.
func (s *sqlStore) Close() error {
	slog.Debug(s.name + ".Close: closing database connection")
	err := s.db.Close()
	if err != nil {
		slog.Error(s.name+".Close: failed to close database", "error", err)
	}
	return err
}

// GetFlow retrieves a flow by id.
func (s *sqlStore) GetFlow(ctx context.Context, flowID string) (*models.Flow, error) {
	row := s.queryRow(ctx,
		`SELECT id, name, trigger_type, trigger_value, active, first_node_id FROM flows WHERE id = ?`, flowID)
	var f models.Flow
	err := row.Scan(&f.ID, &f.Name, &f.TriggerType, &f.TriggerValue, &f.Active, &f.FirstNodeID)
	if err == sql.ErrNoRows {
		slog.Debug(s.name+".GetFlow: not found", "flowID", flowID)
		return nil, nil
	}
	if err != nil {
		slog.Error(s.name+".GetFlow: query failed", "error", err, "flowID", flowID)
		return nil, fmt.Errorf("failed to get flow %s: %w", flowID, err)
	}
	return &f, nil
}

// GetActiveFlowsByTrigger lists active flows with the given trigger type.
func (s *sqlStore) GetActiveFlowsByTrigger(ctx context.Context, trigger models.TriggerType) ([]models.Flow, error) {
	rows, err := s.query(ctx,
		`SELECT id, name, trigger_type, trigger_value, active, first_node_id FROM flows
		 WHERE active = ? AND trigger_type = ? ORDER BY created_at ASC`, true, string(trigger))
	if err != nil {
		return nil, fmt.Errorf("failed to query flows: %w", err)
	}
	defer rows.Close()

	var flows []models.Flow
	for rows.Next() {
		var f models.Flow
		if err := rows.Scan(&f.ID, &f.Name, &f.TriggerType, &f.TriggerValue, &f.Active, &f.FirstNodeID); err != nil {
			return nil, fmt.Errorf("failed to scan flow row: %w", err)
		}
		flows = append(flows, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate flow rows: %w", err)
	}
	return flows, nil
}

// GetNodes returns every node of a flow in authoring order with decoded properties.
func (s *sqlStore) GetNodes(ctx context.Context, flowID string) ([]models.Node, error) {
	rows, err := s.query(ctx,
		`SELECT id, flow_id, kind, properties, connections FROM nodes WHERE flow_id = ? ORDER BY position ASC`, flowID)
	if err != nil {
		return nil, fmt.Errorf("failed to query nodes: %w", err)
	}
	defer rows.Close()

	var nodes []models.Node
	for rows.Next() {
		var n models.Node
		var props, conns string
		if err := rows.Scan(&n.ID, &n.FlowID, &n.Kind, &props, &conns); err != nil {
			return nil, fmt.Errorf("failed to scan node row: %w", err)
		}
		n.Properties = json.RawMessage(props)
		if err := json.Unmarshal([]byte(conns), &n.Connections); err != nil {
			return nil, fmt.Errorf("failed to decode connections of node %s: %w", n.ID, err)
		}
		if err := n.DecodeProps(); err != nil {
			return nil, err
		}
		nodes = append(nodes, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate node rows: %w", err)
	}
	return nodes, nil
}

// SaveFlow upserts a flow and replaces its node set in one transaction.
func (s *sqlStore) SaveFlow(ctx context.Context, flow models.Flow, nodes []models.Node) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	_, err = tx.ExecContext(ctx, s.rebind(
		`INSERT INTO flows (id, name, trigger_type, trigger_value, active, first_node_id, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET name = excluded.name, trigger_type = excluded.trigger_type,
		 trigger_value = excluded.trigger_value, active = excluded.active,
		 first_node_id = excluded.first_node_id, updated_at = excluded.updated_at`),
		flow.ID, flow.Name, string(flow.TriggerType), flow.TriggerValue, flow.Active, flow.FirstNodeID, now, now)
	if err != nil {
		return fmt.Errorf("failed to upsert flow %s: %w", flow.ID, err)
	}
	if _, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM nodes WHERE flow_id = ?`), flow.ID); err != nil {
		return fmt.Errorf("failed to clear nodes of flow %s: %w", flow.ID, err)
	}
	for i, n := range nodes {
		props := string(n.Properties)
		if props == "" {
			props = "{}"
		}
		conns, err := marshalJSON(n.Connections, "[]")
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, s.rebind(
			`INSERT INTO nodes (flow_id, id, kind, properties, connections, position) VALUES (?, ?, ?, ?, ?, ?)`),
			flow.ID, n.ID, string(n.Kind), props, conns, i)
		if err != nil {
			return fmt.Errorf("failed to insert node %s: %w", n.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit flow %s: %w", flow.ID, err)
	}
	slog.Debug(s.name+".SaveFlow succeeded", "flowID", flow.ID, "nodes", len(nodes))
	return nil
}

const sessionColumns = `id, phone_number, contact_id, flow_id, current_node_id, status, context,
	last_interaction_at, resume_at, created_at, ended_at`

func (s *sqlStore) scanSession(ctx context.Context, row *sql.Row) (*models.Session, error) {
	var sess models.Session
	var contextJSON string
	var resumeAt, endedAt sql.NullTime
	err := row.Scan(&sess.ID, &sess.PhoneNumber, &sess.ContactID, &sess.FlowID, &sess.CurrentNodeID,
		&sess.Status, &contextJSON, &sess.LastInteractionAt, &resumeAt, &sess.CreatedAt, &endedAt)
	if err != nil {
		return nil, err
	}
	sess.Context = make(map[string]any)
	if contextJSON != "" {
		if err := json.Unmarshal([]byte(contextJSON), &sess.Context); err != nil {
			slog.Error(s.name+".scanSession: context unmarshal failed", "error", err, "sessionID", sess.ID)
			sess.Context = make(map[string]any)
		}
	}
	if resumeAt.Valid {
		sess.ResumeAt = &resumeAt.Time
	}
	if endedAt.Valid {
		sess.EndedAt = &endedAt.Time
	}
	trace, err := s.loadTrace(ctx, sess.ID)
	if err != nil {
		return nil, err
	}
	sess.Trace = trace
	return &sess, nil
}

func (s *sqlStore) loadTrace(ctx context.Context, sessionID string) ([]models.TraceEntry, error) {
	rows, err := s.query(ctx,
		`SELECT recorded_at, node_id, node_type, action, details FROM session_trace WHERE session_id = ? ORDER BY id ASC`,
		sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query trace: %w", err)
	}
	defer rows.Close()

	var trace []models.TraceEntry
	for rows.Next() {
		var e models.TraceEntry
		var details sql.NullString
		if err := rows.Scan(&e.Timestamp, &e.NodeID, &e.NodeType, &e.Action, &details); err != nil {
			return nil, fmt.Errorf("failed to scan trace row: %w", err)
		}
		if details.Valid && details.String != "" {
			if err := json.Unmarshal([]byte(details.String), &e.Details); err != nil {
				slog.Warn(s.name+".loadTrace: details unmarshal failed", "error", err, "sessionID", sessionID)
			}
		}
		trace = append(trace, e)
	}
	return trace, rows.Err()
}

// GetActiveSession returns the most recent active session for phone.
func (s *sqlStore) GetActiveSession(ctx context.Context, phone string) (*models.Session, error) {
	row := s.queryRow(ctx, `SELECT `+sessionColumns+` FROM sessions
		WHERE phone_number = ? AND status = 'active' ORDER BY created_at DESC LIMIT 1`, phone)
	sess, err := s.scanSession(ctx, row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error(s.name+".GetActiveSession failed", "error", err, "phone", phone)
		return nil, fmt.Errorf("failed to get active session for %s: %w", phone, err)
	}
	return sess, nil
}

// GetSession returns a session by id regardless of status.
func (s *sqlStore) GetSession(ctx context.Context, sessionID string) (*models.Session, error) {
	row := s.queryRow(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, sessionID)
	sess, err := s.scanSession(ctx, row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error(s.name+".GetSession failed", "error", err, "sessionID", sessionID)
		return nil, fmt.Errorf("failed to get session %s: %w", sessionID, err)
	}
	return sess, nil
}

// CreateSession inserts a new session. The id is generated when empty.
func (s *sqlStore) CreateSession(ctx context.Context, sess *models.Session) error {
	if sess.ID == "" {
		sess.ID = uuid.NewString()
	}
	contextJSON, err := marshalJSON(sess.Context, "{}")
	if err != nil {
		return err
	}
	_, err = s.exec(ctx, `INSERT INTO sessions (`+sessionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.PhoneNumber, sess.ContactID, sess.FlowID, sess.CurrentNodeID, string(sess.Status), contextJSON,
		sess.LastInteractionAt.UTC(), nullTime(sess.ResumeAt), sess.CreatedAt.UTC(), nullTime(sess.EndedAt))
	if err != nil {
		if s.uniqueViolation(err) {
			return ErrActiveSessionExists
		}
		slog.Error(s.name+".CreateSession failed", "error", err, "phone", sess.PhoneNumber)
		return fmt.Errorf("failed to create session: %w", err)
	}
	if len(sess.Trace) > 0 {
		if err := s.AppendExecutionTrace(ctx, sess.ID, sess.Trace...); err != nil {
			return err
		}
	}
	slog.Debug(s.name+".CreateSession succeeded", "sessionID", sess.ID, "phone", sess.PhoneNumber, "flowID", sess.FlowID)
	return nil
}

// UpdateSession applies a partial update to a session.
func (s *sqlStore) UpdateSession(ctx context.Context, sessionID string, update models.SessionUpdate) error {
	var sets []string
	var args []any
	if update.CurrentNodeID != nil {
		sets = append(sets, "current_node_id = ?")
		args = append(args, *update.CurrentNodeID)
	}
	if update.Context != nil {
		contextJSON, err := marshalJSON(update.Context, "{}")
		if err != nil {
			return err
		}
		sets = append(sets, "context = ?")
		args = append(args, contextJSON)
	}
	if update.LastInteractionAt != nil {
		sets = append(sets, "last_interaction_at = ?")
		args = append(args, update.LastInteractionAt.UTC())
	}
	if update.ClearResumeAt {
		sets = append(sets, "resume_at = NULL")
	} else if update.ResumeAt != nil {
		sets = append(sets, "resume_at = ?")
		args = append(args, update.ResumeAt.UTC())
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, sessionID)
	_, err := s.exec(ctx, `UPDATE sessions SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		slog.Error(s.name+".UpdateSession failed", "error", err, "sessionID", sessionID)
		return fmt.Errorf("failed to update session %s: %w", sessionID, err)
	}
	return nil
}

// EndSession ends an active session with the given terminal status.
func (s *sqlStore) EndSession(ctx context.Context, sessionID string, status models.SessionStatus, endedAt time.Time) error {
	_, err := s.exec(ctx,
		`UPDATE sessions SET status = ?, ended_at = ?, resume_at = NULL WHERE id = ? AND status = 'active'`,
		string(status), endedAt.UTC(), sessionID)
	if err != nil {
		slog.Error(s.name+".EndSession failed", "error", err, "sessionID", sessionID)
		return fmt.Errorf("failed to end session %s: %w", sessionID, err)
	}
	slog.Debug(s.name+".EndSession succeeded", "sessionID", sessionID, "status", status)
	return nil
}

// ExpireStaleSessions marks active sessions idle since before cutoff as expired. Sessions
// waiting on a delay that wakes after cutoff are left alone.
func (s *sqlStore) ExpireStaleSessions(ctx context.Context, cutoff time.Time) (int, error) {
	now := time.Now().UTC()
	res, err := s.exec(ctx,
		`UPDATE sessions SET status = 'expired', ended_at = ?, resume_at = NULL
		 WHERE status = 'active' AND last_interaction_at < ? AND (resume_at IS NULL OR resume_at < ?)`,
		now, cutoff.UTC(), cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to expire sessions: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		slog.Info(s.name+".ExpireStaleSessions", "expired", n)
	}
	return int(n), nil
}

// AppendExecutionTrace appends entries to a session's trace.
func (s *sqlStore) AppendExecutionTrace(ctx context.Context, sessionID string, entries ...models.TraceEntry) error {
	for _, e := range entries {
		var details any
		if len(e.Details) > 0 {
			b, err := json.Marshal(e.Details)
			if err != nil {
				return fmt.Errorf("failed to encode trace details: %w", err)
			}
			details = string(b)
		}
		_, err := s.exec(ctx,
			`INSERT INTO session_trace (session_id, recorded_at, node_id, node_type, action, details) VALUES (?, ?, ?, ?, ?, ?)`,
			sessionID, e.Timestamp.UTC(), e.NodeID, string(e.NodeType), string(e.Action), details)
		if err != nil {
			return fmt.Errorf("failed to append trace to session %s: %w", sessionID, err)
		}
	}
	return nil
}

func (s *sqlStore) getContactByPhone(ctx context.Context, phone string) (*models.Contact, error) {
	var c models.Contact
	var attrs, tags string
	var last sql.NullTime
	err := s.queryRow(ctx,
		`SELECT id, phone_number, name, attributes, tags, last_interaction_at, created_at FROM contacts WHERE phone_number = ?`,
		phone).Scan(&c.ID, &c.PhoneNumber, &c.Name, &attrs, &tags, &last, &c.CreatedAt)
	if err != nil {
		return nil, err
	}
	c.Attributes = make(map[string]any)
	if attrs != "" {
		if err := json.Unmarshal([]byte(attrs), &c.Attributes); err != nil {
			slog.Warn(s.name+".getContactByPhone: attributes unmarshal failed", "error", err, "phone", phone)
		}
	}
	if tags != "" {
		if err := json.Unmarshal([]byte(tags), &c.Tags); err != nil {
			slog.Warn(s.name+".getContactByPhone: tags unmarshal failed", "error", err, "phone", phone)
		}
	}
	if last.Valid {
		c.LastInteractionAt = &last.Time
	}
	return &c, nil
}

// GetOrCreateContact returns the contact for phone, creating it when missing. A non-empty
// name replaces the stored one.
func (s *sqlStore) GetOrCreateContact(ctx context.Context, phone, name string) (*models.Contact, error) {
	now := time.Now().UTC()
	_, err := s.exec(ctx,
		`INSERT INTO contacts (id, phone_number, name, attributes, tags, created_at) VALUES (?, ?, ?, '{}', '[]', ?)
		 ON CONFLICT (phone_number) DO NOTHING`,
		uuid.NewString(), phone, name, now)
	if err != nil {
		return nil, fmt.Errorf("failed to create contact %s: %w", phone, err)
	}
	c, err := s.getContactByPhone(ctx, phone)
	if err != nil {
		return nil, fmt.Errorf("failed to load contact %s: %w", phone, err)
	}
	if name != "" && c.Name != name {
		if _, err := s.exec(ctx, `UPDATE contacts SET name = ? WHERE id = ?`, name, c.ID); err != nil {
			return nil, fmt.Errorf("failed to rename contact %s: %w", phone, err)
		}
		c.Name = name
	}
	return c, nil
}

// UpdateContactAttributes merges attrs into the contact's attributes.
func (s *sqlStore) UpdateContactAttributes(ctx context.Context, contactID string, attrs map[string]any) error {
	if len(attrs) == 0 {
		return nil
	}
	var current string
	err := s.queryRow(ctx, `SELECT attributes FROM contacts WHERE id = ?`, contactID).Scan(&current)
	if err != nil {
		return fmt.Errorf("failed to load attributes of contact %s: %w", contactID, err)
	}
	merged := make(map[string]any)
	if current != "" {
		_ = json.Unmarshal([]byte(current), &merged)
	}
	for k, v := range attrs {
		merged[k] = v
	}
	encoded, err := marshalJSON(merged, "{}")
	if err != nil {
		return err
	}
	if _, err := s.exec(ctx, `UPDATE contacts SET attributes = ? WHERE id = ?`, encoded, contactID); err != nil {
		return fmt.Errorf("failed to update attributes of contact %s: %w", contactID, err)
	}
	return nil
}

// UpdateContactTags replaces the contact's tag set.
func (s *sqlStore) UpdateContactTags(ctx context.Context, contactID string, tags []string) error {
	sorted := append([]string(nil), tags...)
	sort.Strings(sorted)
	encoded, err := marshalJSON(sorted, "[]")
	if err != nil {
		return err
	}
	if _, err := s.exec(ctx, `UPDATE contacts SET tags = ? WHERE id = ?`, encoded, contactID); err != nil {
		return fmt.Errorf("failed to update tags of contact %s: %w", contactID, err)
	}
	return nil
}

// TouchContact sets the contact's last interaction time.
func (s *sqlStore) TouchContact(ctx context.Context, contactID string, at time.Time) error {
	if _, err := s.exec(ctx, `UPDATE contacts SET last_interaction_at = ? WHERE id = ?`, at.UTC(), contactID); err != nil {
		return fmt.Errorf("failed to touch contact %s: %w", contactID, err)
	}
	return nil
}

// LogError records an engine failure.
func (s *sqlStore) LogError(ctx context.Context, entry models.ErrorLog) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	_, err := s.exec(ctx,
		`INSERT INTO error_logs (phone_number, context, message, created_at) VALUES (?, ?, ?, ?)`,
		entry.PhoneNumber, entry.Context, entry.Message, entry.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to log error: %w", err)
	}
	return nil
}

// LogMessage records an inbound or outbound message. The id is generated when empty.
func (s *sqlStore) LogMessage(ctx context.Context, entry *models.MessageLog) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	now := time.Now()
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = now
	}
	entry.UpdatedAt = now
	_, err := s.exec(ctx,
		`INSERT INTO message_logs (id, session_id, phone_number, node_id, direction, kind, body, provider_message_id, status, error, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, nilIfEmpty(entry.SessionID), entry.PhoneNumber, nilIfEmpty(entry.NodeID), string(entry.Direction),
		entry.Kind, entry.Body, nilIfEmpty(entry.ProviderMessageID), string(entry.Status), nilIfEmpty(entry.Error),
		entry.CreatedAt.UTC(), entry.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to log message: %w", err)
	}
	return nil
}

// UpdateMessageStatus advances the delivery status of an outbound message. Status never
// moves backwards, so a late "delivered" does not overwrite "read".
func (s *sqlStore) UpdateMessageStatus(ctx context.Context, providerMessageID string, status models.MessageStatus) error {
	var current string
	err := s.queryRow(ctx,
		`SELECT status FROM message_logs WHERE provider_message_id = ? AND direction = 'outbound'`,
		providerMessageID).Scan(&current)
	if err == sql.ErrNoRows {
		slog.Debug(s.name+".UpdateMessageStatus: unknown provider message id", "providerMessageID", providerMessageID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load message status: %w", err)
	}
	if !statusAdvances(models.MessageStatus(current), status) {
		return nil
	}
	_, err = s.exec(ctx,
		`UPDATE message_logs SET status = ?, updated_at = ? WHERE provider_message_id = ? AND direction = 'outbound'`,
		string(status), time.Now().UTC(), providerMessageID)
	if err != nil {
		return fmt.Errorf("failed to update message status: %w", err)
	}
	return nil
}

// rebindDollar rewrites '?' placeholders as $1, $2, ... for PostgreSQL.
func rebindDollar(query string) string {
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

func rebindNone(query string) string { return query }
