package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/BTreeMap/FlowPipe/internal/models"
	"github.com/BTreeMap/FlowPipe/internal/util"
	"github.com/google/uuid"
)

var (
	_ Backend = (*InMemoryStore)(nil)
	_ Backend = (*SQLiteStore)(nil)
	_ Backend = (*PostgresStore)(nil)
)

// InMemoryStore is a Backend that keeps everything in process memory. It is used when no
// database DSN is configured and by tests. Values are copied in and out so callers never
// share state with the store.
type InMemoryStore struct {
	mu       sync.Mutex
	flows    map[string]models.Flow
	nodes    map[string][]models.Node
	sessions map[string]*models.Session
	order    []string // session ids in creation order
	contacts map[string]*models.Contact
	messages []*models.MessageLog
	errors   []models.ErrorLog
	jobs     map[string]*Job
	outbox   map[string]*OutboxMessage
	dedup    map[string]time.Time
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		flows:    make(map[string]models.Flow),
		nodes:    make(map[string][]models.Node),
		sessions: make(map[string]*models.Session),
		contacts: make(map[string]*models.Contact),
		jobs:     make(map[string]*Job),
		outbox:   make(map[string]*OutboxMessage),
		dedup:    make(map[string]time.Time),
	}
}

// copyJSONMap deep-copies a JSON-shaped map through an encode/decode round trip, so
// the copy holds what a SQL backend would return. Values that cannot be encoded are an
// error, as they are for a SQL column.
func copyJSONMap(m map[string]any) (map[string]any, error) {
	out := make(map[string]any)
	if len(m) == 0 {
		return out, nil
	}
	encoded, err := marshalJSON(m, "{}")
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(encoded), &out); err != nil {
		return nil, fmt.Errorf("failed to decode json column: %w", err)
	}
	return out, nil
}

// cloneMap copies a map that is already held by the store. Stored maps went through
// copyJSONMap on the way in, so they always encode.
func cloneMap(m map[string]any) map[string]any {
	out, err := copyJSONMap(m)
	if err != nil {
		return make(map[string]any)
	}
	return out
}

func cloneSession(s *models.Session) *models.Session {
	c := *s
	c.Context = cloneMap(s.Context)
	c.Trace = append([]models.TraceEntry(nil), s.Trace...)
	return &c
}

func cloneContact(c *models.Contact) *models.Contact {
	out := *c
	out.Attributes = cloneMap(c.Attributes)
	out.Tags = append([]string(nil), c.Tags...)
	return &out
}

func (s *InMemoryStore) GetFlow(_ context.Context, flowID string) (*models.Flow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.flows[flowID]
	if !ok {
		return nil, nil
	}
	return &f, nil
}

func (s *InMemoryStore) GetActiveFlowsByTrigger(_ context.Context, trigger models.TriggerType) ([]models.Flow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var flows []models.Flow
	for _, f := range s.flows {
		if f.Active && f.TriggerType == trigger {
			flows = append(flows, f)
		}
	}
	sort.Slice(flows, func(i, j int) bool { return flows[i].ID < flows[j].ID })
	return flows, nil
}

func (s *InMemoryStore) GetNodes(_ context.Context, flowID string) ([]models.Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := s.nodes[flowID]
	nodes := make([]models.Node, 0, len(stored))
	for _, n := range stored {
		n.Connections = append([]models.Connection(nil), n.Connections...)
		if err := n.DecodeProps(); err != nil {
			return nil, err
		}
		nodes = append(nodes, n)
	}
	return nodes, nil
}

func (s *InMemoryStore) SaveFlow(_ context.Context, flow models.Flow, nodes []models.Node) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flows[flow.ID] = flow
	stored := make([]models.Node, len(nodes))
	for i, n := range nodes {
		n.FlowID = flow.ID
		n.Props = nil
		stored[i] = n
	}
	s.nodes[flow.ID] = stored
	return nil
}

func (s *InMemoryStore) GetActiveSession(_ context.Context, phone string) (*models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.order) - 1; i >= 0; i-- {
		sess := s.sessions[s.order[i]]
		if sess.PhoneNumber == phone && sess.Status == models.SessionActive {
			return cloneSession(sess), nil
		}
	}
	return nil, nil
}

func (s *InMemoryStore) GetSession(_ context.Context, sessionID string) (*models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return nil, nil
	}
	return cloneSession(sess), nil
}

func (s *InMemoryStore) CreateSession(_ context.Context, sess *models.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess.Status == models.SessionActive {
		for _, existing := range s.sessions {
			if existing.PhoneNumber == sess.PhoneNumber && existing.Status == models.SessionActive {
				return ErrActiveSessionExists
			}
		}
	}
	sessCtx, err := copyJSONMap(sess.Context)
	if err != nil {
		return err
	}
	if sess.ID == "" {
		sess.ID = uuid.NewString()
	}
	stored := cloneSession(sess)
	stored.Context = sessCtx
	s.sessions[sess.ID] = stored
	s.order = append(s.order, sess.ID)
	return nil
}

func (s *InMemoryStore) UpdateSession(_ context.Context, sessionID string, update models.SessionUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return nil
	}
	var sessCtx map[string]any
	if update.Context != nil {
		var err error
		if sessCtx, err = copyJSONMap(update.Context); err != nil {
			return err
		}
	}
	if update.CurrentNodeID != nil {
		sess.CurrentNodeID = *update.CurrentNodeID
	}
	if sessCtx != nil {
		sess.Context = sessCtx
	}
	if update.LastInteractionAt != nil {
		sess.LastInteractionAt = *update.LastInteractionAt
	}
	if update.ClearResumeAt {
		sess.ResumeAt = nil
	} else if update.ResumeAt != nil {
		t := *update.ResumeAt
		sess.ResumeAt = &t
	}
	return nil
}

func (s *InMemoryStore) EndSession(_ context.Context, sessionID string, status models.SessionStatus, endedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok || sess.Status != models.SessionActive {
		return nil
	}
	sess.Status = status
	sess.EndedAt = &endedAt
	sess.ResumeAt = nil
	return nil
}

func (s *InMemoryStore) ExpireStaleSessions(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	n := 0
	for _, sess := range s.sessions {
		if sess.Status != models.SessionActive || !sess.LastInteractionAt.Before(cutoff) {
			continue
		}
		if sess.ResumeAt != nil && !sess.ResumeAt.Before(cutoff) {
			continue
		}
		sess.Status = models.SessionExpired
		sess.EndedAt = &now
		sess.ResumeAt = nil
		n++
	}
	return n, nil
}

func (s *InMemoryStore) AppendExecutionTrace(_ context.Context, sessionID string, entries ...models.TraceEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[sessionID]; ok {
		sess.Trace = append(sess.Trace, entries...)
	}
	return nil
}

func (s *InMemoryStore) GetOrCreateContact(_ context.Context, phone, name string) (*models.Contact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.contacts[phone]
	if !ok {
		c = &models.Contact{
			ID:          uuid.NewString(),
			PhoneNumber: phone,
			Attributes:  make(map[string]any),
			CreatedAt:   time.Now(),
		}
		s.contacts[phone] = c
	}
	if name != "" {
		c.Name = name
	}
	return cloneContact(c), nil
}

func (s *InMemoryStore) contactByID(id string) *models.Contact {
	for _, c := range s.contacts {
		if c.ID == id {
			return c
		}
	}
	return nil
}

func (s *InMemoryStore) UpdateContactAttributes(_ context.Context, contactID string, attrs map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.contactByID(contactID)
	if c == nil {
		return nil
	}
	copied, err := copyJSONMap(attrs)
	if err != nil {
		return err
	}
	if c.Attributes == nil {
		c.Attributes = make(map[string]any)
	}
	for k, v := range copied {
		c.Attributes[k] = v
	}
	return nil
}

func (s *InMemoryStore) UpdateContactTags(_ context.Context, contactID string, tags []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c := s.contactByID(contactID); c != nil {
		c.Tags = append([]string(nil), tags...)
		sort.Strings(c.Tags)
	}
	return nil
}

func (s *InMemoryStore) TouchContact(_ context.Context, contactID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c := s.contactByID(contactID); c != nil {
		c.LastInteractionAt = &at
	}
	return nil
}

func (s *InMemoryStore) LogError(_ context.Context, entry models.ErrorLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	s.errors = append(s.errors, entry)
	return nil
}

func (s *InMemoryStore) LogMessage(_ context.Context, entry *models.MessageLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	now := time.Now()
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = now
	}
	entry.UpdatedAt = now
	c := *entry
	s.messages = append(s.messages, &c)
	return nil
}

func (s *InMemoryStore) UpdateMessageStatus(_ context.Context, providerMessageID string, status models.MessageStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.messages {
		if m.ProviderMessageID == providerMessageID && m.Direction == models.DirectionOutbound &&
			statusAdvances(m.Status, status) {
			m.Status = status
			m.UpdatedAt = time.Now()
		}
	}
	return nil
}

// Messages returns a copy of every logged message in insertion order.
func (s *InMemoryStore) Messages() []models.MessageLog {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.MessageLog, len(s.messages))
	for i, m := range s.messages {
		out[i] = *m
	}
	return out
}

// Errors returns a copy of every logged error.
func (s *InMemoryStore) Errors() []models.ErrorLog {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.ErrorLog(nil), s.errors...)
}

// Contact returns a copy of the contact for phone, or nil.
func (s *InMemoryStore) Contact(phone string) *models.Contact {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.contacts[phone]; ok {
		return cloneContact(c)
	}
	return nil
}

// Sessions returns copies of all sessions for phone in creation order.
func (s *InMemoryStore) Sessions(phone string) []*models.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Session
	for _, id := range s.order {
		if sess := s.sessions[id]; sess.PhoneNumber == phone {
			out = append(out, cloneSession(sess))
		}
	}
	return out
}

// Close is a no-op for the in-memory store.
func (s *InMemoryStore) Close() error { return nil }

func (s *InMemoryStore) EnqueueJob(kind string, runAt time.Time, payloadJSON string, dedupeKey string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if dedupeKey != "" {
		for _, j := range s.jobs {
			if j.DedupeKey == dedupeKey && (j.Status == JobStatusQueued || j.Status == JobStatusRunning) {
				return j.ID, nil
			}
		}
	}
	now := time.Now()
	j := &Job{
		ID:          util.GenerateJobID(),
		Kind:        kind,
		RunAt:       runAt,
		PayloadJSON: payloadJSON,
		Status:      JobStatusQueued,
		MaxAttempts: DefaultJobMaxAttempts,
		DedupeKey:   dedupeKey,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	s.jobs[j.ID] = j
	return j.ID, nil
}

func (s *InMemoryStore) ClaimDueJobs(now time.Time, limit int) ([]Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []*Job
	for _, j := range s.jobs {
		if j.Status == JobStatusQueued && !j.RunAt.After(now) {
			due = append(due, j)
		}
	}
	sort.Slice(due, func(i, k int) bool { return due[i].RunAt.Before(due[k].RunAt) })
	if len(due) > limit {
		due = due[:limit]
	}
	out := make([]Job, 0, len(due))
	for _, j := range due {
		locked := now
		j.Status = JobStatusRunning
		j.LockedAt = &locked
		j.UpdatedAt = now
		out = append(out, *j)
	}
	return out, nil
}

func (s *InMemoryStore) CompleteJob(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j, ok := s.jobs[id]; ok {
		j.Status = JobStatusDone
		j.LockedAt = nil
		j.UpdatedAt = time.Now()
	}
	return nil
}

func (s *InMemoryStore) FailJob(id string, errMsg string, nextRunAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil
	}
	j.Attempt++
	j.LastError = errMsg
	j.LockedAt = nil
	j.UpdatedAt = time.Now()
	if j.Attempt >= j.MaxAttempts {
		j.Status = JobStatusFailed
	} else {
		j.Status = JobStatusQueued
		j.RunAt = nextRunAt
	}
	return nil
}

func (s *InMemoryStore) CancelJob(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j, ok := s.jobs[id]; ok {
		j.Status = JobStatusCanceled
		j.LockedAt = nil
	}
	return nil
}

func (s *InMemoryStore) RequeueStaleRunningJobs(staleBefore time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, j := range s.jobs {
		if j.Status == JobStatusRunning && j.LockedAt != nil && j.LockedAt.Before(staleBefore) {
			j.Status = JobStatusQueued
			j.LockedAt = nil
			n++
		}
	}
	return n, nil
}

func (s *InMemoryStore) GetJob(id string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, nil
	}
	c := *j
	return &c, nil
}

func (s *InMemoryStore) EnqueueOutboxMessage(phone, kind, payloadJSON, dedupeKey string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if dedupeKey != "" {
		for _, m := range s.outbox {
			if m.DedupeKey == dedupeKey && (m.Status == OutboxStatusQueued || m.Status == OutboxStatusSending) {
				return m.ID, nil
			}
		}
	}
	now := time.Now()
	m := &OutboxMessage{
		ID:          util.GenerateOutboxID(),
		PhoneNumber: phone,
		Kind:        kind,
		PayloadJSON: payloadJSON,
		Status:      OutboxStatusQueued,
		DedupeKey:   dedupeKey,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	s.outbox[m.ID] = m
	return m.ID, nil
}

func (s *InMemoryStore) ClaimDueOutboxMessages(now time.Time, limit int) ([]OutboxMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []*OutboxMessage
	for _, m := range s.outbox {
		if m.Status == OutboxStatusQueued && (m.NextAttemptAt == nil || !m.NextAttemptAt.After(now)) {
			due = append(due, m)
		}
	}
	sort.Slice(due, func(i, k int) bool { return due[i].CreatedAt.Before(due[k].CreatedAt) })
	if len(due) > limit {
		due = due[:limit]
	}
	out := make([]OutboxMessage, 0, len(due))
	for _, m := range due {
		locked := now
		m.Status = OutboxStatusSending
		m.LockedAt = &locked
		out = append(out, *m)
	}
	return out, nil
}

func (s *InMemoryStore) MarkOutboxMessageSent(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.outbox[id]; ok {
		m.Status = OutboxStatusSent
		m.LockedAt = nil
	}
	return nil
}

func (s *InMemoryStore) FailOutboxMessage(id string, errMsg string, nextAttemptAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.outbox[id]
	if !ok {
		return nil
	}
	m.Attempts++
	m.LastError = errMsg
	m.LockedAt = nil
	next := nextAttemptAt
	m.NextAttemptAt = &next
	if m.Attempts >= MaxOutboxAttempts {
		m.Status = OutboxStatusFailed
	} else {
		m.Status = OutboxStatusQueued
	}
	return nil
}

func (s *InMemoryStore) RequeueStaleSendingMessages(staleBefore time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, m := range s.outbox {
		if m.Status == OutboxStatusSending && m.LockedAt != nil && m.LockedAt.Before(staleBefore) {
			m.Status = OutboxStatusQueued
			m.LockedAt = nil
			n++
		}
	}
	return n, nil
}

func (s *InMemoryStore) IsDuplicate(messageID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.dedup[messageID]
	return ok, nil
}

func (s *InMemoryStore) RecordInbound(messageID, _ string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.dedup[messageID]; ok {
		return false, nil
	}
	s.dedup[messageID] = time.Now()
	return true, nil
}

func (s *InMemoryStore) MarkProcessed(string) error { return nil }

func (s *InMemoryStore) PurgeDedupBefore(cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, at := range s.dedup {
		if at.Before(cutoff) {
			delete(s.dedup, id)
			n++
		}
	}
	return n, nil
}
