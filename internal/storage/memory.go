package storage

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Memory is a process-local Store. Its atomicity holds only inside one process.
type Memory struct {
	mu sync.Mutex

	seq          map[string]int64
	cooldowns    map[string]time.Time
	quotas       map[quotaKey]int
	attempts     map[string]attemptRec
	submissions  map[int64]Submission
	flagged      []Submission
	bans         map[banKey]Ban
	destinations map[string]Destination
	settings     map[string]string
	audit        []AuditEntry

	closed bool
}

type quotaKey struct{ subject, day string }
type banKey struct{ subject, scope string }

type attemptRec struct {
	id int64
	at time.Time
}

func NewMemory() *Memory {
	return &Memory{
		seq:          map[string]int64{},
		cooldowns:    map[string]time.Time{},
		quotas:       map[quotaKey]int{},
		attempts:     map[string]attemptRec{},
		submissions:  map[int64]Submission{},
		bans:         map[banKey]Ban{},
		destinations: map[string]Destination{},
		settings:     map[string]string{},
	}
}

func (m *Memory) lock() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrDisabled
	}
	return nil
}

func (m *Memory) NextSequence(_ context.Context, name string) (int64, error) {
	if err := m.lock(); err != nil {
		return 0, err
	}
	defer m.mu.Unlock()
	m.seq[name]++
	return m.seq[name], nil
}

func (m *Memory) LastAccepted(_ context.Context, subjectID string) (time.Time, bool, error) {
	if err := m.lock(); err != nil {
		return time.Time{}, false, err
	}
	defer m.mu.Unlock()
	t, ok := m.cooldowns[subjectID]
	return t, ok, nil
}

func (m *Memory) QuotaCount(_ context.Context, subjectID, day string) (int, error) {
	if err := m.lock(); err != nil {
		return 0, err
	}
	defer m.mu.Unlock()
	return m.quotas[quotaKey{subjectID, day}], nil
}

func (m *Memory) Accept(_ context.Context, req AcceptRequest) (AcceptResult, error) {
	if err := m.lock(); err != nil {
		return AcceptResult{}, err
	}
	defer m.mu.Unlock()

	if rec, ok := m.attempts[req.AttemptID]; ok && req.AttemptID != "" {
		return AcceptResult{Outcome: AcceptDuplicate, ID: rec.id}, nil
	}

	sub := req.Submission
	now := sub.CreatedAt
	if last, ok := m.cooldowns[sub.SubjectID]; ok && req.CooldownWindow > 0 {
		if elapsed := now.Sub(last); elapsed < req.CooldownWindow {
			return AcceptResult{Outcome: AcceptCooldown, RetryAfter: req.CooldownWindow - elapsed}, nil
		}
	}
	qk := quotaKey{sub.SubjectID, req.Day}
	if req.QuotaLimit > 0 && m.quotas[qk] >= req.QuotaLimit {
		return AcceptResult{Outcome: AcceptQuota}, nil
	}

	sub.Status = StatusAccepted
	m.submissions[sub.ID] = sub
	m.cooldowns[sub.SubjectID] = now
	m.quotas[qk]++
	if req.AttemptID != "" {
		m.attempts[req.AttemptID] = attemptRec{id: sub.ID, at: now}
	}
	return AcceptResult{Outcome: AcceptApplied, ID: sub.ID}, nil
}

func (m *Memory) RecordFlagged(_ context.Context, s Submission) error {
	if err := m.lock(); err != nil {
		return err
	}
	defer m.mu.Unlock()
	s.ID = 0
	s.Status = StatusFlagged
	m.flagged = append(m.flagged, s)
	return nil
}

func (m *Memory) MarkDispatched(_ context.Context, id int64) error {
	if err := m.lock(); err != nil {
		return err
	}
	defer m.mu.Unlock()
	s, ok := m.submissions[id]
	if !ok {
		return ErrNotFound
	}
	s.Status = StatusDispatched
	m.submissions[id] = s
	return nil
}

func (m *Memory) CountSubmissions(_ context.Context, status SubmissionStatus) (int64, error) {
	if err := m.lock(); err != nil {
		return 0, err
	}
	defer m.mu.Unlock()
	if status == StatusFlagged {
		return int64(len(m.flagged)), nil
	}
	var n int64
	for _, s := range m.submissions {
		if status == "" || s.Status == status {
			n++
		}
	}
	return n, nil
}

func (m *Memory) PendingSubmissions(_ context.Context) ([]Submission, error) {
	if err := m.lock(); err != nil {
		return nil, err
	}
	defer m.mu.Unlock()
	var out []Submission
	for _, s := range m.submissions {
		if s.Status == StatusAccepted {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Submission returns a stored accepted submission. Test helper.
func (m *Memory) Submission(id int64) (Submission, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.submissions[id]
	return s, ok
}

func (m *Memory) BanState(_ context.Context, subjectID, originID string, now time.Time) (bool, bool, error) {
	if err := m.lock(); err != nil {
		return false, false, err
	}
	defer m.mu.Unlock()
	g, gok := m.bans[banKey{subjectID, ScopeGlobal}]
	o, ook := m.bans[banKey{subjectID, originID}]
	return gok && g.Active(now), ook && originID != "" && o.Active(now), nil
}

func (m *Memory) PutBan(_ context.Context, b Ban) error {
	if err := m.lock(); err != nil {
		return err
	}
	defer m.mu.Unlock()
	if b.CreatedAt.IsZero() {
		b.CreatedAt = time.Now()
	}
	m.bans[banKey{b.SubjectID, b.Scope}] = b
	return nil
}

func (m *Memory) DeleteBan(_ context.Context, subjectID, scope string) (bool, error) {
	if err := m.lock(); err != nil {
		return false, err
	}
	defer m.mu.Unlock()
	k := banKey{subjectID, scope}
	_, ok := m.bans[k]
	delete(m.bans, k)
	return ok, nil
}

func (m *Memory) ListDestinations(context.Context) ([]Destination, error) {
	if err := m.lock(); err != nil {
		return nil, err
	}
	defer m.mu.Unlock()
	out := make([]Destination, 0, len(m.destinations))
	for _, d := range m.destinations {
		out = append(out, d)
	}
	sortDestinations(out)
	return out, nil
}

func sortDestinations(ds []Destination) {
	sort.Slice(ds, func(i, j int) bool {
		if !ds[i].RegisteredAt.Equal(ds[j].RegisteredAt) {
			return ds[i].RegisteredAt.Before(ds[j].RegisteredAt)
		}
		return ds[i].ID < ds[j].ID
	})
}

func (m *Memory) GetDestination(_ context.Context, id string) (Destination, error) {
	if err := m.lock(); err != nil {
		return Destination{}, err
	}
	defer m.mu.Unlock()
	d, ok := m.destinations[id]
	if !ok {
		return Destination{}, ErrNotFound
	}
	return d, nil
}

func (m *Memory) UpsertDestination(_ context.Context, d Destination) error {
	if err := m.lock(); err != nil {
		return err
	}
	defer m.mu.Unlock()
	if d.ID == "" {
		d.ID = DestinationID(d.Platform, d.GroupID)
	}
	if prev, ok := m.destinations[d.ID]; ok {
		d.RegisteredAt = prev.RegisteredAt
	} else if d.RegisteredAt.IsZero() {
		d.RegisteredAt = time.Now()
	}
	m.destinations[d.ID] = d
	return nil
}

func (m *Memory) DeleteDestination(_ context.Context, id string) (bool, error) {
	if err := m.lock(); err != nil {
		return false, err
	}
	defer m.mu.Unlock()
	_, ok := m.destinations[id]
	delete(m.destinations, id)
	return ok, nil
}

func (m *Memory) GetSetting(_ context.Context, key string) (string, bool, error) {
	if err := m.lock(); err != nil {
		return "", false, err
	}
	defer m.mu.Unlock()
	v, ok := m.settings[key]
	return v, ok, nil
}

func (m *Memory) PutSetting(_ context.Context, key, value string) error {
	if err := m.lock(); err != nil {
		return err
	}
	defer m.mu.Unlock()
	m.settings[key] = value
	return nil
}

func (m *Memory) AppendAudit(_ context.Context, e AuditEntry) error {
	if err := m.lock(); err != nil {
		return err
	}
	defer m.mu.Unlock()
	if e.At.IsZero() {
		e.At = time.Now()
	}
	m.audit = append(m.audit, e)
	return nil
}

// Audit returns a copy of the audit log. Test helper.
func (m *Memory) Audit() []AuditEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]AuditEntry(nil), m.audit...)
}

func (m *Memory) Prune(_ context.Context, before time.Time) (PruneStats, error) {
	if err := m.lock(); err != nil {
		return PruneStats{}, err
	}
	defer m.mu.Unlock()

	var st PruneStats
	day := dayOf(before)
	for k := range m.quotas {
		if k.day < day {
			delete(m.quotas, k)
			st.Quotas++
		}
	}
	for k, t := range m.cooldowns {
		if t.Before(before) {
			delete(m.cooldowns, k)
			st.Cooldowns++
		}
	}
	for k, a := range m.attempts {
		if a.at.Before(before) {
			delete(m.attempts, k)
			st.Attempts++
		}
	}
	for k, b := range m.bans {
		if !b.Until.IsZero() && b.Until.Before(before) {
			delete(m.bans, k)
			st.Bans++
		}
	}
	return st, nil
}

func (m *Memory) Ping(context.Context) error {
	if err := m.lock(); err != nil {
		return err
	}
	m.mu.Unlock()
	return nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}
