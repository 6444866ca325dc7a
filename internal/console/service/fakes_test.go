package service

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/xela07ax/advocacy-ops/internal/audit"
	"github.com/xela07ax/advocacy-ops/internal/domain"
	"github.com/xela07ax/advocacy-ops/internal/engine"
)

// memStore: in-memory замена postgres.AgentRepo.
type memStore struct {
	mu        sync.Mutex
	runs      map[string]*domain.AgentRun
	events    map[string][]domain.AgentEvent
	approvals map[string]*domain.ApprovalItem
	jobs      map[string]*domain.OutboxJob

	failCreateRun bool
	failDecide    bool
}

func newMemStore() *memStore {
	return &memStore{
		runs:      make(map[string]*domain.AgentRun),
		events:    make(map[string][]domain.AgentEvent),
		approvals: make(map[string]*domain.ApprovalItem),
		jobs:      make(map[string]*domain.OutboxJob),
	}
}

func (m *memStore) CreateRun(_ context.Context, run *domain.AgentRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failCreateRun {
		return errors.New("db down")
	}
	cp := *run
	m.runs[run.ID] = &cp
	return nil
}

func (m *memStore) MarkRunning(_ context.Context, runID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.runs[runID]; ok && r.Status == domain.RunPending {
		r.Status = domain.RunRunning
	}
	return nil
}

func (m *memStore) CompleteRun(_ context.Context, runID string, status domain.RunStatus, output, details json.RawMessage) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[runID]
	if !ok || r.Status.Terminal() {
		return false, nil
	}
	now := time.Now()
	r.Status, r.Output, r.ErrorDetails, r.CompletedAt = status, output, details, &now
	return true, nil
}

func (m *memStore) AppendEvent(_ context.Context, e *domain.AgentEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events[e.RunID] = append(m.events[e.RunID], *e)
	return nil
}

func (m *memStore) GetRun(_ context.Context, runID string) (*domain.AgentRun, []domain.AgentEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[runID]
	if !ok {
		return nil, nil, &domain.NotFoundError{Kind: "run", ID: runID}
	}
	cp := *r
	return &cp, append([]domain.AgentEvent(nil), m.events[runID]...), nil
}

func (m *memStore) runStatus(runID string) domain.RunStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.runs[runID]; ok {
		return r.Status
	}
	return ""
}

func (m *memStore) GetDashboardStats(context.Context) (*domain.DashboardStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stats := &domain.DashboardStats{RunsByStatus: make(map[domain.RunStatus]int64), OpenCircuits: []string{}}
	for _, r := range m.runs {
		stats.RunsByStatus[r.Status]++
	}
	for _, a := range m.approvals {
		if a.Status == domain.StatusPending {
			stats.PendingApprovals++
		}
	}
	return stats, nil
}

func (m *memStore) CreateApproval(_ context.Context, item *domain.ApprovalItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *item
	m.approvals[item.ID] = &cp
	return nil
}

func (m *memStore) GetApproval(_ context.Context, id string) (*domain.ApprovalItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.approvals[id]
	if !ok {
		return nil, &domain.NotFoundError{Kind: "approval", ID: id}
	}
	cp := *a
	return &cp, nil
}

func (m *memStore) ListApprovals(_ context.Context, f domain.ApprovalFilter) ([]*domain.ApprovalItem, map[domain.ApprovalStatus]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	items := make([]*domain.ApprovalItem, 0)
	counts := map[domain.ApprovalStatus]int64{}
	for _, a := range m.approvals {
		counts[a.Status]++
		if (f.Status != "" && a.Status != f.Status) ||
			(f.Priority != "" && a.Priority != f.Priority) ||
			(f.AgentID != "" && a.AgentID != f.AgentID) {
			continue
		}
		cp := *a
		items = append(items, &cp)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].CreatedAt.After(items[j].CreatedAt) })
	return items, counts, nil
}

func (m *memStore) DecideApproval(_ context.Context, d domain.ApprovalDecision, job *domain.OutboxJob) (*domain.ApprovalItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failDecide {
		return nil, errors.New("db down")
	}
	a, ok := m.approvals[d.ApprovalID]
	if !ok {
		return nil, &domain.NotFoundError{Kind: "approval", ID: d.ApprovalID}
	}
	if a.Status != domain.StatusPending {
		return nil, domain.ErrAlreadyProcessed
	}
	now := time.Now()
	reviewer, notes := d.ReviewedBy, d.Notes
	a.Status, a.ReviewedAt, a.ReviewedBy, a.ReviewerNotes = d.Status, &now, &reviewer, &notes
	if job != nil {
		cp := *job
		m.jobs[job.ApprovalID] = &cp
	}
	out := *a
	return &out, nil
}

func (m *memStore) MarkJobDoneByApproval(_ context.Context, approvalID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if j, ok := m.jobs[approvalID]; ok {
		j.Status = domain.OutboxDone
	}
	return nil
}

func (m *memStore) job(approvalID string) *domain.OutboxJob {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.jobs[approvalID]
}

func (m *memStore) addApproval(id string, itemType domain.ItemType, created time.Time) {
	m.approvals[id] = &domain.ApprovalItem{
		ID:        id,
		AgentID:   "agent_003_milestone",
		ItemType:  itemType,
		ItemID:    "item-" + id,
		Status:    domain.StatusPending,
		Priority:  domain.PriorityNormal,
		CreatedAt: created,
	}
}

type recordingEffects struct {
	mu   sync.Mutex
	jobs []domain.OutboxJob
	err  error
}

func (r *recordingEffects) Apply(_ context.Context, job domain.OutboxJob) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs = append(r.jobs, job)
	return r.err
}

type recordingAuditor struct {
	mu     sync.Mutex
	events []audit.AuditEvent
}

func (r *recordingAuditor) Log(e audit.AuditEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recordingAuditor) actions() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Action)
	}
	return out
}

// stubDispatcher запоминает задачи, ничего не исполняя.
type stubDispatcher struct {
	mu       sync.Mutex
	jobs     []engine.Job
	err      error
	inFlight map[string]bool
}

func (d *stubDispatcher) Submit(job engine.Job) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	d.jobs = append(d.jobs, job)
	return nil
}

func (d *stubDispatcher) Cancel(runID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.inFlight[runID]
}

type memToggler struct {
	disabled map[string]bool
	err      error
}

func (t *memToggler) SetEnabled(_ context.Context, agentID string, enabled bool) error {
	if t.err != nil {
		return t.err
	}
	t.disabled[agentID] = !enabled
	return nil
}

func (t *memToggler) IsDisabled(agentID string) bool { return t.disabled[agentID] }
