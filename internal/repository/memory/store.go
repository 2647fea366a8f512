// Package memory provides in-process implementations of repository.Store and
// repository.Directory. Records are held by value and copied on every read
// and write, so callers never share state with the store. WithinTx
// serialises units of work and restores a snapshot when fn fails.
package memory

import (
	"context"
	"maps"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pesio-ai/be-erp-approvals/internal/errors"
	"github.com/pesio-ai/be-erp-approvals/internal/repository"
)

type ccKey struct {
	instanceID int64
	userID     int64
}

type tallyKey struct {
	instanceID int64
	nodeID     int64
}

type data struct {
	seq          int64
	templates    map[int64]repository.ApprovalTemplate
	flows        map[int64]repository.ApprovalFlow
	nodes        map[int64]repository.ApprovalNode
	rules        map[int64]repository.ApprovalRoutingRule
	instances    map[int64]repository.ApprovalInstance
	tasks        map[int64]repository.ApprovalTask
	countersigns map[tallyKey]repository.ApprovalCountersignResult
	ccs          map[int64]repository.ApprovalCarbonCopy
	ccIndex      map[ccKey]int64
	logs         []repository.ApprovalActionLog
	comments     map[int64]repository.ApprovalComment
}

func newData() *data {
	return &data{
		templates:    map[int64]repository.ApprovalTemplate{},
		flows:        map[int64]repository.ApprovalFlow{},
		nodes:        map[int64]repository.ApprovalNode{},
		rules:        map[int64]repository.ApprovalRoutingRule{},
		instances:    map[int64]repository.ApprovalInstance{},
		tasks:        map[int64]repository.ApprovalTask{},
		countersigns: map[tallyKey]repository.ApprovalCountersignResult{},
		ccs:          map[int64]repository.ApprovalCarbonCopy{},
		ccIndex:      map[ccKey]int64{},
		comments:     map[int64]repository.ApprovalComment{},
	}
}

// snapshot copies the maps. Stored values are replaced, never mutated in
// place, so a shallow copy is enough to roll back.
func (d *data) snapshot() *data {
	return &data{
		seq:          d.seq,
		templates:    maps.Clone(d.templates),
		flows:        maps.Clone(d.flows),
		nodes:        maps.Clone(d.nodes),
		rules:        maps.Clone(d.rules),
		instances:    maps.Clone(d.instances),
		tasks:        maps.Clone(d.tasks),
		countersigns: maps.Clone(d.countersigns),
		ccs:          maps.Clone(d.ccs),
		ccIndex:      maps.Clone(d.ccIndex),
		logs:         slices.Clone(d.logs),
		comments:     maps.Clone(d.comments),
	}
}

func (d *data) nextID() int64 {
	d.seq++
	return d.seq
}

type state struct {
	txMu sync.Mutex
	mu   sync.Mutex
	d    *data
	now  func() time.Time
}

// Store is an in-memory repository.Store.
type Store struct {
	st   *state
	inTx bool
}

// Option configures a Store.
type Option func(*state)

// WithClock overrides the clock used for created_at/updated_at stamps.
func WithClock(now func() time.Time) Option {
	return func(s *state) { s.now = now }
}

// NewStore creates an empty store.
func NewStore(opts ...Option) *Store {
	st := &state{d: newData(), now: time.Now}
	for _, opt := range opts {
		opt(st)
	}
	return &Store{st: st}
}

var _ repository.Store = (*Store)(nil)

// WithinTx runs fn as one serialised unit of work; any error or panic rolls
// the store back to its state before fn.
func (s *Store) WithinTx(ctx context.Context, fn func(tx repository.Store) error) (err error) {
	if s.inTx {
		return fn(s)
	}

	s.st.txMu.Lock()
	defer s.st.txMu.Unlock()

	s.st.mu.Lock()
	saved := s.st.d.snapshot()
	s.st.mu.Unlock()

	defer func() {
		if p := recover(); p != nil {
			s.restore(saved)
			panic(p)
		}
		if err != nil {
			s.restore(saved)
		}
	}()

	return fn(&Store{st: s.st, inTx: true})
}

func (s *Store) restore(saved *data) {
	s.st.mu.Lock()
	s.st.d = saved
	s.st.mu.Unlock()
}

func (s *Store) lock() (*data, func()) {
	s.st.mu.Lock()
	return s.st.d, s.st.mu.Unlock
}

// ── Seeding ───────────────────────────────────────────────────────────────────

// AddTemplate stores a template definition, assigning an id when unset.
func (s *Store) AddTemplate(t *repository.ApprovalTemplate) *repository.ApprovalTemplate {
	d, unlock := s.lock()
	defer unlock()
	if t.ID == 0 {
		t.ID = d.nextID()
	}
	d.templates[t.ID] = *t
	return t
}

// AddFlow stores a flow definition, assigning an id when unset.
func (s *Store) AddFlow(f *repository.ApprovalFlow) *repository.ApprovalFlow {
	d, unlock := s.lock()
	defer unlock()
	if f.ID == 0 {
		f.ID = d.nextID()
	}
	d.flows[f.ID] = *f
	return f
}

// AddNode stores a node definition, assigning an id when unset.
func (s *Store) AddNode(n *repository.ApprovalNode) *repository.ApprovalNode {
	d, unlock := s.lock()
	defer unlock()
	if n.ID == 0 {
		n.ID = d.nextID()
	}
	d.nodes[n.ID] = cloneNode(*n)
	return n
}

// AddRule stores a routing rule, assigning an id when unset.
func (s *Store) AddRule(r *repository.ApprovalRoutingRule) *repository.ApprovalRoutingRule {
	d, unlock := s.lock()
	defer unlock()
	if r.ID == 0 {
		r.ID = d.nextID()
	}
	d.rules[r.ID] = *r
	return r
}

// ── Definitions ───────────────────────────────────────────────────────────────

func (s *Store) GetTemplateByCode(_ context.Context, code string) (*repository.ApprovalTemplate, error) {
	d, unlock := s.lock()
	defer unlock()
	for _, t := range d.templates {
		if t.Code == code {
			return &t, nil
		}
	}
	return nil, errors.NotFound("approval_template", code)
}

func (s *Store) GetFlow(_ context.Context, id int64) (*repository.ApprovalFlow, error) {
	d, unlock := s.lock()
	defer unlock()
	f, ok := d.flows[id]
	if !ok {
		return nil, errors.NotFound("approval_flow", id)
	}
	return &f, nil
}

func (s *Store) GetDefaultFlow(_ context.Context, templateID int64) (*repository.ApprovalFlow, error) {
	d, unlock := s.lock()
	defer unlock()
	var found *repository.ApprovalFlow
	for _, f := range d.flows {
		if f.TemplateID != templateID || !f.IsDefault || !f.Active {
			continue
		}
		if found == nil || f.ID < found.ID {
			f := f
			found = &f
		}
	}
	return found, nil
}

func (s *Store) ListActiveRules(_ context.Context, templateID int64) ([]*repository.ApprovalRoutingRule, error) {
	d, unlock := s.lock()
	defer unlock()
	var out []*repository.ApprovalRoutingRule
	for _, r := range d.rules {
		if r.TemplateID == templateID && r.Active {
			r := r
			out = append(out, &r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].RuleOrder != out[j].RuleOrder {
			return out[i].RuleOrder < out[j].RuleOrder
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *Store) GetNode(_ context.Context, id int64) (*repository.ApprovalNode, error) {
	d, unlock := s.lock()
	defer unlock()
	n, ok := d.nodes[id]
	if !ok {
		return nil, errors.NotFound("approval_node", id)
	}
	n = cloneNode(n)
	return &n, nil
}

func (s *Store) ListActiveNodes(_ context.Context, flowID int64) ([]*repository.ApprovalNode, error) {
	d, unlock := s.lock()
	defer unlock()
	var out []*repository.ApprovalNode
	for _, n := range d.nodes {
		if n.FlowID == flowID && n.Active {
			n := cloneNode(n)
			out = append(out, &n)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].NodeOrder != out[j].NodeOrder {
			return out[i].NodeOrder < out[j].NodeOrder
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// ── Instances ─────────────────────────────────────────────────────────────────

func (s *Store) CreateInstance(_ context.Context, inst *repository.ApprovalInstance) error {
	d, unlock := s.lock()
	defer unlock()
	for _, existing := range d.instances {
		if inst.InstanceNo != "" && existing.InstanceNo == inst.InstanceNo {
			return errors.Conflict("instance number already in use: " + inst.InstanceNo)
		}
	}
	now := s.st.now()
	inst.ID = d.nextID()
	inst.CreatedAt = now
	inst.UpdatedAt = now
	inst.Version = 1
	d.instances[inst.ID] = cloneInstance(*inst)
	return nil
}

func (s *Store) GetInstance(_ context.Context, id int64) (*repository.ApprovalInstance, error) {
	d, unlock := s.lock()
	defer unlock()
	inst, ok := d.instances[id]
	if !ok {
		return nil, errors.NotFound("approval_instance", id)
	}
	inst = cloneInstance(inst)
	return &inst, nil
}

func (s *Store) UpdateInstance(_ context.Context, inst *repository.ApprovalInstance) error {
	d, unlock := s.lock()
	defer unlock()
	current, ok := d.instances[inst.ID]
	if !ok || current.Version != inst.Version {
		return errors.Conflict("approval instance was modified concurrently")
	}
	inst.Version++
	inst.UpdatedAt = s.st.now()
	// identity columns are immutable
	inst.InstanceNo = current.InstanceNo
	inst.CreatedAt = current.CreatedAt
	d.instances[inst.ID] = cloneInstance(*inst)
	return nil
}

func (s *Store) CountInstanceNoPrefix(_ context.Context, prefix string) (int, error) {
	d, unlock := s.lock()
	defer unlock()
	n := 0
	for _, inst := range d.instances {
		if strings.HasPrefix(inst.InstanceNo, prefix) {
			n++
		}
	}
	return n, nil
}

func (s *Store) ListInstances(_ context.Context, filter repository.InstanceFilter) ([]*repository.ApprovalInstance, int64, error) {
	d, unlock := s.lock()
	defer unlock()
	var matched []*repository.ApprovalInstance
	for _, inst := range d.instances {
		if filter.InitiatorID != 0 && inst.InitiatorID != filter.InitiatorID {
			continue
		}
		if filter.TemplateID != 0 && inst.TemplateID != filter.TemplateID {
			continue
		}
		if filter.Status != nil && inst.Status != *filter.Status {
			continue
		}
		inst := cloneInstance(inst)
		matched = append(matched, &inst)
	}
	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.After(matched[j].CreatedAt)
		}
		return matched[i].ID > matched[j].ID
	})
	return paginate(matched, filter.Page), int64(len(matched)), nil
}

// ── Tasks ─────────────────────────────────────────────────────────────────────

func (s *Store) CreateTasks(_ context.Context, tasks []*repository.ApprovalTask) error {
	d, unlock := s.lock()
	defer unlock()
	now := s.st.now()
	for _, t := range tasks {
		t.ID = d.nextID()
		t.CreatedAt = now
		t.UpdatedAt = now
		t.Version = 1
		d.tasks[t.ID] = cloneTask(*t)
	}
	return nil
}

func (s *Store) GetTask(_ context.Context, id int64) (*repository.ApprovalTask, error) {
	d, unlock := s.lock()
	defer unlock()
	t, ok := d.tasks[id]
	if !ok {
		return nil, errors.NotFound("approval_task", id)
	}
	t = cloneTask(t)
	return &t, nil
}

func (s *Store) UpdateTask(_ context.Context, t *repository.ApprovalTask) error {
	d, unlock := s.lock()
	defer unlock()
	current, ok := d.tasks[t.ID]
	if !ok || current.Version != t.Version {
		return errors.Conflict("approval task was modified concurrently")
	}
	updated := cloneTask(*t)
	// fixed at creation
	updated.InstanceID = current.InstanceID
	updated.NodeID = current.NodeID
	updated.TaskOrder = current.TaskOrder
	updated.AssigneeID = current.AssigneeID
	updated.AssigneeName = current.AssigneeName
	updated.AssigneeType = current.AssigneeType
	updated.OriginalAssigneeID = current.OriginalAssigneeID
	updated.IsCountersign = current.IsCountersign
	updated.CreatedAt = current.CreatedAt
	updated.UpdatedAt = s.st.now()
	updated.Version = current.Version + 1
	d.tasks[t.ID] = updated

	t.Version = updated.Version
	t.UpdatedAt = updated.UpdatedAt
	return nil
}

func (s *Store) ListTasks(_ context.Context, filter repository.TaskFilter) ([]*repository.ApprovalTask, int64, error) {
	d, unlock := s.lock()
	defer unlock()
	var matched []*repository.ApprovalTask
	for _, t := range d.tasks {
		if filter.InstanceID != 0 && t.InstanceID != filter.InstanceID {
			continue
		}
		if filter.NodeID != 0 && t.NodeID != filter.NodeID {
			continue
		}
		if filter.AssigneeID != 0 && t.AssigneeID != filter.AssigneeID {
			continue
		}
		if len(filter.Statuses) > 0 && !slices.Contains(filter.Statuses, t.Status) {
			continue
		}
		t := cloneTask(t)
		matched = append(matched, &t)
	}

	if filter.Page == nil {
		sort.Slice(matched, func(i, j int) bool {
			a, b := matched[i], matched[j]
			if a.NodeID != b.NodeID {
				return a.NodeID < b.NodeID
			}
			if a.TaskOrder != b.TaskOrder {
				return a.TaskOrder < b.TaskOrder
			}
			return a.ID < b.ID
		})
		return matched, int64(len(matched)), nil
	}

	sort.Slice(matched, func(i, j int) bool {
		a, b := matched[i], matched[j]
		switch {
		case a.DueAt == nil && b.DueAt != nil:
			return false
		case a.DueAt != nil && b.DueAt == nil:
			return true
		case a.DueAt != nil && b.DueAt != nil && !a.DueAt.Equal(*b.DueAt):
			return a.DueAt.Before(*b.DueAt)
		}
		return a.ID < b.ID
	})
	return paginate(matched, *filter.Page), int64(len(matched)), nil
}

func (s *Store) ListOverdueTasks(_ context.Context, now time.Time, limit int) ([]*repository.ApprovalTask, error) {
	d, unlock := s.lock()
	defer unlock()
	var out []*repository.ApprovalTask
	for _, t := range d.tasks {
		if t.Status != repository.TaskPending || t.DueAt == nil || t.DueAt.After(now) {
			continue
		}
		t := cloneTask(t)
		out = append(out, &t)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := sweepKey(out[i]), sweepKey(out[j])
		if !a.Equal(b) {
			return a.Before(b)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// sweepKey is the later of the task deadline and its last reminder.
func sweepKey(t *repository.ApprovalTask) time.Time {
	if t.RemindedAt != nil && t.RemindedAt.After(*t.DueAt) {
		return *t.RemindedAt
	}
	return *t.DueAt
}

// ── Countersign ───────────────────────────────────────────────────────────────

func (s *Store) CreateCountersign(_ context.Context, cs *repository.ApprovalCountersignResult) error {
	d, unlock := s.lock()
	defer unlock()
	key := tallyKey{cs.InstanceID, cs.NodeID}
	now := s.st.now()
	if existing, ok := d.countersigns[key]; ok {
		cs.ID = existing.ID
		cs.CreatedAt = existing.CreatedAt
		cs.Version = existing.Version + 1
	} else {
		cs.ID = d.nextID()
		cs.CreatedAt = now
		cs.Version = 1
	}
	cs.UpdatedAt = now
	d.countersigns[key] = cloneTally(*cs)
	return nil
}

func (s *Store) GetCountersign(_ context.Context, instanceID, nodeID int64) (*repository.ApprovalCountersignResult, error) {
	d, unlock := s.lock()
	defer unlock()
	cs, ok := d.countersigns[tallyKey{instanceID, nodeID}]
	if !ok {
		return nil, nil
	}
	cs = cloneTally(cs)
	return &cs, nil
}

func (s *Store) UpdateCountersign(_ context.Context, cs *repository.ApprovalCountersignResult) error {
	d, unlock := s.lock()
	defer unlock()
	key := tallyKey{cs.InstanceID, cs.NodeID}
	current, ok := d.countersigns[key]
	if !ok || current.ID != cs.ID || current.Version != cs.Version {
		return errors.Conflict("countersign result was modified concurrently")
	}
	cs.Version++
	cs.UpdatedAt = s.st.now()
	d.countersigns[key] = cloneTally(*cs)
	return nil
}

// ── Carbon copies ─────────────────────────────────────────────────────────────

func (s *Store) CreateCCIfAbsent(_ context.Context, cc *repository.ApprovalCarbonCopy) (bool, error) {
	d, unlock := s.lock()
	defer unlock()
	key := ccKey{cc.InstanceID, cc.CCUserID}
	if _, exists := d.ccIndex[key]; exists {
		return false, nil
	}
	cc.ID = d.nextID()
	cc.CreatedAt = s.st.now()
	d.ccs[cc.ID] = *cc
	d.ccIndex[key] = cc.ID
	return true, nil
}

func (s *Store) ListCCByInstance(_ context.Context, instanceID int64) ([]*repository.ApprovalCarbonCopy, error) {
	d, unlock := s.lock()
	defer unlock()
	var out []*repository.ApprovalCarbonCopy
	for _, cc := range d.ccs {
		if cc.InstanceID == instanceID {
			cc := cc
			out = append(out, &cc)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) ListCCForUser(_ context.Context, filter repository.CCFilter) ([]*repository.ApprovalCarbonCopy, int64, error) {
	d, unlock := s.lock()
	defer unlock()
	var matched []*repository.ApprovalCarbonCopy
	for _, cc := range d.ccs {
		if cc.CCUserID != filter.UserID {
			continue
		}
		if filter.IsRead != nil && cc.IsRead != *filter.IsRead {
			continue
		}
		cc := cc
		matched = append(matched, &cc)
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].ID > matched[j].ID })
	return paginate(matched, filter.Page), int64(len(matched)), nil
}

func (s *Store) MarkCCRead(_ context.Context, ccID, userID int64, at time.Time) (bool, error) {
	d, unlock := s.lock()
	defer unlock()
	cc, ok := d.ccs[ccID]
	if !ok || cc.CCUserID != userID {
		return false, nil
	}
	cc.IsRead = true
	if cc.ReadAt == nil {
		cc.ReadAt = &at
	}
	d.ccs[ccID] = cc
	return true, nil
}

// ── Logs & comments ───────────────────────────────────────────────────────────

func (s *Store) AppendActionLog(_ context.Context, entry *repository.ApprovalActionLog) error {
	d, unlock := s.lock()
	defer unlock()
	entry.ID = d.nextID()
	entry.CreatedAt = s.st.now()
	stored := *entry
	stored.Metadata = maps.Clone(entry.Metadata)
	d.logs = append(d.logs, stored)
	return nil
}

func (s *Store) ListActionLogs(_ context.Context, instanceID int64) ([]*repository.ApprovalActionLog, error) {
	d, unlock := s.lock()
	defer unlock()
	var out []*repository.ApprovalActionLog
	for _, entry := range d.logs {
		if entry.InstanceID == instanceID {
			entry := entry
			entry.Metadata = maps.Clone(entry.Metadata)
			out = append(out, &entry)
		}
	}
	return out, nil
}

func (s *Store) CreateComment(_ context.Context, c *repository.ApprovalComment) error {
	d, unlock := s.lock()
	defer unlock()
	c.ID = d.nextID()
	c.CreatedAt = s.st.now()
	stored := *c
	stored.MentionedUserIDs = slices.Clone(c.MentionedUserIDs)
	stored.Attachments = slices.Clone(c.Attachments)
	d.comments[c.ID] = stored
	return nil
}

func (s *Store) GetComment(_ context.Context, id int64) (*repository.ApprovalComment, error) {
	d, unlock := s.lock()
	defer unlock()
	c, ok := d.comments[id]
	if !ok {
		return nil, errors.NotFound("approval_comment", id)
	}
	return &c, nil
}

func (s *Store) ListComments(_ context.Context, instanceID int64) ([]*repository.ApprovalComment, error) {
	d, unlock := s.lock()
	defer unlock()
	var out []*repository.ApprovalComment
	for _, c := range d.comments {
		if c.InstanceID == instanceID {
			c := c
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ── helpers ───────────────────────────────────────────────────────────────────

func paginate[T any](items []*T, page repository.Page) []*T {
	page = page.Normalize()
	if page.Offset >= len(items) {
		return nil
	}
	end := page.Offset + page.Limit
	if end > len(items) {
		end = len(items)
	}
	return items[page.Offset:end]
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func cloneNode(n repository.ApprovalNode) repository.ApprovalNode {
	n.TimeoutHours = clonePtr(n.TimeoutHours)
	n.ApproverConfig.UserIDs = slices.Clone(n.ApproverConfig.UserIDs)
	n.ApproverConfig.RoleCodes = slices.Clone(n.ApproverConfig.RoleCodes)
	n.ApproverConfig.DeptIDs = slices.Clone(n.ApproverConfig.DeptIDs)
	n.ApproverConfig.Branches = slices.Clone(n.ApproverConfig.Branches)
	n.ApproverConfig.DefaultNodeID = clonePtr(n.ApproverConfig.DefaultNodeID)
	n.NotifyConfig.CCUserIDs = slices.Clone(n.NotifyConfig.CCUserIDs)
	return n
}

func cloneInstance(i repository.ApprovalInstance) repository.ApprovalInstance {
	i.FlowID = clonePtr(i.FlowID)
	i.InitiatorDeptID = clonePtr(i.InitiatorDeptID)
	i.CurrentNodeID = clonePtr(i.CurrentNodeID)
	i.SubmittedAt = clonePtr(i.SubmittedAt)
	i.CompletedAt = clonePtr(i.CompletedAt)
	i.FormData = maps.Clone(i.FormData)
	return i
}

func cloneTask(t repository.ApprovalTask) repository.ApprovalTask {
	t.OriginalAssigneeID = clonePtr(t.OriginalAssigneeID)
	t.Action = clonePtr(t.Action)
	t.Attachments = slices.Clone(t.Attachments)
	t.EvalData = maps.Clone(t.EvalData)
	t.DueAt = clonePtr(t.DueAt)
	t.RemindedAt = clonePtr(t.RemindedAt)
	t.CompletedAt = clonePtr(t.CompletedAt)
	return t
}

func cloneTally(cs repository.ApprovalCountersignResult) repository.ApprovalCountersignResult {
	if cs.SummaryData != nil {
		summary := *cs.SummaryData
		summary.Evaluations = slices.Clone(summary.Evaluations)
		cs.SummaryData = &summary
	}
	return cs
}
