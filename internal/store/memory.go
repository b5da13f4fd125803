package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/crosslogic/usage-meter/pkg/models"
	"github.com/google/uuid"
)

// MemoryStore is an in-process Store. It backs tests and the
// STORE_DRIVER=memory development mode; nothing survives a restart.
type MemoryStore struct {
	mu sync.RWMutex

	callers       map[string]*models.Caller
	byFingerprint map[string]string
	records       []*models.UsageRecord
	recordIndex   map[string]*models.UsageRecord
	tags          map[string]*models.Tag
	links         map[string]map[string]struct{} // record id -> tag ids
	alerts        []*models.Alert
	alertKeys     map[alertKey]struct{}

	now func() time.Time
}

type alertKey struct {
	callerID  string
	kind      models.AlertKind
	threshold float64
	period    string
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		callers:       make(map[string]*models.Caller),
		byFingerprint: make(map[string]string),
		recordIndex:   make(map[string]*models.UsageRecord),
		tags:          make(map[string]*models.Tag),
		links:         make(map[string]map[string]struct{}),
		alertKeys:     make(map[alertKey]struct{}),
		now:           time.Now,
	}
}

func (s *MemoryStore) Ping(ctx context.Context) error { return nil }
func (s *MemoryStore) Close() error                   { return nil }

func (s *MemoryStore) ResolveCaller(ctx context.Context, fingerprint, credentialRef string) (*models.Caller, error) {
	if fingerprint == "" {
		return nil, ErrEmptyFingerprint
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	if id, ok := s.byFingerprint[fingerprint]; ok {
		c := s.callers[id]
		c.LastActiveAt = now
		if credentialRef != "" {
			c.CredentialRef = credentialRef
		}
		cp := *c
		return &cp, nil
	}

	c := &models.Caller{
		ID:            uuid.NewString(),
		Fingerprint:   fingerprint,
		CredentialRef: credentialRef,
		CreatedAt:     now,
		LastActiveAt:  now,
	}
	s.callers[c.ID] = c
	s.byFingerprint[fingerprint] = c.ID
	cp := *c
	return &cp, nil
}

func (s *MemoryStore) CreateCaller(ctx context.Context, caller *models.Caller) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if caller.ID == "" {
		caller.ID = uuid.NewString()
	}
	if _, ok := s.callers[caller.ID]; ok {
		return ErrConflict
	}
	if caller.Fingerprint != "" {
		if _, ok := s.byFingerprint[caller.Fingerprint]; ok {
			return ErrConflict
		}
	}
	now := s.now().UTC()
	if caller.CreatedAt.IsZero() {
		caller.CreatedAt = now
	}
	if caller.LastActiveAt.IsZero() {
		caller.LastActiveAt = now
	}

	cp := *caller
	s.callers[cp.ID] = &cp
	if cp.Fingerprint != "" {
		s.byFingerprint[cp.Fingerprint] = cp.ID
	}
	return nil
}

func (s *MemoryStore) GetCaller(ctx context.Context, id string) (*models.Caller, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.callers[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (s *MemoryStore) SetMonthlyBudget(ctx context.Context, id string, budget *float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.callers[id]
	if !ok {
		return ErrNotFound
	}
	if budget == nil {
		c.MonthlyBudget = nil
		return nil
	}
	b := *budget
	c.MonthlyBudget = &b
	return nil
}

func (s *MemoryStore) InsertRecord(ctx context.Context, rec *models.UsageRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.callers[rec.CallerID]; !ok {
		return ErrNotFound
	}
	if _, ok := s.recordIndex[rec.ID]; ok {
		return ErrConflict
	}
	cp := *rec
	cp.ToolsUsed = append([]string{}, rec.ToolsUsed...)
	if cp.Metadata == nil {
		cp.Metadata = map[string]any{}
	}
	s.records = append(s.records, &cp)
	s.recordIndex[cp.ID] = &cp
	return nil
}

func (s *MemoryStore) SumCostSince(ctx context.Context, callerID string, since time.Time) (float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var total float64
	for _, r := range s.records {
		if r.CallerID == callerID && !r.Timestamp.Before(since) {
			total += r.Cost
		}
	}
	return total, nil
}

func (s *MemoryStore) CreateTag(ctx context.Context, tag *models.Tag) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.callers[tag.CallerID]; !ok {
		return ErrNotFound
	}
	for _, t := range s.tags {
		if t.CallerID == tag.CallerID && t.Name == tag.Name {
			return ErrConflict
		}
	}
	if tag.ID == "" {
		tag.ID = uuid.NewString()
	}
	if tag.CreatedAt.IsZero() {
		tag.CreatedAt = s.now().UTC()
	}
	cp := *tag
	s.tags[cp.ID] = &cp
	return nil
}

func (s *MemoryStore) ListTags(ctx context.Context, callerID string) ([]models.Tag, error) {
	return s.filterTags(callerID, false), nil
}

func (s *MemoryStore) ListAutoTags(ctx context.Context, callerID string) ([]models.Tag, error) {
	return s.filterTags(callerID, true), nil
}

func (s *MemoryStore) filterTags(callerID string, autoOnly bool) []models.Tag {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.Tag
	for _, t := range s.tags {
		if t.CallerID != callerID {
			continue
		}
		if autoOnly && t.AutoPattern == "" {
			continue
		}
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (s *MemoryStore) DeleteTag(ctx context.Context, callerID, tagID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tags[tagID]
	if !ok || t.CallerID != callerID {
		return ErrNotFound
	}
	delete(s.tags, tagID)
	for _, set := range s.links {
		delete(set, tagID)
	}
	return nil
}

func (s *MemoryStore) LinkTag(ctx context.Context, recordID, tagID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.recordIndex[recordID]
	if !ok {
		return false, ErrNotFound
	}
	tag, ok := s.tags[tagID]
	if !ok {
		return false, ErrNotFound
	}
	if tag.CallerID != rec.CallerID {
		return false, ErrTagScope
	}

	set, ok := s.links[recordID]
	if !ok {
		set = make(map[string]struct{})
		s.links[recordID] = set
	}
	if _, exists := set[tagID]; exists {
		return false, nil
	}
	set[tagID] = struct{}{}
	return true, nil
}

func (s *MemoryStore) CreateAlertOnce(ctx context.Context, alert *models.Alert) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := alertKey{
		callerID:  alert.CallerID,
		kind:      alert.Kind,
		threshold: alert.Threshold,
		period:    alert.Period,
	}
	if _, exists := s.alertKeys[key]; exists {
		return false, nil
	}
	if alert.ID == "" {
		alert.ID = uuid.NewString()
	}
	if alert.CreatedAt.IsZero() {
		alert.CreatedAt = s.now().UTC()
	}
	cp := *alert
	s.alerts = append(s.alerts, &cp)
	s.alertKeys[key] = struct{}{}
	return true, nil
}

func (s *MemoryStore) ListAlerts(ctx context.Context, callerID string) ([]models.Alert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.Alert
	for _, a := range s.alerts {
		if a.CallerID == callerID {
			out = append(out, *a)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) AcknowledgeAlert(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, a := range s.alerts {
		if a.ID == id {
			a.Acknowledged = true
			return nil
		}
	}
	return ErrNotFound
}

// inRange reports whether r belongs to callerID and falls in [start, end).
func inRange(r *models.UsageRecord, callerID string, start, end time.Time) bool {
	return r.CallerID == callerID && !r.Timestamp.Before(start) && r.Timestamp.Before(end)
}

func (s *MemoryStore) DailyUsage(ctx context.Context, callerID string, start, end time.Time) ([]DailyBucket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	buckets := make(map[string]*DailyBucket)
	for _, r := range s.records {
		if !inRange(r, callerID, start, end) {
			continue
		}
		key := dayKey(r.Timestamp)
		b, ok := buckets[key]
		if !ok {
			b = &DailyBucket{Date: key}
			buckets[key] = b
		}
		b.TotalTokens += r.TotalTokens
		b.TotalCost += r.Cost
		b.Count++
	}

	out := make([]DailyBucket, 0, len(buckets))
	for _, b := range buckets {
		out = append(out, *b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date < out[j].Date })
	return out, nil
}

func (s *MemoryStore) UsageByModel(ctx context.Context, callerID string, start, end time.Time) ([]GroupTotal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	groups := make(map[string]*GroupTotal)
	for _, r := range s.records {
		if !inRange(r, callerID, start, end) {
			continue
		}
		addToGroup(groups, r.Model, r)
	}
	return sortedGroups(groups), nil
}

func (s *MemoryStore) UsageByTag(ctx context.Context, callerID string, start, end time.Time) ([]GroupTotal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	groups := make(map[string]*GroupTotal)
	for _, r := range s.records {
		if !inRange(r, callerID, start, end) {
			continue
		}
		for tagID := range s.links[r.ID] {
			tag, ok := s.tags[tagID]
			if !ok {
				continue
			}
			addToGroup(groups, tag.Name, r)
		}
	}
	return sortedGroups(groups), nil
}

func (s *MemoryStore) TaggedCost(ctx context.Context, callerID string, start, end time.Time) (float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var total float64
	for _, r := range s.records {
		if !inRange(r, callerID, start, end) {
			continue
		}
		for tagID := range s.links[r.ID] {
			if _, ok := s.tags[tagID]; ok {
				total += r.Cost
				break
			}
		}
	}
	return total, nil
}

func addToGroup(groups map[string]*GroupTotal, key string, r *models.UsageRecord) {
	g, ok := groups[key]
	if !ok {
		g = &GroupTotal{Key: key}
		groups[key] = g
	}
	g.TotalTokens += r.TotalTokens
	g.TotalCost += r.Cost
	g.Count++
}

func sortedGroups(groups map[string]*GroupTotal) []GroupTotal {
	out := make([]GroupTotal, 0, len(groups))
	for _, g := range groups {
		out = append(out, *g)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].TotalCost != out[j].TotalCost {
			return out[i].TotalCost > out[j].TotalCost
		}
		return out[i].Key < out[j].Key
	})
	return out
}

func (s *MemoryStore) UsageTotals(ctx context.Context, callerID string, start, end time.Time) (Totals, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var t Totals
	for _, r := range s.records {
		if !inRange(r, callerID, start, end) {
			continue
		}
		t.TotalTokens += r.TotalTokens
		t.TotalCost += r.Cost
		t.TotalDurationMs += r.DurationMs
		t.Count++
	}
	return t, nil
}

func (s *MemoryStore) ListRecords(ctx context.Context, filter RecordFilter) ([]models.RequestEntry, int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []*models.UsageRecord
	for _, r := range s.records {
		if filter.CallerID != "" && r.CallerID != filter.CallerID {
			continue
		}
		if filter.Start != nil && r.Timestamp.Before(*filter.Start) {
			continue
		}
		if filter.End != nil && !r.Timestamp.Before(*filter.End) {
			continue
		}
		matched = append(matched, r)
	}
	sort.SliceStable(matched, func(i, j int) bool { return matched[i].Timestamp.After(matched[j].Timestamp) })

	total := int64(len(matched))
	if filter.Offset >= len(matched) {
		return []models.RequestEntry{}, total, nil
	}
	matched = matched[filter.Offset:]
	if filter.Limit > 0 && len(matched) > filter.Limit {
		matched = matched[:filter.Limit]
	}

	out := make([]models.RequestEntry, 0, len(matched))
	for _, r := range matched {
		names := []string{}
		for tagID := range s.links[r.ID] {
			if tag, ok := s.tags[tagID]; ok {
				names = append(names, tag.Name)
			}
		}
		sort.Strings(names)
		out = append(out, models.RequestEntry{UsageRecord: *r, Tags: names})
	}
	return out, total, nil
}
