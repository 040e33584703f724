// Package memstore provides an in-memory implementation of alerting.Store.
package memstore

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/linnemanlabs/warden/internal/alerting"
)

// Store holds alerts, suppression rules and snoozes in memory. It is only
// correct for a single process. Suitable for dev/testing.
type Store struct {
	mu      sync.RWMutex
	alerts  map[string]*alerting.Alert // alert ID -> alert
	open    map[string]string          // dedup key -> ID of the open alert
	rules   map[string]*alerting.SuppressionRule
	snoozes map[string]*alerting.Snooze
}

// New initializes a new in-memory Store.
func New() *Store {
	return &Store{
		alerts:  make(map[string]*alerting.Alert),
		open:    make(map[string]string),
		rules:   make(map[string]*alerting.SuppressionRule),
		snoozes: make(map[string]*alerting.Snooze),
	}
}

// Get retrieves an alert by its ID. Returns a copy.
func (s *Store) Get(_ context.Context, id string) (*alerting.Alert, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	al, ok := s.alerts[id]
	if !ok {
		return nil, false, nil
	}
	return al.Clone(), true, nil
}

// GetOpenByDedupKey retrieves the open alert owning key. Returns a copy.
func (s *Store) GetOpenByDedupKey(_ context.Context, key string) (*alerting.Alert, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.open[key]
	if !ok {
		return nil, false, nil
	}
	return s.alerts[id].Clone(), true, nil
}

// Insert stores a new alert at version 1.
func (s *Store) Insert(_ context.Context, al *alerting.Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.alerts[al.ID]; ok {
		return fmt.Errorf("alert %s exists: %w", al.ID, alerting.ErrConcurrencyConflict)
	}
	if al.Status.IsOpen() {
		if _, ok := s.open[al.DedupKey]; ok {
			return fmt.Errorf("dedup key %s already open: %w", al.DedupKey, alerting.ErrConcurrencyConflict)
		}
		s.open[al.DedupKey] = al.ID
	}
	al.Version = 1
	s.alerts[al.ID] = al.Clone()
	return nil
}

// Update replaces an alert if al.Version matches the stored version, then
// advances al.Version.
func (s *Store) Update(_ context.Context, al *alerting.Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.alerts[al.ID]
	if !ok {
		return fmt.Errorf("alert %s: %w", al.ID, alerting.ErrNotFound)
	}
	if cur.Version != al.Version {
		return fmt.Errorf("alert %s version %d, have %d: %w", al.ID, cur.Version, al.Version, alerting.ErrConcurrencyConflict)
	}
	owner, owned := s.open[al.DedupKey]
	switch {
	case al.Status.IsOpen() && owned && owner != al.ID:
		return fmt.Errorf("dedup key %s already open: %w", al.DedupKey, alerting.ErrConcurrencyConflict)
	case al.Status.IsOpen():
		s.open[al.DedupKey] = al.ID
	case owned && owner == al.ID:
		delete(s.open, al.DedupKey)
	}
	al.Version++
	s.alerts[al.ID] = al.Clone()
	return nil
}

// List returns copies of matching alerts, newest first.
func (s *Store) List(_ context.Context, f alerting.AlertFilter) ([]*alerting.Alert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*alerting.Alert
	for _, al := range s.alerts {
		if matches(al, f) {
			out = append(out, al.Clone())
		}
	}
	slices.SortFunc(out, func(a, b *alerting.Alert) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(b.ID, a.ID)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func matches(al *alerting.Alert, f alerting.AlertFilter) bool {
	if len(f.Statuses) > 0 && !slices.Contains(f.Statuses, al.Status) {
		return false
	}
	if f.PropertyID != 0 && al.PropertyID != f.PropertyID {
		return false
	}
	if f.AlertType != "" && al.AlertType != f.AlertType {
		return false
	}
	if !f.CreatedFrom.IsZero() && al.CreatedAt.Before(f.CreatedFrom) {
		return false
	}
	if !f.CreatedTo.IsZero() && !al.CreatedAt.Before(f.CreatedTo) {
		return false
	}
	return true
}

// CountSimilar counts alerts of alertType for a property created at or after since.
func (s *Store) CountSimilar(_ context.Context, propertyID int64, alertType string, since time.Time) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n int
	for _, al := range s.alerts {
		if al.PropertyID == propertyID && al.AlertType == alertType && !al.CreatedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

// FindCorrelated returns the oldest open alert for the property and period
// created at or after since.
func (s *Store) FindCorrelated(_ context.Context, propertyID int64, periodID *int64, since time.Time) (*alerting.Alert, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var best *alerting.Alert
	for _, al := range s.alerts {
		if al.PropertyID != propertyID || !al.Status.IsOpen() || al.CreatedAt.Before(since) || !samePeriod(al.PeriodID, periodID) {
			continue
		}
		if best == nil || al.CreatedAt.Before(best.CreatedAt) {
			best = al
		}
	}
	if best == nil {
		return nil, false, nil
	}
	return best.Clone(), true, nil
}

func samePeriod(a, b *int64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

// ListExpiredHolds returns held alerts whose hold ended at or before now.
func (s *Store) ListExpiredHolds(_ context.Context, now time.Time) ([]*alerting.Alert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*alerting.Alert
	for _, al := range s.alerts {
		if al.Status.IsHeld() && al.HeldUntil != nil && !al.HeldUntil.After(now) {
			out = append(out, al.Clone())
		}
	}
	slices.SortFunc(out, func(a, b *alerting.Alert) int { return a.HeldUntil.Compare(*b.HeldUntil) })
	return out, nil
}

// PutSuppressionRule stores a copy of r.
func (s *Store) PutSuppressionRule(_ context.Context, r *alerting.SuppressionRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *r
	s.rules[r.ID] = &cp
	return nil
}

// ListSuppressionRules returns rules active at activeAt, oldest first. A zero
// activeAt returns every rule.
func (s *Store) ListSuppressionRules(_ context.Context, activeAt time.Time) ([]*alerting.SuppressionRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*alerting.SuppressionRule
	for _, r := range s.rules {
		if activeAt.IsZero() || r.ActiveAt(activeAt) {
			cp := *r
			out = append(out, &cp)
		}
	}
	slices.SortFunc(out, func(a, b *alerting.SuppressionRule) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return out, nil
}

// PutSnooze stores a copy of sn.
func (s *Store) PutSnooze(_ context.Context, sn *alerting.Snooze) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *sn
	s.snoozes[sn.ID] = &cp
	return nil
}

// Snoozes returns the recorded snoozes for an alert.
func (s *Store) Snoozes(alertID string) []*alerting.Snooze {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*alerting.Snooze
	for _, sn := range s.snoozes {
		if sn.AlertID == alertID {
			cp := *sn
			out = append(out, &cp)
		}
	}
	return out
}
