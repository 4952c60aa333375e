// Package memstore keeps licenses and device bindings in process memory.
// It backs the "memory" storage driver and the engine tests.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/technosupport/ts-license/internal/license"
)

type bindingKey struct {
	licenseKey string
	hardwareID string
}

// Store implements license.LicenseStore and license.BindingLedger.
// Values are copied in and out so callers never share memory with the store.
type Store struct {
	mu       sync.RWMutex
	nextID   int64
	licenses map[string]*license.License
	bindings map[bindingKey]*license.Binding
	renewals map[string][]*license.RenewalEntry

	// Fail, when set, is returned by every call. Used to simulate outages.
	Fail error
}

func New() *Store {
	return &Store{
		licenses: make(map[string]*license.License),
		bindings: make(map[bindingKey]*license.Binding),
		renewals: make(map[string][]*license.RenewalEntry),
	}
}

func (s *Store) failure(op string) error {
	if s.Fail != nil {
		return license.Transient(op, s.Fail)
	}
	return nil
}

func (s *Store) GetByKey(_ context.Context, key string) (*license.License, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.failure("get license"); err != nil {
		return nil, err
	}
	l, ok := s.licenses[key]
	if !ok {
		return nil, license.ErrNotFound
	}
	cp := *l
	return &cp, nil
}

func (s *Store) Create(_ context.Context, l *license.License) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure("create license"); err != nil {
		return err
	}
	if _, ok := s.licenses[l.Key]; ok {
		return license.ErrConflict
	}
	s.nextID++
	l.ID = s.nextID
	cp := *l
	s.licenses[l.Key] = &cp
	return nil
}

func (s *Store) Save(_ context.Context, l *license.License) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure("save license"); err != nil {
		return err
	}
	if _, ok := s.licenses[l.Key]; !ok {
		return license.ErrNotFound
	}
	cp := *l
	s.licenses[l.Key] = &cp
	return nil
}

func (s *Store) SaveRenewal(_ context.Context, l *license.License, entry *license.RenewalEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure("save renewal"); err != nil {
		return err
	}
	if _, ok := s.licenses[l.Key]; !ok {
		return license.ErrNotFound
	}
	cp := *l
	s.licenses[l.Key] = &cp
	e := *entry
	s.renewals[l.Key] = append(s.renewals[l.Key], &e)
	return nil
}

func (s *Store) ListRenewals(_ context.Context, key string) ([]*license.RenewalEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.failure("list renewals"); err != nil {
		return nil, err
	}
	out := make([]*license.RenewalEntry, 0, len(s.renewals[key]))
	for _, e := range s.renewals[key] {
		cp := *e
		out = append(out, &cp)
	}
	return out, nil
}

func (s *Store) List(_ context.Context, f license.ListFilter) ([]*license.License, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.failure("list licenses"); err != nil {
		return nil, err
	}
	all := make([]*license.License, 0, len(s.licenses))
	for _, l := range s.licenses {
		if f.Active != nil && l.Active != *f.Active {
			continue
		}
		cp := *l
		all = append(all, &cp)
	}
	// Newest first, matching the SQL store.
	sort.Slice(all, func(i, j int) bool { return all[i].ID > all[j].ID })

	if f.Offset >= len(all) {
		return []*license.License{}, nil
	}
	all = all[f.Offset:]
	if f.Limit > 0 && f.Limit < len(all) {
		all = all[:f.Limit]
	}
	return all, nil
}

func (s *Store) FindBinding(_ context.Context, licenseKey, hardwareID string) (*license.Binding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.failure("find binding"); err != nil {
		return nil, err
	}
	b, ok := s.bindings[bindingKey{licenseKey, hardwareID}]
	if !ok {
		return nil, license.ErrNotFound
	}
	cp := *b
	return &cp, nil
}

func (s *Store) CountActive(_ context.Context, licenseKey string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.failure("count bindings"); err != nil {
		return 0, err
	}
	n := 0
	for k, b := range s.bindings {
		if k.licenseKey == licenseKey && b.Active {
			n++
		}
	}
	return n, nil
}

func (s *Store) Insert(_ context.Context, b *license.Binding) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure("insert binding"); err != nil {
		return err
	}
	k := bindingKey{b.LicenseKey, b.HardwareID}
	if _, ok := s.bindings[k]; ok {
		return license.ErrConflict
	}
	cp := *b
	s.bindings[k] = &cp
	return nil
}

// Update never moves last seen or the access count backwards, so a stale copy
// cannot erase a concurrent Touch.
func (s *Store) Update(_ context.Context, b *license.Binding) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure("update binding"); err != nil {
		return err
	}
	cur, ok := s.bindings[bindingKey{b.LicenseKey, b.HardwareID}]
	if !ok {
		return license.ErrNotFound
	}
	cur.Active = b.Active
	if b.LastSeenAt.After(cur.LastSeenAt) {
		cur.LastSeenAt = b.LastSeenAt
	}
	if b.AccessCount > cur.AccessCount {
		cur.AccessCount = b.AccessCount
	}
	*b = *cur
	return nil
}

func (s *Store) Touch(_ context.Context, licenseKey, hardwareID string, seenAt time.Time) (*license.Binding, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure("touch binding"); err != nil {
		return nil, err
	}
	b, ok := s.bindings[bindingKey{licenseKey, hardwareID}]
	if !ok || !b.Active {
		return nil, license.ErrNotFound
	}
	b.LastSeenAt = seenAt
	b.AccessCount++
	cp := *b
	return &cp, nil
}

func (s *Store) ListBindings(_ context.Context, licenseKey string) ([]*license.Binding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.failure("list bindings"); err != nil {
		return nil, err
	}
	var out []*license.Binding
	for k, b := range s.bindings {
		if k.licenseKey == licenseKey {
			cp := *b
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FirstSeenAt.Before(out[j].FirstSeenAt) })
	return out, nil
}
