// Package memory provides an in-process implementation of the auth
// collaborators for development and tests. State is lost on restart and not
// shared between instances.
package memory

import (
	"context"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"cargolane.io/internal/auth"
)

type Store struct {
	mu        sync.Mutex
	subjects  map[string]auth.Subject
	passwords map[string]string
	keys      map[string]*auth.APIKeyConfig // by key hash
	grants    map[string]*auth.RefreshGrant
	records   []auth.AccessRecord
	resources map[string]map[string]map[string]any
}

var (
	_ auth.IdentityStore   = (*Store)(nil)
	_ auth.CredentialStore = (*Store)(nil)
	_ auth.UsageCounter    = (*Store)(nil)
	_ auth.RefreshStore    = (*Store)(nil)
	_ auth.AuditSink       = (*Store)(nil)
)

func New() *Store {
	return &Store{
		subjects:  make(map[string]auth.Subject),
		passwords: make(map[string]string),
		keys:      make(map[string]*auth.APIKeyConfig),
		grants:    make(map[string]*auth.RefreshGrant),
		resources: make(map[string]map[string]map[string]any),
	}
}

// PutSubject inserts or replaces a subject. passwordHash may be empty for
// subjects that never log in with a password.
func (s *Store) PutSubject(subject auth.Subject, passwordHash string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	subject.Scopes = slices.Clone(subject.Scopes)
	s.subjects[subject.ID] = subject
	if passwordHash != "" {
		s.passwords[subject.ID] = passwordHash
	}
}

// PutAPIKey registers a key under the fingerprint of raw.
func (s *Store) PutAPIKey(raw string, cfg auth.APIKeyConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg.KeyHash = auth.HashAPIKey(raw)
	cfg.Scopes = slices.Clone(cfg.Scopes)
	cfg.AllowedIPs = slices.Clone(cfg.AllowedIPs)
	s.keys[cfg.KeyHash] = &cfg
}

func (s *Store) FindSubject(_ context.Context, id string) (*auth.Subject, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	subject, ok := s.subjects[id]
	if !ok {
		return nil, auth.ErrRecordNotFound
	}
	subject.Scopes = slices.Clone(subject.Scopes)
	return &subject, nil
}

func (s *Store) FindCredentials(_ context.Context, email string) (*auth.Subject, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	email = strings.ToLower(strings.TrimSpace(email))
	for id, subject := range s.subjects {
		if strings.ToLower(subject.Email) != email {
			continue
		}
		hash, ok := s.passwords[id]
		if !ok {
			return nil, "", auth.ErrRecordNotFound
		}
		subject.Scopes = slices.Clone(subject.Scopes)
		return &subject, hash, nil
	}
	return nil, "", auth.ErrRecordNotFound
}

func (s *Store) FindAPIKey(_ context.Context, keyHash string) (*auth.APIKeyConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg, ok := s.keys[keyHash]
	if !ok {
		return nil, auth.ErrRecordNotFound
	}
	cp := *cfg
	cp.Scopes = slices.Clone(cfg.Scopes)
	cp.AllowedIPs = slices.Clone(cfg.AllowedIPs)
	return &cp, nil
}

// IncrementUsage applies the window reset and the bounded increment under the
// store lock.
func (s *Store) IncrementUsage(_ context.Context, keyID string, limit int64, window time.Duration, now time.Time) (auth.UsageResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var cfg *auth.APIKeyConfig
	for _, candidate := range s.keys {
		if candidate.ID == keyID {
			cfg = candidate
			break
		}
	}
	if cfg == nil {
		return auth.UsageResult{}, auth.ErrRecordNotFound
	}
	if cfg.WindowStart.IsZero() || !now.Before(cfg.WindowStart.Add(window)) {
		cfg.WindowStart = now
		cfg.UsageCount = 0
	}
	if cfg.UsageCount >= limit {
		return auth.UsageResult{Allowed: false, Count: cfg.UsageCount, WindowStart: cfg.WindowStart}, nil
	}
	cfg.UsageCount++
	used := now
	cfg.LastUsedAt = &used
	return auth.UsageResult{Allowed: true, Count: cfg.UsageCount, WindowStart: cfg.WindowStart}, nil
}

func (s *Store) CreateGrant(_ context.Context, grant auth.RefreshGrant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.grants[grant.ID]; exists {
		return auth.ErrConflict
	}
	s.grants[grant.ID] = &grant
	return nil
}

func (s *Store) ConsumeGrant(_ context.Context, id string, now time.Time) (*auth.RefreshGrant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	grant, ok := s.grants[id]
	if !ok || grant.RevokedAt != nil || !now.Before(grant.ExpiresAt) {
		return nil, auth.ErrRecordNotFound
	}
	revoked := now
	grant.RevokedAt = &revoked
	cp := *grant
	return &cp, nil
}

func (s *Store) RevokeGrant(_ context.Context, id string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	grant, ok := s.grants[id]
	if !ok {
		return auth.ErrRecordNotFound
	}
	if grant.RevokedAt == nil {
		revoked := now
		grant.RevokedAt = &revoked
	}
	return nil
}

func (s *Store) RevokeSubject(_ context.Context, subjectID string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, grant := range s.grants {
		if grant.SubjectID == subjectID && grant.RevokedAt == nil {
			revoked := now
			grant.RevokedAt = &revoked
		}
	}
	return nil
}

// Append records an access record.
func (s *Store) Append(_ context.Context, rec auth.AccessRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, rec)
	return nil
}

// Records returns a copy of the appended access records.
func (s *Store) Records() []auth.AccessRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.records)
}

// PutResource stores an owned resource for Accessor.
func (s *Store) PutResource(resourceType, id string, record map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	byID, ok := s.resources[resourceType]
	if !ok {
		byID = make(map[string]map[string]any)
		s.resources[resourceType] = byID
	}
	byID[id] = maps.Clone(record)
}

// Accessor returns a resource accessor over resources of resourceType.
func (s *Store) Accessor(resourceType string) auth.ResourceAccessor {
	return func(_ context.Context, id string) (map[string]any, error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		record, ok := s.resources[resourceType][id]
		if !ok {
			return nil, auth.ErrRecordNotFound
		}
		return maps.Clone(record), nil
	}
}
