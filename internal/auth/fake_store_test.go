package auth

import (
	"context"
	"errors"
	"sync"
	"time"
)

const testSecret = "0123456789abcdef0123456789abcdef-test"

type fakeStore struct {
	mu       sync.Mutex
	subjects map[string]*Subject
	hashes   map[string]string
	keys     map[string]*APIKeyConfig
	grants   map[string]*RefreshGrant
	failWith error
	hang     string // method that blocks until its context ends
	calls    int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		subjects: map[string]*Subject{},
		hashes:   map[string]string{},
		keys:     map[string]*APIKeyConfig{},
		grants:   map[string]*RefreshGrant{},
	}
}

func (f *fakeStore) putSubject(s Subject) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subjects[s.ID] = &s
}

func (f *fakeStore) putKey(raw string, cfg APIKeyConfig) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cfg.KeyHash = HashAPIKey(raw)
	f.keys[cfg.KeyHash] = &cfg
}

func (f *fakeStore) usage(raw string) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.keys[HashAPIKey(raw)].UsageCount
}

// stall blocks method until ctx ends when the store is set to hang on it.
func (f *fakeStore) stall(ctx context.Context, method string) error {
	f.mu.Lock()
	hang := f.hang == method
	f.mu.Unlock()
	if !hang {
		return nil
	}
	<-ctx.Done()
	return ctx.Err()
}

func (f *fakeStore) FindSubject(ctx context.Context, id string) (*Subject, error) {
	if err := f.stall(ctx, "FindSubject"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failWith != nil {
		return nil, f.failWith
	}
	s, ok := f.subjects[id]
	if !ok {
		return nil, ErrRecordNotFound
	}
	cp := *s
	return &cp, nil
}

func (f *fakeStore) FindCredentials(_ context.Context, email string) (*Subject, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.subjects {
		if s.Email == email {
			cp := *s
			return &cp, f.hashes[s.ID], nil
		}
	}
	return nil, "", ErrRecordNotFound
}

func (f *fakeStore) FindAPIKey(ctx context.Context, hash string) (*APIKeyConfig, error) {
	if err := f.stall(ctx, "FindAPIKey"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return nil, f.failWith
	}
	cfg, ok := f.keys[hash]
	if !ok {
		return nil, ErrRecordNotFound
	}
	cp := *cfg
	return &cp, nil
}

func (f *fakeStore) IncrementUsage(ctx context.Context, keyID string, limit int64, window time.Duration, now time.Time) (UsageResult, error) {
	if err := f.stall(ctx, "IncrementUsage"); err != nil {
		return UsageResult{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, cfg := range f.keys {
		if cfg.ID != keyID {
			continue
		}
		if cfg.WindowStart.IsZero() || !now.Before(cfg.WindowStart.Add(window)) {
			cfg.WindowStart = now
			cfg.UsageCount = 0
		}
		if cfg.UsageCount >= limit {
			return UsageResult{Allowed: false, Count: cfg.UsageCount, WindowStart: cfg.WindowStart}, nil
		}
		cfg.UsageCount++
		used := now
		cfg.LastUsedAt = &used
		return UsageResult{Allowed: true, Count: cfg.UsageCount, WindowStart: cfg.WindowStart}, nil
	}
	return UsageResult{}, ErrRecordNotFound
}

func (f *fakeStore) CreateGrant(_ context.Context, grant RefreshGrant) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.grants[grant.ID]; ok {
		return ErrConflict
	}
	f.grants[grant.ID] = &grant
	return nil
}

func (f *fakeStore) ConsumeGrant(_ context.Context, id string, now time.Time) (*RefreshGrant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	g, ok := f.grants[id]
	if !ok || g.RevokedAt != nil || !now.Before(g.ExpiresAt) {
		return nil, ErrRecordNotFound
	}
	g.RevokedAt = &now
	cp := *g
	return &cp, nil
}

func (f *fakeStore) RevokeGrant(_ context.Context, id string, now time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	g, ok := f.grants[id]
	if !ok {
		return ErrRecordNotFound
	}
	if g.RevokedAt == nil {
		g.RevokedAt = &now
	}
	return nil
}

func (f *fakeStore) RevokeSubject(_ context.Context, subjectID string, now time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, g := range f.grants {
		if g.SubjectID == subjectID && g.RevokedAt == nil {
			g.RevokedAt = &now
		}
	}
	return nil
}

func (f *fakeStore) activeGrants(subjectID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, g := range f.grants {
		if g.SubjectID == subjectID && g.RevokedAt == nil {
			n++
		}
	}
	return n
}

// testClock is a mutable time source shared by codec and authenticators.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

var errBackendDown = errors.New("connection refused")

type recordingAuditor struct {
	mu      sync.Mutex
	records []AccessRecord
}

func (r *recordingAuditor) Append(rec AccessRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, rec)
}

type failingCounter struct{}

func (failingCounter) IncrementUsage(context.Context, string, int64, time.Duration, time.Time) (UsageResult, error) {
	return UsageResult{}, errBackendDown
}
