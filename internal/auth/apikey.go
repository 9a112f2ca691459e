package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"net/netip"
	"slices"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

const (
	DefaultKeyLimit  int64 = 1000
	DefaultKeyWindow       = time.Hour

	ipPolicyCacheSize = 4096
)

// APIKeyAuthenticator resolves an X-API-Key credential, enforcing expiry,
// the caller IP allow-list and the per-key quota.
type APIKeyAuthenticator struct {
	store         IdentityStore
	counter       UsageCounter
	timeout       time.Duration
	defaultLimit  int64
	defaultWindow time.Duration
	now           func() time.Time
	policies      *lru.Cache[string, []netip.Prefix]
}

// APIKeyOption configures an APIKeyAuthenticator.
type APIKeyOption func(*APIKeyAuthenticator)

// WithDefaultQuota sets the quota applied to keys without their own limit.
func WithDefaultQuota(limit int64, window time.Duration) APIKeyOption {
	return func(a *APIKeyAuthenticator) {
		if limit > 0 {
			a.defaultLimit = limit
		}
		if window > 0 {
			a.defaultWindow = window
		}
	}
}

// WithAPIKeyClock overrides the time source.
func WithAPIKeyClock(fn func() time.Time) APIKeyOption {
	return func(a *APIKeyAuthenticator) {
		if fn != nil {
			a.now = fn
		}
	}
}

// WithAPIKeyTimeout bounds every store call.
func WithAPIKeyTimeout(d time.Duration) APIKeyOption {
	return func(a *APIKeyAuthenticator) {
		if d > 0 {
			a.timeout = d
		}
	}
}

// NewAPIKeyAuthenticator wires the authenticator. counter performs the atomic
// quota update and is usually the same storage backend as store.
func NewAPIKeyAuthenticator(store IdentityStore, counter UsageCounter, opts ...APIKeyOption) (*APIKeyAuthenticator, error) {
	if store == nil || counter == nil {
		return nil, errors.New("api key authenticator requires a store and a usage counter")
	}
	cache, err := lru.New[string, []netip.Prefix](ipPolicyCacheSize)
	if err != nil {
		return nil, fmt.Errorf("ip policy cache: %w", err)
	}
	a := &APIKeyAuthenticator{
		store:         store,
		counter:       counter,
		timeout:       DefaultCallTimeout,
		defaultLimit:  DefaultKeyLimit,
		defaultWindow: DefaultKeyWindow,
		now:           time.Now,
		policies:      cache,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// APIKeyPrefix marks secrets issued by GenerateAPIKey.
const APIKeyPrefix = "ck_"

// GenerateAPIKey returns a new random secret. Only its HashAPIKey
// fingerprint is ever stored.
func GenerateAPIKey() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate api key: %w", err)
	}
	return APIKeyPrefix + base64.RawURLEncoding.EncodeToString(buf), nil
}

// HashAPIKey returns the fingerprint under which a key is stored.
func HashAPIKey(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// Authenticate validates the key and consumes one unit of its quota. The
// returned subject acts for the key owner with the key's scopes only; a
// deleted or deactivated owner disables all of their keys.
func (a *APIKeyAuthenticator) Authenticate(ctx context.Context, req Request) (*Subject, error) {
	raw := strings.TrimSpace(req.APIKey)
	if raw == "" {
		return nil, ErrMissingCredential
	}

	cfg, err := a.lookup(ctx, HashAPIKey(raw))
	if err != nil {
		return nil, err
	}
	if !cfg.IsActive {
		return nil, ErrAPIKeyInvalid
	}
	now := a.now()
	if cfg.ExpiresAt != nil && !now.Before(*cfg.ExpiresAt) {
		return nil, ErrAPIKeyExpired
	}
	// IP policy and the owner check run before the counter so rejected
	// callers never burn quota.
	if !a.ipAllowed(cfg, req.ClientIP) {
		return nil, ErrIPDenied
	}
	owner, err := loadSubject(ctx, a.store, cfg.OwnerID, a.timeout)
	if err != nil {
		return nil, err
	}

	limit, window := a.quota(cfg)
	callCtx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()
	usage, err := a.counter.IncrementUsage(callCtx, cfg.ID, limit, window, now)
	if err != nil {
		if errors.Is(err, ErrRecordNotFound) {
			return nil, ErrAPIKeyInvalid
		}
		return nil, unavailable("increment api key usage", err)
	}
	if !usage.Allowed {
		return nil, rateLimited(usage.WindowStart.Add(window).Sub(now))
	}

	return &Subject{
		ID:       cfg.OwnerID,
		Kind:     SubjectKindAPIKey,
		IsActive: owner.IsActive,
		Scopes:   slices.Clone(cfg.Scopes),
		APIKeyID: cfg.ID,
	}, nil
}

func (a *APIKeyAuthenticator) lookup(ctx context.Context, hash string) (*APIKeyConfig, error) {
	callCtx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()
	cfg, err := a.store.FindAPIKey(callCtx, hash)
	if err != nil {
		if errors.Is(err, ErrRecordNotFound) {
			return nil, ErrAPIKeyInvalid
		}
		return nil, unavailable("load api key", err)
	}
	if cfg == nil {
		return nil, ErrAPIKeyInvalid
	}
	return cfg, nil
}

func (a *APIKeyAuthenticator) quota(cfg *APIKeyConfig) (int64, time.Duration) {
	limit, window := cfg.RateLimit, cfg.Window
	if limit <= 0 {
		limit = a.defaultLimit
	}
	if window <= 0 {
		window = a.defaultWindow
	}
	return limit, window
}

// ipAllowed permits any caller when the key has no allow-list. Entries are
// exact addresses or CIDR prefixes; unparsable entries match nothing.
func (a *APIKeyAuthenticator) ipAllowed(cfg *APIKeyConfig, clientIP string) bool {
	if len(cfg.AllowedIPs) == 0 {
		return true
	}
	addr, err := netip.ParseAddr(strings.TrimSpace(clientIP))
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, prefix := range a.policy(cfg) {
		if prefix.Contains(addr) {
			return true
		}
	}
	return false
}

func (a *APIKeyAuthenticator) policy(cfg *APIKeyConfig) []netip.Prefix {
	cacheKey := cfg.ID + "|" + strings.Join(cfg.AllowedIPs, ",")
	if prefixes, ok := a.policies.Get(cacheKey); ok {
		return prefixes
	}
	prefixes := ParseAllowList(cfg.AllowedIPs)
	a.policies.Add(cacheKey, prefixes)
	return prefixes
}

// ParseAllowList converts exact addresses and CIDRs into prefixes, skipping
// entries that do not parse.
func ParseAllowList(entries []string) []netip.Prefix {
	out := make([]netip.Prefix, 0, len(entries))
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if strings.Contains(entry, "/") {
			prefix, err := netip.ParsePrefix(entry)
			if err != nil {
				continue
			}
			if prefix.Addr().Is4In6() && prefix.Bits() >= 96 {
				prefix = netip.PrefixFrom(prefix.Addr().Unmap(), prefix.Bits()-96)
			}
			out = append(out, prefix.Masked())
			continue
		}
		addr, err := netip.ParseAddr(entry)
		if err != nil {
			continue
		}
		addr = addr.Unmap()
		out = append(out, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return out
}
