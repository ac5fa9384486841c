// Package pool allocates validated sessions from the registry and
// returns them with their health updated.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"cookiepool/internal/registry"
	"cookiepool/internal/validator"
	errs "cookiepool/pkg/errors"
	"cookiepool/pkg/logger"
	"cookiepool/pkg/models"
)

// ErrPoolExhausted means no session passed allocation this round. The
// caller retries later; the pool never blocks.
var ErrPoolExhausted = errors.New("no valid session available")

// maxReasonLen caps persisted failure reasons.
const maxReasonLen = 200

// Lease is a validated session handed to a job. It carries everything
// the worker needs on the wire, never the live registry record.
type Lease struct {
	SessionID     int64
	Platform      models.Platform
	Username      string
	CookieHeader  string
	CSRFToken     string
	ExpectedCount int
}

// ValidatorFactory resolves the validator for a platform. Injected so
// tests can substitute probe behavior.
type ValidatorFactory func(platform models.Platform) validator.Validator

// Manager ties the registry and the validators together.
type Manager struct {
	store      registry.Store
	validators ValidatorFactory
	log        logger.Logger

	accounts keyedMutex
}

// NewManager builds a pool manager over a registry backend.
func NewManager(store registry.Store, validators ValidatorFactory, log logger.Logger) *Manager {
	if log == nil {
		log = logger.GetLogger()
	}
	return &Manager{store: store, validators: validators, log: log}
}

// Allocate picks the least recently used eligible session, validates it
// against the platform, and leases it. A session that fails validation
// is quarantined and the round ends with ErrPoolExhausted: one candidate
// per call keeps allocation latency bounded, and the caller's retry loop
// reaches the next candidate anyway.
func (m *Manager) Allocate(ctx context.Context, platform models.Platform, postURL string) (*Lease, error) {
	sess, err := m.store.Acquire(ctx, platform)
	if err != nil {
		if errors.Is(err, registry.ErrNoneAvailable) {
			return nil, ErrPoolExhausted
		}
		return nil, fmt.Errorf("acquire session: %w", err)
	}

	res, err := m.validators(platform).Validate(ctx, sess, postURL)
	if err != nil {
		// The probe itself broke, not the session. Free it unpenalized.
		if relErr := m.store.Release(ctx, sess.ID, true, ""); relErr != nil {
			m.log.WithError(relErr).Error("failed to free session after probe error")
		}
		return nil, fmt.Errorf("validate session %d: %w", sess.ID, err)
	}

	if !res.Valid {
		reason := errs.Truncate(fmt.Sprintf("cookie validation failed: %s", res.Reason), maxReasonLen)
		if err := m.store.MarkInvalid(ctx, sess.ID, reason); err != nil {
			m.log.WithError(err).Error("failed to quarantine invalid session")
		}
		m.log.WarnWithFields("session failed validation", map[string]interface{}{
			"session_id": sess.ID,
			"username":   sess.Username,
			"platform":   string(platform),
			"reason":     string(res.Reason),
		})
		return nil, ErrPoolExhausted
	}

	if err := m.store.MarkValidated(ctx, sess.ID); err != nil {
		m.log.WithError(err).Warn("failed to stamp validation time")
	}

	m.log.InfoWithFields("session allocated", map[string]interface{}{
		"session_id":     sess.ID,
		"username":       sess.Username,
		"platform":       string(platform),
		"expected_count": res.ExpectedCount,
	})

	return &Lease{
		SessionID:     sess.ID,
		Platform:      platform,
		Username:      sess.Username,
		CookieHeader:  sess.SessionData.CookieHeader(),
		CSRFToken:     sess.SessionData.CSRFToken(),
		ExpectedCount: res.ExpectedCount,
	}, nil
}

// Release returns a session to the pool, recording the outcome. The
// reason is truncated before it is persisted.
func (m *Manager) Release(ctx context.Context, id int64, success bool, reason string) error {
	return m.store.Release(ctx, id, success, errs.Truncate(reason, maxReasonLen))
}

// Info returns the current registry record for a session.
func (m *Manager) Info(ctx context.Context, id int64) (*registry.Session, error) {
	return m.store.Get(ctx, id)
}

// UpdateSessionData replaces an account's stored blob. Serialized per
// account so concurrent refreshes of the same record cannot interleave.
func (m *Manager) UpdateSessionData(ctx context.Context, platform models.Platform, username string, data registry.Pairs) error {
	unlock := m.accounts.lock(string(platform) + "/" + username)
	defer unlock()

	return m.store.UpdateSessionData(ctx, platform, username, data)
}

// keyedMutex hands out one mutex per key.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*sync.Mutex)
	}
	l, ok := k.locks[key]
	if !ok {
		l = &sync.Mutex{}
		k.locks[key] = l
	}
	k.mu.Unlock()

	l.Lock()
	return l.Unlock
}
