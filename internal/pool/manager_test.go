package pool

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cookiepool/internal/registry"
	"cookiepool/internal/validator"
	errs "cookiepool/pkg/errors"
	"cookiepool/pkg/models"
)

// stubValidator scripts validation outcomes keyed by session username.
type stubValidator struct {
	results map[string]*validator.Result
	err     error
}

func (s *stubValidator) Validate(ctx context.Context, sess *registry.Session, postURL string) (*validator.Result, error) {
	if s.err != nil {
		return nil, s.err
	}
	if r, ok := s.results[sess.Username]; ok {
		return r, nil
	}
	return &validator.Result{Valid: true}, nil
}

func factory(v validator.Validator) ValidatorFactory {
	return func(models.Platform) validator.Validator { return v }
}

func seed(m *registry.MemoryStore, username string, lastUsed *time.Time) *registry.Session {
	return m.Add(&registry.Session{
		Platform:      models.PlatformInstagram,
		Username:      username,
		Authenticated: true,
		SessionData: registry.Pairs{
			{Name: "sessionid", Value: "sid-" + username},
			{Name: "csrftoken", Value: `"tok-` + username + `"`},
		},
		LastUsedAt: lastUsed,
	})
}

func TestAllocateLeasesValidatedSession(t *testing.T) {
	store := registry.NewMemoryStore()
	s := seed(store, "acct", nil)

	v := &stubValidator{results: map[string]*validator.Result{
		"acct": {Valid: true, ExpectedCount: 57},
	}}
	mgr := NewManager(store, factory(v), nil)

	lease, err := mgr.Allocate(context.Background(), models.PlatformInstagram, "https://www.instagram.com/p/ABC123DEF/")
	require.NoError(t, err)

	assert.Equal(t, s.ID, lease.SessionID)
	assert.Equal(t, "acct", lease.Username)
	assert.Equal(t, "sessionid=sid-acct; csrftoken=\"tok-acct\"", lease.CookieHeader)
	assert.Equal(t, "tok-acct", lease.CSRFToken, "csrf token unquoted")
	assert.Equal(t, 57, lease.ExpectedCount)

	rec, err := store.Get(context.Background(), s.ID)
	require.NoError(t, err)
	assert.True(t, rec.InUse)
	assert.NotNil(t, rec.LastValidatedAt)
}

func TestAllocateEmptyPool(t *testing.T) {
	mgr := NewManager(registry.NewMemoryStore(), factory(&stubValidator{}), nil)

	_, err := mgr.Allocate(context.Background(), models.PlatformInstagram, "https://www.instagram.com/p/ABC123DEF/")
	assert.ErrorIs(t, err, ErrPoolExhausted)
}

func TestAllocateQuarantinesInvalidSession(t *testing.T) {
	store := registry.NewMemoryStore()
	bad := seed(store, "stale", nil)

	v := &stubValidator{results: map[string]*validator.Result{
		"stale": {Valid: false, Reason: errs.ErrorTypeSessionExpired, Detail: "authentication rejected"},
	}}
	mgr := NewManager(store, factory(v), nil)

	_, err := mgr.Allocate(context.Background(), models.PlatformInstagram, "https://www.instagram.com/p/ABC123DEF/")
	assert.ErrorIs(t, err, ErrPoolExhausted, "one candidate per round")

	rec, err := store.Get(context.Background(), bad.ID)
	require.NoError(t, err)
	assert.False(t, rec.Authenticated)
	assert.False(t, rec.InUse, "quarantined session is not left held")
	assert.Equal(t, 1, rec.ConsecutiveFailures)
	assert.Equal(t, "cookie validation failed: session_expired", rec.FailureReason)
}

func TestAllocateNextRoundReachesHealthySession(t *testing.T) {
	store := registry.NewMemoryStore()
	recent := time.Now()
	seed(store, "stale", nil) // never used, wins the first round
	seed(store, "fresh", &recent)

	v := &stubValidator{results: map[string]*validator.Result{
		"stale": {Valid: false, Reason: errs.ErrorTypeSessionExpired},
	}}
	mgr := NewManager(store, factory(v), nil)
	ctx := context.Background()

	_, err := mgr.Allocate(ctx, models.PlatformInstagram, "https://www.instagram.com/p/ABC123DEF/")
	require.ErrorIs(t, err, ErrPoolExhausted)

	lease, err := mgr.Allocate(ctx, models.PlatformInstagram, "https://www.instagram.com/p/ABC123DEF/")
	require.NoError(t, err)
	assert.Equal(t, "fresh", lease.Username)
}

func TestAllocateProbeErrorFreesSession(t *testing.T) {
	store := registry.NewMemoryStore()
	s := seed(store, "acct", nil)

	mgr := NewManager(store, factory(&stubValidator{err: context.DeadlineExceeded}), nil)

	_, err := mgr.Allocate(context.Background(), models.PlatformInstagram, "https://www.instagram.com/p/ABC123DEF/")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrPoolExhausted)

	rec, err := store.Get(context.Background(), s.ID)
	require.NoError(t, err)
	assert.False(t, rec.InUse)
	assert.True(t, rec.Authenticated, "probe failure does not penalize the session")
	assert.Zero(t, rec.ConsecutiveFailures)
}

func TestReleaseTruncatesReason(t *testing.T) {
	store := registry.NewMemoryStore()
	s := seed(store, "acct", nil)
	mgr := NewManager(store, factory(&stubValidator{}), nil)
	ctx := context.Background()

	long := make([]byte, 1000)
	for i := range long {
		long[i] = 'r'
	}
	require.NoError(t, mgr.Release(ctx, s.ID, false, string(long)))

	rec, err := store.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Len(t, rec.FailureReason, 200)
}

func TestReleaseUnknownSession(t *testing.T) {
	mgr := NewManager(registry.NewMemoryStore(), factory(&stubValidator{}), nil)
	err := mgr.Release(context.Background(), 404, true, "")
	assert.ErrorIs(t, err, registry.ErrNotFound)
}

func TestUpdateSessionData(t *testing.T) {
	store := registry.NewMemoryStore()
	s := seed(store, "acct", nil)
	require.NoError(t, store.MarkInvalid(context.Background(), s.ID, "session_expired"))

	mgr := NewManager(store, factory(&stubValidator{}), nil)
	fresh := registry.Pairs{{Name: "sessionid", Value: "renewed"}}
	require.NoError(t, mgr.UpdateSessionData(context.Background(), models.PlatformInstagram, "acct", fresh))

	rec, err := mgr.Info(context.Background(), s.ID)
	require.NoError(t, err)
	assert.True(t, rec.Authenticated)
	assert.Equal(t, "sessionid=renewed", rec.SessionData.CookieHeader())
}
