package token

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAuth struct {
	accessToken   string
	email         string
	exchangeErr   error
	exchangeCalls int
	projectID     string
	createErr     error
	credits       int64
	tier          string
	creditsErr    error
}

func (f *fakeAuth) ExchangeSession(ctx context.Context, sessionToken string) (string, time.Time, string, error) {
	f.exchangeCalls++
	if f.exchangeErr != nil {
		return "", time.Time{}, "", f.exchangeErr
	}
	return f.accessToken, time.Now().Add(time.Hour), f.email, nil
}

func (f *fakeAuth) CreateProject(ctx context.Context, sessionToken, title string) (string, error) {
	if f.createErr != nil {
		return "", f.createErr
	}
	return f.projectID, nil
}

func (f *fakeAuth) GetCredits(ctx context.Context, accessToken string) (int64, string, error) {
	if f.creditsErr != nil {
		return 0, "", f.creditsErr
	}
	return f.credits, f.tier, nil
}

func newTestManager(t *testing.T, auth *fakeAuth) (*Manager, *Storage) {
	t.Helper()
	s := newTestStorage(t)
	return NewManager(s, auth, 3), s
}

func TestIsAccessTokenValidRefreshesExpired(t *testing.T) {
	auth := &fakeAuth{accessToken: "at-new", email: "a@example.com"}
	m, s := newTestManager(t, auth)

	tok, err := s.CreateToken(TokenInput{SessionToken: "st-1"})
	require.NoError(t, err)

	assert.True(t, m.IsAccessTokenValid(context.Background(), tok.ID))
	assert.Equal(t, 1, auth.exchangeCalls)

	refreshed, err := s.GetToken(tok.ID)
	require.NoError(t, err)
	assert.Equal(t, "at-new", refreshed.AccessToken)
	assert.Equal(t, "a@example.com", refreshed.Email)

	// A second check inside the validity window skips the exchange
	assert.True(t, m.IsAccessTokenValid(context.Background(), tok.ID))
	assert.Equal(t, 1, auth.exchangeCalls)
}

func TestIsAccessTokenValidRefreshFailure(t *testing.T) {
	auth := &fakeAuth{exchangeErr: errors.New("session expired")}
	m, s := newTestManager(t, auth)

	tok, err := s.CreateToken(TokenInput{SessionToken: "st-1"})
	require.NoError(t, err)

	assert.False(t, m.IsAccessTokenValid(context.Background(), tok.ID))

	// A failed refresh never disables the token by itself
	fresh, err := s.GetToken(tok.ID)
	require.NoError(t, err)
	assert.True(t, fresh.IsActive)
}

type fakeRenewer struct {
	newSession string
	err        error
	calls      int
}

func (f *fakeRenewer) RenewSession(ctx context.Context, tokenID int64) (string, error) {
	f.calls++
	return f.newSession, f.err
}

func TestRenewerRetriesExchange(t *testing.T) {
	m, s := newTestManager(t, &fakeAuth{})
	renewer := &fakeRenewer{newSession: "st-renewed"}
	m.SetRenewer(renewer)

	tok, err := s.CreateToken(TokenInput{SessionToken: "st-old"})
	require.NoError(t, err)

	// First exchange fails, renewal provides a session, second exchange succeeds
	first := true
	m.auth = authFunc(func(ctx context.Context, st string) (string, time.Time, string, error) {
		if first {
			first = false
			return "", time.Time{}, "", errors.New("session expired")
		}
		return "at-after-renewal", time.Now().Add(time.Hour), "", nil
	})

	assert.True(t, m.IsAccessTokenValid(context.Background(), tok.ID))
	assert.Equal(t, 1, renewer.calls)

	fresh, err := s.GetToken(tok.ID)
	require.NoError(t, err)
	assert.Equal(t, "st-renewed", fresh.SessionToken)
	assert.Equal(t, "at-after-renewal", fresh.AccessToken)
}

// authFunc adapts a function to the exchange part of FlowAuth
type authFunc func(ctx context.Context, sessionToken string) (string, time.Time, string, error)

func (f authFunc) ExchangeSession(ctx context.Context, st string) (string, time.Time, string, error) {
	return f(ctx, st)
}
func (f authFunc) CreateProject(ctx context.Context, st, title string) (string, error) {
	return "", errors.New("not implemented")
}
func (f authFunc) GetCredits(ctx context.Context, at string) (int64, string, error) {
	return 0, "", errors.New("not implemented")
}

func TestRecordErrorDisablesAtThreshold(t *testing.T) {
	m, s := newTestManager(t, &fakeAuth{})

	tok, err := s.CreateToken(TokenInput{SessionToken: "st-1"})
	require.NoError(t, err)

	m.RecordError(tok.ID)
	m.RecordError(tok.ID)
	fresh, _ := s.GetToken(tok.ID)
	assert.True(t, fresh.IsActive)

	m.RecordError(tok.ID)
	fresh, _ = s.GetToken(tok.ID)
	assert.False(t, fresh.IsActive)
	assert.Equal(t, "error_threshold", fresh.BanReason)
}

func TestRecordSuccessBreaksErrorStreak(t *testing.T) {
	m, s := newTestManager(t, &fakeAuth{})

	tok, err := s.CreateToken(TokenInput{SessionToken: "st-1"})
	require.NoError(t, err)

	m.RecordError(tok.ID)
	m.RecordError(tok.ID)
	m.RecordSuccess(tok.ID)
	m.RecordError(tok.ID)
	m.RecordError(tok.ID)

	// The streak restarted after the success, never reached 3
	fresh, _ := s.GetToken(tok.ID)
	assert.True(t, fresh.IsActive)

	stats, err := s.GetStats(tok.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.ConsecutiveErrorCount)
	assert.Equal(t, int64(4), stats.ErrorCount)
}

func TestBanForRateLimitIsImmediate(t *testing.T) {
	m, s := newTestManager(t, &fakeAuth{})

	tok, err := s.CreateToken(TokenInput{SessionToken: "st-1"})
	require.NoError(t, err)

	m.BanForRateLimit(tok.ID)

	fresh, _ := s.GetToken(tok.ID)
	assert.False(t, fresh.IsActive)
	assert.Equal(t, BanReasonRateLimit, fresh.BanReason)
}

func TestEnableClearsBanAndStreak(t *testing.T) {
	m, s := newTestManager(t, &fakeAuth{})

	tok, err := s.CreateToken(TokenInput{SessionToken: "st-1"})
	require.NoError(t, err)

	m.RecordError(tok.ID)
	m.BanForRateLimit(tok.ID)
	require.NoError(t, m.Enable(tok.ID))

	fresh, _ := s.GetToken(tok.ID)
	assert.True(t, fresh.IsActive)
	assert.Empty(t, fresh.BanReason)

	stats, _ := s.GetStats(tok.ID)
	assert.Zero(t, stats.ConsecutiveErrorCount)
}

func TestEnsureProjectCreatesOnce(t *testing.T) {
	auth := &fakeAuth{projectID: "proj-upstream"}
	m, s := newTestManager(t, auth)

	tok, err := s.CreateToken(TokenInput{SessionToken: "st-1"})
	require.NoError(t, err)

	projectID, err := m.EnsureProject(context.Background(), tok.ID)
	require.NoError(t, err)
	assert.Equal(t, "proj-upstream", projectID)

	// Second call reuses the binding without hitting upstream
	auth.createErr = errors.New("should not be called")
	projectID, err = m.EnsureProject(context.Background(), tok.ID)
	require.NoError(t, err)
	assert.Equal(t, "proj-upstream", projectID)
}

func TestEnsureProjectReusesStoredProject(t *testing.T) {
	auth := &fakeAuth{createErr: errors.New("should not be called")}
	m, s := newTestManager(t, auth)

	tok, err := s.CreateToken(TokenInput{SessionToken: "st-1"})
	require.NoError(t, err)
	_, err = s.CreateProject(Project{ProjectID: "proj-existing", TokenID: tok.ID, Name: "old"})
	require.NoError(t, err)

	projectID, err := m.EnsureProject(context.Background(), tok.ID)
	require.NoError(t, err)
	assert.Equal(t, "proj-existing", projectID)
}

func TestRefreshCredits(t *testing.T) {
	auth := &fakeAuth{accessToken: "at-1", credits: 1250, tier: "PAYGATE_TIER_ONE"}
	m, s := newTestManager(t, auth)

	tok, err := s.CreateToken(TokenInput{SessionToken: "st-1"})
	require.NoError(t, err)

	require.NoError(t, m.RefreshCredits(context.Background(), tok.ID))

	fresh, _ := s.GetToken(tok.ID)
	assert.Equal(t, int64(1250), fresh.Credits)
	assert.Equal(t, "PAYGATE_TIER_ONE", fresh.PaygateTier)
}
