package token

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
)

// ErrPoolExhausted is returned when no eligible token survives filtering.
// Callers should surface it as a capacity condition, not retry forever.
var ErrPoolExhausted = errors.New("no available token in pool")

// ErrAdmissionRejected is returned when a token's concurrency ceiling is
// reached. It is a capacity signal and is never recorded as a token error.
var ErrAdmissionRejected = errors.New("concurrency limit reached")

// Access tokens are treated invalid this long before their stored expiry
const refreshSkew = 5 * time.Minute

// FlowAuth is the slice of the upstream client the health engine needs
type FlowAuth interface {
	// ExchangeSession trades the long-lived session credential for a
	// short-lived access credential plus account info.
	ExchangeSession(ctx context.Context, sessionToken string) (accessToken string, expires time.Time, email string, err error)
	// CreateProject creates an upstream project and returns its ID.
	CreateProject(ctx context.Context, sessionToken, title string) (string, error)
	// GetCredits reports the account balance and tier.
	GetCredits(ctx context.Context, accessToken string) (credits int64, tier string, err error)
}

// SessionRenewer, when configured, can mint a fresh session credential
// for a token whose current one no longer exchanges.
type SessionRenewer interface {
	RenewSession(ctx context.Context, tokenID int64) (sessionToken string, err error)
}

// Manager owns token availability: credential refresh, error counting,
// threshold auto-disable and the immediate rate-limit ban.
type Manager struct {
	storage      *Storage
	auth         FlowAuth
	renewer      SessionRenewer // optional
	banThreshold int64
}

// NewManager creates a health engine over the registry
func NewManager(storage *Storage, auth FlowAuth, banThreshold int) *Manager {
	if banThreshold <= 0 {
		banThreshold = 3
	}
	return &Manager{
		storage:      storage,
		auth:         auth,
		banThreshold: int64(banThreshold),
	}
}

// SetRenewer installs an optional session-renewal collaborator
func (m *Manager) SetRenewer(r SessionRenewer) {
	m.renewer = r
}

// Storage returns the underlying registry
func (m *Manager) Storage() *Storage {
	return m.storage
}

// IsAccessTokenValid reports whether the token's access credential is
// usable, refreshing it from the session credential when expired or
// absent. The refreshed credential is persisted; callers must re-fetch
// the token afterwards.
func (m *Manager) IsAccessTokenValid(ctx context.Context, tokenID int64) bool {
	t, err := m.storage.GetToken(tokenID)
	if err != nil {
		log.Printf("[TOKEN] lookup failed for %d: %v", tokenID, err)
		return false
	}

	if t.AccessToken != "" && time.Now().Before(t.AccessExpires.Add(-refreshSkew)) {
		return true
	}

	if err := m.refreshAccessToken(ctx, t); err == nil {
		return true
	} else if m.renewer == nil {
		log.Printf("[TOKEN] access refresh failed for %d: %v", tokenID, err)
		return false
	}

	// One renewal attempt, then retry the exchange with the new session
	newST, err := m.renewer.RenewSession(ctx, tokenID)
	if err != nil {
		log.Printf("[TOKEN] session renewal failed for %d: %v", tokenID, err)
		return false
	}
	t.SessionToken = newST
	if _, err := m.storage.UpdateToken(tokenID, TokenInput{
		SessionToken: newST, Name: t.Name, Remark: t.Remark,
	}); err != nil {
		log.Printf("[TOKEN] persisting renewed session for %d: %v", tokenID, err)
		return false
	}
	if err := m.refreshAccessToken(ctx, t); err != nil {
		log.Printf("[TOKEN] access refresh failed after renewal for %d: %v", tokenID, err)
		return false
	}
	return true
}

// RefreshAccessToken forces a fresh session exchange regardless of the
// stored expiry and returns the updated token.
func (m *Manager) RefreshAccessToken(ctx context.Context, tokenID int64) (*Token, error) {
	t, err := m.storage.GetToken(tokenID)
	if err != nil {
		return nil, err
	}
	if err := m.refreshAccessToken(ctx, t); err != nil {
		return nil, err
	}
	return m.storage.GetToken(tokenID)
}

func (m *Manager) refreshAccessToken(ctx context.Context, t *Token) error {
	accessToken, expires, email, err := m.auth.ExchangeSession(ctx, t.SessionToken)
	if err != nil {
		return err
	}
	if err := m.storage.UpdateAccessToken(t.ID, accessToken, expires); err != nil {
		return err
	}
	if email != "" && email != t.Email {
		// Two session credentials for one account fight over project
		// bindings, flag it but keep both registered.
		if existing, lookupErr := m.storage.GetTokenByEmail(email); lookupErr == nil && existing.ID != t.ID {
			log.Printf("[TOKEN] token %d resolves to %s, already registered as token %d", t.ID, email, existing.ID)
		}
		if err := m.storage.UpdateAccountInfo(t.ID, email, t.Credits, t.PaygateTier); err != nil {
			return err
		}
	}
	t.AccessToken = accessToken
	t.AccessExpires = expires
	return nil
}

// RecordSuccess resets the consecutive error count. Lifetime counters
// are untouched.
func (m *Manager) RecordSuccess(tokenID int64) {
	if err := m.storage.ResetConsecutiveErrors(tokenID); err != nil {
		log.Printf("[TOKEN] reset consecutive errors for %d: %v", tokenID, err)
	}
}

// RecordError bumps the error counters and auto-disables the token once
// the consecutive count reaches the configured threshold.
func (m *Manager) RecordError(tokenID int64) {
	consecutive, err := m.storage.IncrementErrorCount(tokenID)
	if err != nil {
		log.Printf("[TOKEN] increment error count for %d: %v", tokenID, err)
		return
	}
	if consecutive >= m.banThreshold {
		log.Printf("[TOKEN] token %d reached %d consecutive errors, disabling", tokenID, consecutive)
		if err := m.storage.SetActive(tokenID, false, "error_threshold"); err != nil {
			log.Printf("[TOKEN] auto-disable %d: %v", tokenID, err)
		}
	}
}

// BanForRateLimit disables the token immediately. A 429 from upstream
// means the account itself is throttled; the threshold does not apply.
func (m *Manager) BanForRateLimit(tokenID int64) {
	log.Printf("[429_BAN] token %d hit upstream rate limit, disabling", tokenID)
	if err := m.storage.SetActive(tokenID, false, BanReasonRateLimit); err != nil {
		log.Printf("[429_BAN] disable %d: %v", tokenID, err)
	}
}

// Enable re-activates a token and clears its consecutive error count
func (m *Manager) Enable(tokenID int64) error {
	if err := m.storage.SetActive(tokenID, true, ""); err != nil {
		return err
	}
	return m.storage.ResetConsecutiveErrors(tokenID)
}

// Disable deactivates a token manually
func (m *Manager) Disable(tokenID int64) error {
	return m.storage.SetActive(tokenID, false, "manual")
}

// EnsureProject returns the token's current upstream project, creating
// and binding one lazily on first use.
func (m *Manager) EnsureProject(ctx context.Context, tokenID int64) (string, error) {
	t, err := m.storage.GetToken(tokenID)
	if err != nil {
		return "", err
	}
	if t.ProjectID != "" {
		return t.ProjectID, nil
	}

	// Reuse an existing binding before creating upstream
	projects, err := m.storage.GetProjectsByToken(tokenID)
	if err == nil && len(projects) > 0 {
		p := projects[0]
		if err := m.storage.SetProjectBinding(tokenID, p.ProjectID, p.Name); err != nil {
			return "", err
		}
		return p.ProjectID, nil
	}

	name := fmt.Sprintf("flow2api-%s", uuid.NewString()[:8])
	projectID, err := m.auth.CreateProject(ctx, t.SessionToken, name)
	if err != nil {
		return "", err
	}

	if _, err := m.storage.CreateProject(Project{
		ProjectID: projectID,
		TokenID:   tokenID,
		Name:      name,
	}); err != nil {
		return "", err
	}
	if err := m.storage.SetProjectBinding(tokenID, projectID, name); err != nil {
		return "", err
	}
	log.Printf("[TOKEN] created project %s for token %d", projectID, tokenID)
	return projectID, nil
}

// RecordUsage bumps usage counters after a successful generation
func (m *Manager) RecordUsage(tokenID int64, media MediaType) {
	if err := m.storage.UpdateLastUsed(tokenID); err != nil {
		log.Printf("[TOKEN] update last used for %d: %v", tokenID, err)
	}
	var err error
	if media == MediaVideo {
		err = m.storage.IncrementVideoCount(tokenID)
	} else {
		err = m.storage.IncrementImageCount(tokenID)
	}
	if err != nil {
		log.Printf("[TOKEN] increment usage for %d: %v", tokenID, err)
	}
}

// RefreshCredits polls the upstream balance for a token
func (m *Manager) RefreshCredits(ctx context.Context, tokenID int64) error {
	if !m.IsAccessTokenValid(ctx, tokenID) {
		return fmt.Errorf("token %d: access credential unavailable", tokenID)
	}
	t, err := m.storage.GetToken(tokenID)
	if err != nil {
		return err
	}
	credits, tier, err := m.auth.GetCredits(ctx, t.AccessToken)
	if err != nil {
		return err
	}
	return m.storage.UpdateAccountInfo(tokenID, t.Email, credits, tier)
}
