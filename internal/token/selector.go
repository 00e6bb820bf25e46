package token

import (
	"context"
	"log"
)

// Selector picks a token for a request. Filtering order: active flag,
// matching feature flag, free admission slot, then credential validity
// (which may trigger a refresh). Survivors are already ordered
// longest-idle-first by the registry query, so the first one wins.
type Selector struct {
	storage   *Storage
	manager   *Manager
	admission *AdmissionController
}

// NewSelector creates a selector over the given health engine
func NewSelector(manager *Manager, admission *AdmissionController) *Selector {
	return &Selector{
		storage:   manager.Storage(),
		manager:   manager,
		admission: admission,
	}
}

// Select returns an eligible token for the media type, or
// ErrPoolExhausted when none survives filtering.
func (s *Selector) Select(ctx context.Context, media MediaType) (*Token, error) {
	candidates, err := s.storage.ListActiveTokens()
	if err != nil {
		return nil, err
	}

	for i := range candidates {
		t := &candidates[i]

		if media == MediaImage && !t.ImageEnabled {
			continue
		}
		if media == MediaVideo && !t.VideoEnabled {
			continue
		}

		limit := t.ImageConcurrency
		if media == MediaVideo {
			limit = t.VideoConcurrency
		}
		if !s.admission.HasSlot(t.ID, media, limit) {
			continue
		}

		// Credential check last: it may hit the network
		if !s.manager.IsAccessTokenValid(ctx, t.ID) {
			continue
		}

		// Re-fetch: the check above may have rotated the credential
		fresh, err := s.storage.GetToken(t.ID)
		if err != nil {
			log.Printf("[SELECT] re-fetch token %d: %v", t.ID, err)
			continue
		}
		return fresh, nil
	}

	return nil, ErrPoolExhausted
}
