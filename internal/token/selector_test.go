package token

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSelector(t *testing.T) (*Selector, *Storage, *AdmissionController) {
	t.Helper()
	m, s := newTestManager(t, &fakeAuth{accessToken: "at-ok"})
	admission := NewAdmissionController()
	return NewSelector(m, admission), s, admission
}

func TestSelectEmptyPool(t *testing.T) {
	sel, _, _ := newTestSelector(t)

	_, err := sel.Select(context.Background(), MediaImage)
	assert.ErrorIs(t, err, ErrPoolExhausted)
}

func TestSelectSkipsDisabledFeature(t *testing.T) {
	sel, s, _ := newTestSelector(t)

	_, err := s.CreateToken(TokenInput{SessionToken: "st-novideo", VideoEnabled: boolPtr(false)})
	require.NoError(t, err)
	withVideo, err := s.CreateToken(TokenInput{SessionToken: "st-video"})
	require.NoError(t, err)

	picked, err := sel.Select(context.Background(), MediaVideo)
	require.NoError(t, err)
	assert.Equal(t, withVideo.ID, picked.ID)
}

func TestSelectSkipsInactive(t *testing.T) {
	sel, s, _ := newTestSelector(t)

	banned, err := s.CreateToken(TokenInput{SessionToken: "st-banned"})
	require.NoError(t, err)
	require.NoError(t, s.SetActive(banned.ID, false, BanReasonRateLimit))

	_, err = sel.Select(context.Background(), MediaImage)
	assert.ErrorIs(t, err, ErrPoolExhausted)
}

func TestSelectSkipsSaturatedToken(t *testing.T) {
	sel, s, admission := newTestSelector(t)

	limited, err := s.CreateToken(TokenInput{SessionToken: "st-limited", VideoConcurrency: intPtr(1)})
	require.NoError(t, err)
	spare, err := s.CreateToken(TokenInput{SessionToken: "st-spare"})
	require.NoError(t, err)

	require.True(t, admission.Acquire(limited.ID, MediaVideo, 1))

	picked, err := sel.Select(context.Background(), MediaVideo)
	require.NoError(t, err)
	assert.Equal(t, spare.ID, picked.ID)
}

func TestSelectPrefersLongestIdle(t *testing.T) {
	sel, s, _ := newTestSelector(t)

	busy, err := s.CreateToken(TokenInput{SessionToken: "st-busy"})
	require.NoError(t, err)
	idle, err := s.CreateToken(TokenInput{SessionToken: "st-idle"})
	require.NoError(t, err)
	require.NoError(t, s.UpdateLastUsed(busy.ID))

	picked, err := sel.Select(context.Background(), MediaImage)
	require.NoError(t, err)
	assert.Equal(t, idle.ID, picked.ID)
}

func TestSelectReturnsRefreshedCredential(t *testing.T) {
	sel, s, _ := newTestSelector(t)

	tok, err := s.CreateToken(TokenInput{SessionToken: "st-1"})
	require.NoError(t, err)

	picked, err := sel.Select(context.Background(), MediaImage)
	require.NoError(t, err)
	assert.Equal(t, tok.ID, picked.ID)
	// The selector re-fetches after the validity check refreshed it
	assert.Equal(t, "at-ok", picked.AccessToken)
}

func TestSelectSkipsInvalidCredential(t *testing.T) {
	m, s := newTestManager(t, &fakeAuth{exchangeErr: errors.New("session expired")})
	sel := NewSelector(m, NewAdmissionController())

	_, err := s.CreateToken(TokenInput{SessionToken: "st-dead"})
	require.NoError(t, err)

	_, err = sel.Select(context.Background(), MediaImage)
	assert.ErrorIs(t, err, ErrPoolExhausted)
}
