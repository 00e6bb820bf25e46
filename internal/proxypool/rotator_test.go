package proxypool

import (
	"path/filepath"
	"testing"

	"flow2api/internal/token"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRotator(t *testing.T) *Rotator {
	t.Helper()
	s, err := token.NewStorage(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return NewRotator(s.DB())
}

func TestNextDefaultsToDirect(t *testing.T) {
	r := newTestRotator(t)

	url, id, err := r.Next()
	require.NoError(t, err)
	assert.Empty(t, url)
	assert.Zero(t, id)
}

func TestNextStaticProxy(t *testing.T) {
	r := newTestRotator(t)

	require.NoError(t, r.ReplaceSettings(Settings{
		ProxyEnabled: true,
		ProxyURL:     "http://127.0.0.1:7890",
	}))

	url, id, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, "http://127.0.0.1:7890", url)
	assert.Zero(t, id)
}

func TestNextRoundRobin(t *testing.T) {
	r := newTestRotator(t)

	require.NoError(t, r.ReplaceSettings(Settings{PoolEnabled: true}))
	_, err := r.Add("http://proxy-1:8080", "p1")
	require.NoError(t, err)
	_, err = r.Add("http://proxy-2:8080", "p2")
	require.NoError(t, err)
	_, err = r.Add("http://proxy-3:8080", "p3")
	require.NoError(t, err)

	var got []string
	for i := 0; i < 4; i++ {
		url, _, err := r.Next()
		require.NoError(t, err)
		got = append(got, url)
	}
	assert.Equal(t, []string{
		"http://proxy-1:8080",
		"http://proxy-2:8080",
		"http://proxy-3:8080",
		"http://proxy-1:8080",
	}, got)
}

func TestNextSkipsDisabledEntries(t *testing.T) {
	r := newTestRotator(t)

	require.NoError(t, r.ReplaceSettings(Settings{PoolEnabled: true}))
	id1, err := r.Add("http://proxy-1:8080", "p1")
	require.NoError(t, err)
	_, err = r.Add("http://proxy-2:8080", "p2")
	require.NoError(t, err)
	require.NoError(t, r.SetEnabled(id1, false))

	for i := 0; i < 3; i++ {
		url, _, err := r.Next()
		require.NoError(t, err)
		assert.Equal(t, "http://proxy-2:8080", url)
	}
}

func TestNextEmptyPoolFallsBackToDirect(t *testing.T) {
	r := newTestRotator(t)

	require.NoError(t, r.ReplaceSettings(Settings{PoolEnabled: true}))

	url, id, err := r.Next()
	require.NoError(t, err)
	assert.Empty(t, url)
	assert.Zero(t, id)
}

func TestRecordResult(t *testing.T) {
	r := newTestRotator(t)

	id, err := r.Add("http://proxy-1:8080", "p1")
	require.NoError(t, err)

	require.NoError(t, r.RecordResult(id, true))
	require.NoError(t, r.RecordResult(id, true))
	require.NoError(t, r.RecordResult(id, false))
	// id 0 means direct egress, nothing to record
	require.NoError(t, r.RecordResult(0, false))

	items, err := r.List()
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, int64(2), items[0].SuccessCount)
	assert.Equal(t, int64(1), items[0].FailCount)
}
