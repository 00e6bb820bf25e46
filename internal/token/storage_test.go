package token

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStorage(t *testing.T) *Storage {
	t.Helper()
	s, err := NewStorage(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func boolPtr(b bool) *bool { return &b }
func intPtr(i int) *int    { return &i }

func TestCreateAndGetToken(t *testing.T) {
	s := newTestStorage(t)

	tok, err := s.CreateToken(TokenInput{SessionToken: "st-1", Name: "first"})
	require.NoError(t, err)
	assert.Equal(t, "st-1", tok.SessionToken)
	assert.Equal(t, "first", tok.Name)
	assert.True(t, tok.IsActive)
	assert.True(t, tok.ImageEnabled)
	assert.True(t, tok.VideoEnabled)
	assert.Equal(t, -1, tok.ImageConcurrency)
	assert.Equal(t, -1, tok.VideoConcurrency)

	// The stats row is created alongside
	stats, err := s.GetStats(tok.ID)
	require.NoError(t, err)
	assert.Zero(t, stats.SuccessCount)
}

func TestGetTokenByEmail(t *testing.T) {
	s := newTestStorage(t)

	tok, err := s.CreateToken(TokenInput{SessionToken: "st-1", Email: "a@example.com"})
	require.NoError(t, err)

	found, err := s.GetTokenByEmail("a@example.com")
	require.NoError(t, err)
	assert.Equal(t, tok.ID, found.ID)

	_, err = s.GetTokenByEmail("nobody@example.com")
	assert.Error(t, err)
}

func TestUpdateTokenPartialFields(t *testing.T) {
	s := newTestStorage(t)

	tok, err := s.CreateToken(TokenInput{SessionToken: "st-1"})
	require.NoError(t, err)

	updated, err := s.UpdateToken(tok.ID, TokenInput{
		SessionToken:     "st-2",
		VideoEnabled:     boolPtr(false),
		VideoConcurrency: intPtr(2),
	})
	require.NoError(t, err)
	assert.Equal(t, "st-2", updated.SessionToken)
	assert.False(t, updated.VideoEnabled)
	assert.Equal(t, 2, updated.VideoConcurrency)
	// Untouched fields keep their values
	assert.True(t, updated.ImageEnabled)
	assert.Equal(t, -1, updated.ImageConcurrency)
}

func TestSetActiveRecordsAndClearsBan(t *testing.T) {
	s := newTestStorage(t)

	tok, err := s.CreateToken(TokenInput{SessionToken: "st-1"})
	require.NoError(t, err)

	require.NoError(t, s.SetActive(tok.ID, false, BanReasonRateLimit))
	banned, err := s.GetToken(tok.ID)
	require.NoError(t, err)
	assert.False(t, banned.IsActive)
	assert.Equal(t, BanReasonRateLimit, banned.BanReason)
	assert.False(t, banned.BannedAt.IsZero())

	require.NoError(t, s.SetActive(tok.ID, true, ""))
	enabled, err := s.GetToken(tok.ID)
	require.NoError(t, err)
	assert.True(t, enabled.IsActive)
	assert.Empty(t, enabled.BanReason)
	assert.True(t, enabled.BannedAt.IsZero())
}

func TestListActiveTokensOrdersByIdle(t *testing.T) {
	s := newTestStorage(t)

	a, err := s.CreateToken(TokenInput{SessionToken: "st-a"})
	require.NoError(t, err)
	b, err := s.CreateToken(TokenInput{SessionToken: "st-b"})
	require.NoError(t, err)
	c, err := s.CreateToken(TokenInput{SessionToken: "st-c"})
	require.NoError(t, err)

	require.NoError(t, s.SetActive(c.ID, false, "manual"))
	require.NoError(t, s.UpdateLastUsed(a.ID))

	active, err := s.ListActiveTokens()
	require.NoError(t, err)
	require.Len(t, active, 2)
	// b never used, comes before the just-used a
	assert.Equal(t, b.ID, active[0].ID)
	assert.Equal(t, a.ID, active[1].ID)
}

func TestErrorCountAndReset(t *testing.T) {
	s := newTestStorage(t)

	tok, err := s.CreateToken(TokenInput{SessionToken: "st-1"})
	require.NoError(t, err)

	for i := int64(1); i <= 3; i++ {
		n, err := s.IncrementErrorCount(tok.ID)
		require.NoError(t, err)
		assert.Equal(t, i, n)
	}

	require.NoError(t, s.ResetConsecutiveErrors(tok.ID))
	stats, err := s.GetStats(tok.ID)
	require.NoError(t, err)
	assert.Zero(t, stats.ConsecutiveErrorCount)
	// Lifetime error count survives the reset
	assert.Equal(t, int64(3), stats.ErrorCount)
}

func TestUsageCounters(t *testing.T) {
	s := newTestStorage(t)

	tok, err := s.CreateToken(TokenInput{SessionToken: "st-1"})
	require.NoError(t, err)

	require.NoError(t, s.IncrementImageCount(tok.ID))
	require.NoError(t, s.IncrementImageCount(tok.ID))
	require.NoError(t, s.IncrementVideoCount(tok.ID))

	stats, err := s.GetStats(tok.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.ImageCount)
	assert.Equal(t, int64(1), stats.VideoCount)
	assert.Equal(t, int64(2), stats.TodayImageCount)
	assert.Equal(t, int64(1), stats.TodayVideoCount)
	assert.Equal(t, int64(3), stats.SuccessCount)
	assert.False(t, stats.LastSuccessAt.IsZero())
}

func TestTaskLifecycle(t *testing.T) {
	s := newTestStorage(t)

	tok, err := s.CreateToken(TokenInput{SessionToken: "st-1"})
	require.NoError(t, err)

	_, err = s.CreateTask(Task{
		TaskID:  "operations/abc",
		TokenID: tok.ID,
		Model:   "veo_3_1_t2v_fast",
		Prompt:  "a red fox",
		Status:  TaskProcessing,
	})
	require.NoError(t, err)

	require.NoError(t, s.CompleteTask("operations/abc", []string{"http://localhost/tmp/x.mp4"}))
	task, err := s.GetTask("operations/abc")
	require.NoError(t, err)
	assert.Equal(t, TaskCompleted, task.Status)
	assert.Equal(t, 100, task.Progress)
	assert.Equal(t, []string{"http://localhost/tmp/x.mp4"}, task.ResultURLs)

	require.NoError(t, s.FailTask("operations/abc", "boom"))
	task, err = s.GetTask("operations/abc")
	require.NoError(t, err)
	assert.Equal(t, TaskFailed, task.Status)
	assert.Equal(t, "boom", task.ErrorMsg)
}

func TestSettingsRoundTrip(t *testing.T) {
	s := newTestStorage(t)

	// Absent row yields defaults
	settings, err := s.GetSettings()
	require.NoError(t, err)
	assert.Equal(t, DefaultSettings(), settings)

	settings.CacheEnabled = false
	settings.CaptchaAPIKey = "key-123"
	saved, err := s.ReplaceSettings(settings)
	require.NoError(t, err)
	assert.Equal(t, 2, saved.Version)

	loaded, err := s.GetSettings()
	require.NoError(t, err)
	assert.False(t, loaded.CacheEnabled)
	assert.Equal(t, "key-123", loaded.CaptchaAPIKey)
	assert.Equal(t, 2, loaded.Version)
}

func TestRequestLogs(t *testing.T) {
	s := newTestStorage(t)

	require.NoError(t, s.LogRequest(1, "generate_image", 200, 1500, ""))
	time.Sleep(5 * time.Millisecond)
	require.NoError(t, s.LogRequest(1, "generate_video", 500, 90000, "timeout"))

	logs, err := s.GetRecentLogs(10)
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, "generate_video", logs[0].Operation)
	assert.Equal(t, "timeout", logs[0].Detail)

	require.NoError(t, s.ClearLogs())
	logs, err = s.GetRecentLogs(10)
	require.NoError(t, err)
	assert.Empty(t, logs)
}
