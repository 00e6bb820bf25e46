package flow

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"flow2api/internal/proxypool"
	"flow2api/internal/token"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, upstream *httptest.Server) *Client {
	t.Helper()
	s, err := token.NewStorage(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return NewClient(upstream.URL, upstream.URL, 5, proxypool.NewRotator(s.DB()))
}

func TestExchangeSession(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/auth/session", r.URL.Path)
		assert.Contains(t, r.Header.Get("Cookie"), "__Secure-next-auth.session-token=st-123")
		assert.True(t, strings.HasPrefix(r.Header.Get("User-Agent"), "Mozilla/5.0"))

		json.NewEncoder(w).Encode(map[string]any{
			"access_token": "at-456",
			"expires":      time.Now().Add(time.Hour).Format(time.RFC3339),
			"user":         map[string]any{"email": "a@example.com"},
		})
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	at, expires, email, err := c.ExchangeSession(context.Background(), "st-123")
	require.NoError(t, err)
	assert.Equal(t, "at-456", at)
	assert.Equal(t, "a@example.com", email)
	assert.True(t, expires.After(time.Now()))
}

func TestExchangeSessionNoAccessToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{})
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	_, _, _, err := c.ExchangeSession(context.Background(), "st-dead")
	assert.Error(t, err)
}

func TestCreateProjectParsesNestedResult(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/trpc/project.createProject", r.URL.Path)

		var payload map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		inner := payload["json"].(map[string]any)
		assert.Equal(t, "PINHOLE", inner["toolName"])

		json.NewEncoder(w).Encode(map[string]any{
			"result": map[string]any{
				"data": map[string]any{
					"json": map[string]any{
						"result": map[string]any{"projectId": "proj-789"},
					},
				},
			},
		})
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	projectID, err := c.CreateProject(context.Background(), "st-123", "my-project")
	require.NoError(t, err)
	assert.Equal(t, "proj-789", projectID)
}

func TestUploadImageMapsVideoAspectRatio(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// The method suffix sits in the path even though the test base
		// URL carries none
		assert.Equal(t, "/:uploadUserImage", r.URL.Path)

		var payload map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		imageInput := payload["imageInput"].(map[string]any)
		assert.Equal(t, "IMAGE_ASPECT_RATIO_PORTRAIT", imageInput["aspectRatio"])
		clientContext := payload["clientContext"].(map[string]any)
		assert.Equal(t, "ASSET_MANAGER", clientContext["tool"])

		json.NewEncoder(w).Encode(map[string]any{
			"mediaGenerationId": map[string]any{"mediaGenerationId": "media-1"},
		})
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	mediaID, err := c.UploadImage(context.Background(), "at-1", []byte{1, 2, 3}, "VIDEO_ASPECT_RATIO_PORTRAIT")
	require.NoError(t, err)
	assert.Equal(t, "media-1", mediaID)
}

func TestGenerateImage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/projects/proj-1/flowMedia:batchGenerateImages", r.URL.Path)
		assert.Equal(t, "Bearer at-1", r.Header.Get("Authorization"))

		json.NewEncoder(w).Encode(map[string]any{
			"media": []any{
				map[string]any{
					"image": map[string]any{
						"generatedImage": map[string]any{"fifeUrl": "https://cdn.example/img.jpg"},
					},
				},
			},
		})
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	url, err := c.GenerateImage(context.Background(), "at-1", "proj-1", "a fox", "GEM_PIX", "IMAGE_ASPECT_RATIO_LANDSCAPE", nil)
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example/img.jpg", url)
}

func TestGenerateImageEmptyMedia(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"media": []any{}})
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	_, err := c.GenerateImage(context.Background(), "at-1", "proj-1", "a fox", "GEM_PIX", "IMAGE_ASPECT_RATIO_LANDSCAPE", nil)
	assert.Error(t, err)
}

func TestSubmitVideoCarriesTier(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/video:batchAsyncGenerateVideoText", r.URL.Path)

		var payload map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		clientContext := payload["clientContext"].(map[string]any)
		assert.Equal(t, "PAYGATE_TIER_TWO", clientContext["userPaygateTier"])

		json.NewEncoder(w).Encode(map[string]any{
			"operations": []any{
				map[string]any{
					"operation": map[string]any{"name": "operations/op-1"},
					"sceneId":   "scene-1",
				},
			},
		})
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	ops, err := c.GenerateVideoText(context.Background(), "at-1", "proj-1", "a fox", "veo_3_1_t2v_fast", "VIDEO_ASPECT_RATIO_LANDSCAPE", "PAYGATE_TIER_TWO")
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, "operations/op-1", ops[0].Operation.Name)
	assert.Equal(t, "scene-1", ops[0].SceneID)
}

func TestCheckVideoStatusAndVideoURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"operations": []any{
				map[string]any{
					"operation": map[string]any{
						"name":     "operations/op-1",
						"metadata": map[string]any{"video": map[string]any{"fifeUrl": "https://cdn.example/v.mp4"}},
					},
					"status": StatusSuccessful,
				},
			},
		})
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	ops, err := c.CheckVideoStatus(context.Background(), "at-1", []Operation{{Operation: OperationRef{Name: "operations/op-1"}}})
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, StatusSuccessful, ops[0].Status)
	assert.Equal(t, "https://cdn.example/v.mp4", ops[0].VideoURL())
}

func TestRateLimitDetection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error": "quota exceeded"}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	_, _, _, err := c.ExchangeSession(context.Background(), "st-1")
	require.Error(t, err)
	assert.True(t, IsRateLimited(err))

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusTooManyRequests, apiErr.StatusCode)
}

func TestNonRateLimitErrorIsNotBanned(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	_, _, _, err := c.ExchangeSession(context.Background(), "st-1")
	require.Error(t, err)
	assert.False(t, IsRateLimited(err))
}
