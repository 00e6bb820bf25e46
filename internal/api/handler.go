package api

import (
	"strconv"
	"strings"

	"flow2api/config"
	"flow2api/internal/cache"
	"flow2api/internal/generation"
	"flow2api/internal/proxypool"
	"flow2api/internal/token"

	"github.com/gin-gonic/gin"
)

// Handler handles management API requests
type Handler struct {
	storage      *token.Storage
	manager      *token.Manager
	rotator      *proxypool.Rotator
	orchestrator *generation.Orchestrator
	cache        *cache.FileCache
	cfg          *config.Config
}

// NewHandler creates a new API handler
func NewHandler(storage *token.Storage, manager *token.Manager, rotator *proxypool.Rotator, orchestrator *generation.Orchestrator, fileCache *cache.FileCache, cfg *config.Config) *Handler {
	return &Handler{
		storage:      storage,
		manager:      manager,
		rotator:      rotator,
		orchestrator: orchestrator,
		cache:        fileCache,
		cfg:          cfg,
	}
}

// AuthRequired rejects requests that lack the configured API key
func (h *Handler) AuthRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		if h.cfg.Server.APIKey == "" {
			c.Next()
			return
		}
		key := c.GetHeader("Authorization")
		key = strings.TrimPrefix(key, "Bearer ")
		if key == "" {
			key = c.GetHeader("X-API-Key")
		}
		if key != h.cfg.Server.APIKey {
			c.AbortWithStatusJSON(401, gin.H{"error": "invalid api key"})
			return
		}
		c.Next()
	}
}

// ===== Tokens =====

// ListTokens returns all tokens
func (h *Handler) ListTokens(c *gin.Context) {
	tokens, err := h.storage.ListTokens()
	if err != nil {
		c.JSON(500, gin.H{"error": err.Error()})
		return
	}
	c.JSON(200, tokens)
}

// CreateToken registers a new token and validates it upstream
func (h *Handler) CreateToken(c *gin.Context) {
	var input token.TokenInput
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(400, gin.H{"error": err.Error()})
		return
	}

	t, err := h.storage.CreateToken(input)
	if err != nil {
		c.JSON(500, gin.H{"error": err.Error()})
		return
	}

	// Validate eagerly so a bad session credential shows up immediately.
	// Failure does not reject the registration.
	if h.manager.IsAccessTokenValid(c.Request.Context(), t.ID) {
		_ = h.manager.RefreshCredits(c.Request.Context(), t.ID)
		t, _ = h.storage.GetToken(t.ID)
	}

	c.JSON(201, t)
}

// GetToken returns a token by ID
func (h *Handler) GetToken(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(400, gin.H{"error": "invalid id"})
		return
	}

	t, err := h.storage.GetToken(id)
	if err != nil {
		c.JSON(404, gin.H{"error": "token not found"})
		return
	}
	c.JSON(200, t)
}

// UpdateToken updates a token
func (h *Handler) UpdateToken(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(400, gin.H{"error": "invalid id"})
		return
	}

	var input token.TokenInput
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(400, gin.H{"error": err.Error()})
		return
	}

	t, err := h.storage.UpdateToken(id, input)
	if err != nil {
		c.JSON(500, gin.H{"error": err.Error()})
		return
	}
	c.JSON(200, t)
}

// DeleteToken deletes a token
func (h *Handler) DeleteToken(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(400, gin.H{"error": "invalid id"})
		return
	}

	if err := h.storage.DeleteToken(id); err != nil {
		c.JSON(500, gin.H{"error": err.Error()})
		return
	}
	c.JSON(204, nil)
}

// EnableToken re-activates a token and clears its ban state
func (h *Handler) EnableToken(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(400, gin.H{"error": "invalid id"})
		return
	}

	if err := h.manager.Enable(id); err != nil {
		c.JSON(500, gin.H{"error": err.Error()})
		return
	}
	t, _ := h.storage.GetToken(id)
	c.JSON(200, t)
}

// DisableToken deactivates a token manually
func (h *Handler) DisableToken(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(400, gin.H{"error": "invalid id"})
		return
	}

	if err := h.manager.Disable(id); err != nil {
		c.JSON(500, gin.H{"error": err.Error()})
		return
	}
	t, _ := h.storage.GetToken(id)
	c.JSON(200, t)
}

// RefreshCredits polls the upstream balance for a token
func (h *Handler) RefreshCredits(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(400, gin.H{"error": "invalid id"})
		return
	}

	if err := h.manager.RefreshCredits(c.Request.Context(), id); err != nil {
		c.JSON(500, gin.H{"error": err.Error()})
		return
	}
	t, _ := h.storage.GetToken(id)
	c.JSON(200, t)
}

// RefreshAccessToken forces a fresh session exchange for a token
func (h *Handler) RefreshAccessToken(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(400, gin.H{"error": "invalid id"})
		return
	}

	t, err := h.manager.RefreshAccessToken(c.Request.Context(), id)
	if err != nil {
		c.JSON(500, gin.H{"error": err.Error()})
		return
	}
	c.JSON(200, t)
}

// GetTokenStats returns usage statistics for a token
func (h *Handler) GetTokenStats(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(400, gin.H{"error": "invalid id"})
		return
	}

	stats, err := h.storage.GetStats(id)
	if err != nil {
		c.JSON(404, gin.H{"error": "stats not found"})
		return
	}
	c.JSON(200, stats)
}

// ===== Proxy pool =====

// ListProxies returns all proxy pool entries
func (h *Handler) ListProxies(c *gin.Context) {
	items, err := h.rotator.List()
	if err != nil {
		c.JSON(500, gin.H{"error": err.Error()})
		return
	}
	c.JSON(200, items)
}

// AddProxy registers a proxy pool entry
func (h *Handler) AddProxy(c *gin.Context) {
	var input struct {
		ProxyURL string `json:"proxy_url" binding:"required"`
		Name     string `json:"name"`
	}
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(400, gin.H{"error": err.Error()})
		return
	}

	id, err := h.rotator.Add(input.ProxyURL, input.Name)
	if err != nil {
		c.JSON(500, gin.H{"error": err.Error()})
		return
	}
	c.JSON(201, gin.H{"id": id})
}

// SetProxyEnabled toggles a proxy pool entry
func (h *Handler) SetProxyEnabled(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(400, gin.H{"error": "invalid id"})
		return
	}

	var input struct {
		Enabled bool `json:"enabled"`
	}
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(400, gin.H{"error": err.Error()})
		return
	}

	if err := h.rotator.SetEnabled(id, input.Enabled); err != nil {
		c.JSON(500, gin.H{"error": err.Error()})
		return
	}
	c.JSON(200, gin.H{"id": id, "enabled": input.Enabled})
}

// DeleteProxy removes a proxy pool entry
func (h *Handler) DeleteProxy(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(400, gin.H{"error": "invalid id"})
		return
	}

	if err := h.rotator.Delete(id); err != nil {
		c.JSON(500, gin.H{"error": err.Error()})
		return
	}
	c.JSON(204, nil)
}

// GetProxySettings returns the proxy mode configuration
func (h *Handler) GetProxySettings(c *gin.Context) {
	settings, err := h.rotator.GetSettings()
	if err != nil {
		c.JSON(500, gin.H{"error": err.Error()})
		return
	}
	c.JSON(200, settings)
}

// UpdateProxySettings replaces the proxy mode configuration
func (h *Handler) UpdateProxySettings(c *gin.Context) {
	var settings proxypool.Settings
	if err := c.ShouldBindJSON(&settings); err != nil {
		c.JSON(400, gin.H{"error": err.Error()})
		return
	}

	if err := h.rotator.ReplaceSettings(settings); err != nil {
		c.JSON(500, gin.H{"error": err.Error()})
		return
	}
	c.JSON(200, settings)
}

// ===== Runtime settings =====

// GetSettings returns the runtime settings document
func (h *Handler) GetSettings(c *gin.Context) {
	settings, err := h.storage.GetSettings()
	if err != nil {
		c.JSON(500, gin.H{"error": err.Error()})
		return
	}
	c.JSON(200, settings)
}

// UpdateSettings replaces the runtime settings document and applies the
// pieces that live components read directly.
func (h *Handler) UpdateSettings(c *gin.Context) {
	var settings token.Settings
	if err := c.ShouldBindJSON(&settings); err != nil {
		c.JSON(400, gin.H{"error": err.Error()})
		return
	}

	saved, err := h.storage.ReplaceSettings(settings)
	if err != nil {
		c.JSON(500, gin.H{"error": err.Error()})
		return
	}

	if h.cache != nil && saved.CacheTimeout > 0 {
		h.cache.SetTimeout(saved.CacheTimeout)
	}

	c.JSON(200, saved)
}

// ===== Logs =====

// GetRecentLogs returns recent request logs
func (h *Handler) GetRecentLogs(c *gin.Context) {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil {
			limit = parsed
		}
	}

	logs, err := h.storage.GetRecentLogs(limit)
	if err != nil {
		c.JSON(500, gin.H{"error": err.Error()})
		return
	}
	c.JSON(200, logs)
}

// ClearLogs removes all request logs
func (h *Handler) ClearLogs(c *gin.Context) {
	if err := h.storage.ClearLogs(); err != nil {
		c.JSON(500, gin.H{"error": err.Error()})
		return
	}
	c.JSON(204, nil)
}

// ===== Health =====

// Health returns pool health status
func (h *Handler) Health(c *gin.Context) {
	tokens, _ := h.storage.ListTokens()
	activeCount := 0
	for _, t := range tokens {
		if t.IsActive {
			activeCount++
		}
	}

	status := "healthy"
	if activeCount == 0 && len(tokens) > 0 {
		status = "degraded"
	} else if len(tokens) == 0 {
		status = "no_tokens"
	}

	c.JSON(200, gin.H{
		"status":        status,
		"total_tokens":  len(tokens),
		"active_tokens": activeCount,
	})
}
