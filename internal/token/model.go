package token

import "time"

// Token represents one borrowed upstream account credential set
type Token struct {
	ID int64 `json:"id"`

	// Session token (long lived) and the access token exchanged from it
	SessionToken  string    `json:"-"` // Never expose in JSON
	AccessToken   string    `json:"-"`
	AccessExpires time.Time `json:"access_expires"`

	Email      string    `json:"email"`
	Name       string    `json:"name"`
	Remark     string    `json:"remark,omitempty"`
	IsActive   bool      `json:"is_active"`
	CreatedAt  time.Time `json:"created_at"`
	LastUsedAt time.Time `json:"last_used_at"`
	UseCount   int64     `json:"use_count"`

	// Account balance and tier reported by the upstream credits endpoint
	Credits     int64  `json:"credits"`
	PaygateTier string `json:"paygate_tier,omitempty"`

	// Current project binding
	ProjectID   string `json:"current_project_id,omitempty"`
	ProjectName string `json:"current_project_name,omitempty"`

	// Feature flags
	ImageEnabled bool `json:"image_enabled"`
	VideoEnabled bool `json:"video_enabled"`

	// Per-feature concurrency ceilings, -1 = unlimited
	ImageConcurrency int `json:"image_concurrency"`
	VideoConcurrency int `json:"video_concurrency"`

	// Ban bookkeeping
	BanReason string    `json:"ban_reason,omitempty"`
	BannedAt  time.Time `json:"banned_at,omitempty"`
}

// BanReasonRateLimit marks tokens disabled by an upstream 429
const BanReasonRateLimit = "429_rate_limit"

// Stats holds per-token rolling counters. Lifetime counters never reset;
// today-scoped counters reset when the stored date rolls over; the
// consecutive error count resets on success or manual re-enable.
type Stats struct {
	TokenID               int64     `json:"token_id"`
	ImageCount            int64     `json:"image_count"`
	VideoCount            int64     `json:"video_count"`
	SuccessCount          int64     `json:"success_count"`
	ErrorCount            int64     `json:"error_count"`
	TodayImageCount       int64     `json:"today_image_count"`
	TodayVideoCount       int64     `json:"today_video_count"`
	TodayErrorCount       int64     `json:"today_error_count"`
	TodayDate             string    `json:"today_date"`
	ConsecutiveErrorCount int64     `json:"consecutive_error_count"`
	LastSuccessAt         time.Time `json:"last_success_at"`
	LastErrorAt           time.Time `json:"last_error_at"`
}

// Project is a (token, upstream project) binding
type Project struct {
	ID        int64     `json:"id"`
	ProjectID string    `json:"project_id"`
	TokenID   int64     `json:"token_id"`
	Name      string    `json:"project_name"`
	ToolName  string    `json:"tool_name"`
	IsActive  bool      `json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
}

// Task statuses
const (
	TaskProcessing = "processing"
	TaskCompleted  = "completed"
	TaskFailed     = "failed"
)

// Task is one submitted generation job
type Task struct {
	ID          int64     `json:"id"`
	TaskID      string    `json:"task_id"` // upstream operation name
	TokenID     int64     `json:"token_id"`
	Model       string    `json:"model"`
	Prompt      string    `json:"prompt"`
	Status      string    `json:"status"`
	Progress    int       `json:"progress"`
	ResultURLs  []string  `json:"result_urls,omitempty"`
	ErrorMsg    string    `json:"error_message,omitempty"`
	SceneID     string    `json:"scene_id,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	CompletedAt time.Time `json:"completed_at,omitempty"`
}

// RequestLog is one recorded API operation outcome
type RequestLog struct {
	ID         int64     `json:"id"`
	TokenID    int64     `json:"token_id"`
	Operation  string    `json:"operation"`
	StatusCode int       `json:"status_code"`
	DurationMs int64     `json:"duration_ms"`
	Detail     string    `json:"detail,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// TokenInput is the admin-facing create/update payload
type TokenInput struct {
	SessionToken     string `json:"session_token" binding:"required"`
	Email            string `json:"email"`
	Name             string `json:"name"`
	Remark           string `json:"remark"`
	ImageEnabled     *bool  `json:"image_enabled"`
	VideoEnabled     *bool  `json:"video_enabled"`
	ImageConcurrency *int   `json:"image_concurrency"`
	VideoConcurrency *int   `json:"video_concurrency"`
}
