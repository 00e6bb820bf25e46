package token

import (
	"database/sql"
	"os"
	"path/filepath"
	"time"

	json "github.com/goccy/go-json"
	_ "github.com/mattn/go-sqlite3"
)

// Storage owns all persisted rows: tokens, stats, projects, tasks,
// proxy pool entries and runtime settings. Components hold only transient
// copies fetched through it.
type Storage struct {
	db *sql.DB
}

// NewStorage opens the database and creates tables as needed
func NewStorage(dbPath string) (*Storage, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, err
	}

	s := &Storage{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}

	return s, nil
}

// migrate creates necessary tables
func (s *Storage) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS tokens (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_token TEXT NOT NULL,
		access_token TEXT,
		access_expires DATETIME,
		email TEXT,
		name TEXT DEFAULT '',
		remark TEXT,
		is_active BOOLEAN DEFAULT 1,
		credits INTEGER DEFAULT 0,
		paygate_tier TEXT,
		project_id TEXT,
		project_name TEXT,
		image_enabled BOOLEAN DEFAULT 1,
		video_enabled BOOLEAN DEFAULT 1,
		image_concurrency INTEGER DEFAULT -1,
		video_concurrency INTEGER DEFAULT -1,
		ban_reason TEXT,
		banned_at DATETIME,
		use_count INTEGER DEFAULT 0,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		last_used_at DATETIME
	);

	CREATE TABLE IF NOT EXISTS token_stats (
		token_id INTEGER PRIMARY KEY,
		image_count INTEGER DEFAULT 0,
		video_count INTEGER DEFAULT 0,
		success_count INTEGER DEFAULT 0,
		error_count INTEGER DEFAULT 0,
		today_image_count INTEGER DEFAULT 0,
		today_video_count INTEGER DEFAULT 0,
		today_error_count INTEGER DEFAULT 0,
		today_date TEXT,
		consecutive_error_count INTEGER DEFAULT 0,
		last_success_at DATETIME,
		last_error_at DATETIME,
		FOREIGN KEY (token_id) REFERENCES tokens(id)
	);

	CREATE TABLE IF NOT EXISTS projects (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		project_id TEXT NOT NULL,
		token_id INTEGER NOT NULL,
		project_name TEXT NOT NULL,
		tool_name TEXT DEFAULT 'PINHOLE',
		is_active BOOLEAN DEFAULT 1,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY (token_id) REFERENCES tokens(id)
	);

	CREATE TABLE IF NOT EXISTS tasks (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		task_id TEXT NOT NULL UNIQUE,
		token_id INTEGER NOT NULL,
		model TEXT,
		prompt TEXT,
		status TEXT DEFAULT 'processing',
		progress INTEGER DEFAULT 0,
		result_urls TEXT,
		error_message TEXT,
		scene_id TEXT,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		completed_at DATETIME,
		FOREIGN KEY (token_id) REFERENCES tokens(id)
	);

	CREATE TABLE IF NOT EXISTS proxy_pool (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		proxy_url TEXT NOT NULL,
		name TEXT,
		enabled BOOLEAN DEFAULT 1,
		success_count INTEGER DEFAULT 0,
		fail_count INTEGER DEFAULT 0,
		last_used_at DATETIME,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS proxy_settings (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		pool_enabled BOOLEAN DEFAULT 0,
		proxy_enabled BOOLEAN DEFAULT 0,
		proxy_url TEXT,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	INSERT OR IGNORE INTO proxy_settings (id) VALUES (1);

	CREATE TABLE IF NOT EXISTS settings (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		version INTEGER DEFAULT 1,
		data TEXT NOT NULL,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS request_logs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		token_id INTEGER,
		operation TEXT,
		status_code INTEGER,
		duration_ms INTEGER,
		detail TEXT,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_tokens_active ON tokens(is_active);
	CREATE INDEX IF NOT EXISTS idx_projects_token ON projects(token_id);
	CREATE INDEX IF NOT EXISTS idx_tasks_task_id ON tasks(task_id);
	CREATE INDEX IF NOT EXISTS idx_request_logs_created ON request_logs(created_at);
	`
	_, err := s.db.Exec(query)
	return err
}

const tokenColumns = `id, session_token, access_token, access_expires, email, name, remark,
	is_active, credits, paygate_tier, project_id, project_name,
	image_enabled, video_enabled, image_concurrency, video_concurrency,
	ban_reason, banned_at, use_count, created_at, last_used_at`

func scanToken(scan func(...any) error) (*Token, error) {
	var t Token
	var accessToken, email, name, remark, tier, projectID, projectName, banReason sql.NullString
	var accessExpires, bannedAt, lastUsedAt sql.NullTime

	err := scan(
		&t.ID, &t.SessionToken, &accessToken, &accessExpires, &email, &name, &remark,
		&t.IsActive, &t.Credits, &tier, &projectID, &projectName,
		&t.ImageEnabled, &t.VideoEnabled, &t.ImageConcurrency, &t.VideoConcurrency,
		&banReason, &bannedAt, &t.UseCount, &t.CreatedAt, &lastUsedAt,
	)
	if err != nil {
		return nil, err
	}

	t.AccessToken = accessToken.String
	t.Email = email.String
	t.Name = name.String
	t.Remark = remark.String
	t.PaygateTier = tier.String
	t.ProjectID = projectID.String
	t.ProjectName = projectName.String
	t.BanReason = banReason.String
	if accessExpires.Valid {
		t.AccessExpires = accessExpires.Time
	}
	if bannedAt.Valid {
		t.BannedAt = bannedAt.Time
	}
	if lastUsedAt.Valid {
		t.LastUsedAt = lastUsedAt.Time
	}
	return &t, nil
}

// CreateToken inserts a token and its stats row
func (s *Storage) CreateToken(input TokenInput) (*Token, error) {
	imageEnabled, videoEnabled := true, true
	if input.ImageEnabled != nil {
		imageEnabled = *input.ImageEnabled
	}
	if input.VideoEnabled != nil {
		videoEnabled = *input.VideoEnabled
	}
	imageConc, videoConc := -1, -1
	if input.ImageConcurrency != nil {
		imageConc = *input.ImageConcurrency
	}
	if input.VideoConcurrency != nil {
		videoConc = *input.VideoConcurrency
	}

	result, err := s.db.Exec(`
		INSERT INTO tokens (session_token, email, name, remark,
			image_enabled, video_enabled, image_concurrency, video_concurrency)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, input.SessionToken, input.Email, input.Name, input.Remark,
		imageEnabled, videoEnabled, imageConc, videoConc)
	if err != nil {
		return nil, err
	}

	id, _ := result.LastInsertId()
	if _, err := s.db.Exec(`INSERT INTO token_stats (token_id) VALUES (?)`, id); err != nil {
		return nil, err
	}
	return s.GetToken(id)
}

// GetToken returns a token by ID
func (s *Storage) GetToken(id int64) (*Token, error) {
	row := s.db.QueryRow(`SELECT `+tokenColumns+` FROM tokens WHERE id = ?`, id)
	return scanToken(row.Scan)
}

// GetTokenByEmail returns a token by resolved account email
func (s *Storage) GetTokenByEmail(email string) (*Token, error) {
	row := s.db.QueryRow(`SELECT `+tokenColumns+` FROM tokens WHERE email = ?`, email)
	return scanToken(row.Scan)
}

// ListTokens returns all tokens
func (s *Storage) ListTokens() ([]Token, error) {
	return s.queryTokens(`SELECT ` + tokenColumns + ` FROM tokens ORDER BY id`)
}

// ListActiveTokens returns active tokens in longest-idle-first order
func (s *Storage) ListActiveTokens() ([]Token, error) {
	return s.queryTokens(`
		SELECT ` + tokenColumns + ` FROM tokens
		WHERE is_active = 1
		ORDER BY last_used_at ASC NULLS FIRST`)
}

func (s *Storage) queryTokens(query string, args ...any) ([]Token, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tokens []Token
	for rows.Next() {
		t, err := scanToken(rows.Scan)
		if err != nil {
			return nil, err
		}
		tokens = append(tokens, *t)
	}
	return tokens, rows.Err()
}

// UpdateToken updates admin-editable fields
func (s *Storage) UpdateToken(id int64, input TokenInput) (*Token, error) {
	if _, err := s.db.Exec(`
		UPDATE tokens SET session_token = ?, name = ?, remark = ? WHERE id = ?
	`, input.SessionToken, input.Name, input.Remark, id); err != nil {
		return nil, err
	}
	if input.ImageEnabled != nil {
		if _, err := s.db.Exec(`UPDATE tokens SET image_enabled = ? WHERE id = ?`, *input.ImageEnabled, id); err != nil {
			return nil, err
		}
	}
	if input.VideoEnabled != nil {
		if _, err := s.db.Exec(`UPDATE tokens SET video_enabled = ? WHERE id = ?`, *input.VideoEnabled, id); err != nil {
			return nil, err
		}
	}
	if input.ImageConcurrency != nil {
		if _, err := s.db.Exec(`UPDATE tokens SET image_concurrency = ? WHERE id = ?`, *input.ImageConcurrency, id); err != nil {
			return nil, err
		}
	}
	if input.VideoConcurrency != nil {
		if _, err := s.db.Exec(`UPDATE tokens SET video_concurrency = ? WHERE id = ?`, *input.VideoConcurrency, id); err != nil {
			return nil, err
		}
	}
	return s.GetToken(id)
}

// DeleteToken removes a token and its stats
func (s *Storage) DeleteToken(id int64) error {
	if _, err := s.db.Exec(`DELETE FROM token_stats WHERE token_id = ?`, id); err != nil {
		return err
	}
	_, err := s.db.Exec(`DELETE FROM tokens WHERE id = ?`, id)
	return err
}

// UpdateAccessToken persists a refreshed access credential
func (s *Storage) UpdateAccessToken(id int64, accessToken string, expires time.Time) error {
	_, err := s.db.Exec(`
		UPDATE tokens SET access_token = ?, access_expires = ? WHERE id = ?
	`, accessToken, expires, id)
	return err
}

// UpdateAccountInfo stores account details resolved from upstream
func (s *Storage) UpdateAccountInfo(id int64, email string, credits int64, tier string) error {
	_, err := s.db.Exec(`
		UPDATE tokens SET email = ?, credits = ?, paygate_tier = ? WHERE id = ?
	`, email, credits, tier, id)
	return err
}

// UpdateLastUsed bumps last_used_at and the use counter
func (s *Storage) UpdateLastUsed(id int64) error {
	_, err := s.db.Exec(`
		UPDATE tokens SET last_used_at = ?, use_count = use_count + 1 WHERE id = ?
	`, time.Now(), id)
	return err
}

// SetActive flips the active flag. Ban reason and timestamp are cleared
// on enable and recorded on disable.
func (s *Storage) SetActive(id int64, active bool, banReason string) error {
	if active {
		_, err := s.db.Exec(`
			UPDATE tokens SET is_active = 1, ban_reason = NULL, banned_at = NULL WHERE id = ?
		`, id)
		return err
	}
	_, err := s.db.Exec(`
		UPDATE tokens SET is_active = 0, ban_reason = ?, banned_at = ? WHERE id = ?
	`, banReason, time.Now(), id)
	return err
}

// SetProjectBinding records the token's current upstream project
func (s *Storage) SetProjectBinding(id int64, projectID, projectName string) error {
	_, err := s.db.Exec(`
		UPDATE tokens SET project_id = ?, project_name = ? WHERE id = ?
	`, projectID, projectName, id)
	return err
}

// ===== Stats =====

func today() string {
	return time.Now().Format("2006-01-02")
}

// GetStats returns the stats row for a token
func (s *Storage) GetStats(tokenID int64) (*Stats, error) {
	var st Stats
	var todayDate sql.NullString
	var lastSuccess, lastError sql.NullTime

	err := s.db.QueryRow(`
		SELECT token_id, image_count, video_count, success_count, error_count,
		       today_image_count, today_video_count, today_error_count, today_date,
		       consecutive_error_count, last_success_at, last_error_at
		FROM token_stats WHERE token_id = ?
	`, tokenID).Scan(
		&st.TokenID, &st.ImageCount, &st.VideoCount, &st.SuccessCount, &st.ErrorCount,
		&st.TodayImageCount, &st.TodayVideoCount, &st.TodayErrorCount, &todayDate,
		&st.ConsecutiveErrorCount, &lastSuccess, &lastError,
	)
	if err != nil {
		return nil, err
	}
	st.TodayDate = todayDate.String
	if lastSuccess.Valid {
		st.LastSuccessAt = lastSuccess.Time
	}
	if lastError.Valid {
		st.LastErrorAt = lastError.Time
	}
	return &st, nil
}

// incrementUsage bumps a lifetime counter and its today-scoped twin,
// resetting the today counter when the stored date has rolled over.
func (s *Storage) incrementUsage(tokenID int64, lifetime, todayCol string) error {
	var stored sql.NullString
	err := s.db.QueryRow(`SELECT today_date FROM token_stats WHERE token_id = ?`, tokenID).Scan(&stored)
	if err != nil {
		return err
	}

	d := today()
	if stored.String != d {
		// Date rolled over: clear every today-scoped counter, then count this one.
		if _, err = s.db.Exec(`
			UPDATE token_stats
			SET today_image_count = 0, today_video_count = 0, today_error_count = 0, today_date = ?
			WHERE token_id = ?
		`, d, tokenID); err != nil {
			return err
		}
		_, err = s.db.Exec(`
			UPDATE token_stats
			SET `+lifetime+` = `+lifetime+` + 1, `+todayCol+` = 1
			WHERE token_id = ?
		`, tokenID)
		return err
	}
	_, err = s.db.Exec(`
		UPDATE token_stats
		SET `+lifetime+` = `+lifetime+` + 1,
		    `+todayCol+` = `+todayCol+` + 1,
		    today_date = ?
		WHERE token_id = ?
	`, d, tokenID)
	return err
}

// IncrementImageCount records one image generation
func (s *Storage) IncrementImageCount(tokenID int64) error {
	if err := s.incrementUsage(tokenID, "image_count", "today_image_count"); err != nil {
		return err
	}
	_, err := s.db.Exec(`
		UPDATE token_stats SET success_count = success_count + 1, last_success_at = ? WHERE token_id = ?
	`, time.Now(), tokenID)
	return err
}

// IncrementVideoCount records one video generation
func (s *Storage) IncrementVideoCount(tokenID int64) error {
	if err := s.incrementUsage(tokenID, "video_count", "today_video_count"); err != nil {
		return err
	}
	_, err := s.db.Exec(`
		UPDATE token_stats SET success_count = success_count + 1, last_success_at = ? WHERE token_id = ?
	`, time.Now(), tokenID)
	return err
}

// IncrementErrorCount bumps the lifetime, consecutive and today-scoped
// error counters and returns the new consecutive count.
func (s *Storage) IncrementErrorCount(tokenID int64) (int64, error) {
	if err := s.incrementUsage(tokenID, "error_count", "today_error_count"); err != nil {
		return 0, err
	}
	if _, err := s.db.Exec(`
		UPDATE token_stats
		SET consecutive_error_count = consecutive_error_count + 1, last_error_at = ?
		WHERE token_id = ?
	`, time.Now(), tokenID); err != nil {
		return 0, err
	}

	var consecutive int64
	err := s.db.QueryRow(`
		SELECT consecutive_error_count FROM token_stats WHERE token_id = ?
	`, tokenID).Scan(&consecutive)
	return consecutive, err
}

// ResetConsecutiveErrors zeroes only the live health signal. Lifetime
// and today-scoped counters are untouched.
func (s *Storage) ResetConsecutiveErrors(tokenID int64) error {
	_, err := s.db.Exec(`
		UPDATE token_stats SET consecutive_error_count = 0 WHERE token_id = ?
	`, tokenID)
	return err
}

// ===== Projects =====

// CreateProject records a new (token, project) binding
func (s *Storage) CreateProject(p Project) (int64, error) {
	toolName := p.ToolName
	if toolName == "" {
		toolName = "PINHOLE"
	}
	result, err := s.db.Exec(`
		INSERT INTO projects (project_id, token_id, project_name, tool_name)
		VALUES (?, ?, ?, ?)
	`, p.ProjectID, p.TokenID, p.Name, toolName)
	if err != nil {
		return 0, err
	}
	return result.LastInsertId()
}

// GetProjectsByToken lists a token's bindings, newest first
func (s *Storage) GetProjectsByToken(tokenID int64) ([]Project, error) {
	rows, err := s.db.Query(`
		SELECT id, project_id, token_id, project_name, tool_name, is_active, created_at
		FROM projects WHERE token_id = ? ORDER BY created_at DESC
	`, tokenID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var projects []Project
	for rows.Next() {
		var p Project
		if err := rows.Scan(&p.ID, &p.ProjectID, &p.TokenID, &p.Name, &p.ToolName, &p.IsActive, &p.CreatedAt); err != nil {
			return nil, err
		}
		projects = append(projects, p)
	}
	return projects, rows.Err()
}

// ===== Tasks =====

// CreateTask persists a newly submitted generation job
func (s *Storage) CreateTask(t Task) (int64, error) {
	status := t.Status
	if status == "" {
		status = TaskProcessing
	}
	result, err := s.db.Exec(`
		INSERT INTO tasks (task_id, token_id, model, prompt, status, scene_id)
		VALUES (?, ?, ?, ?, ?, ?)
	`, t.TaskID, t.TokenID, t.Model, t.Prompt, status, t.SceneID)
	if err != nil {
		return 0, err
	}
	return result.LastInsertId()
}

// GetTask returns a task by its upstream operation name
func (s *Storage) GetTask(taskID string) (*Task, error) {
	var t Task
	var resultURLs, errMsg, sceneID sql.NullString
	var completedAt sql.NullTime

	err := s.db.QueryRow(`
		SELECT id, task_id, token_id, model, prompt, status, progress,
		       result_urls, error_message, scene_id, created_at, completed_at
		FROM tasks WHERE task_id = ?
	`, taskID).Scan(
		&t.ID, &t.TaskID, &t.TokenID, &t.Model, &t.Prompt, &t.Status, &t.Progress,
		&resultURLs, &errMsg, &sceneID, &t.CreatedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}

	if resultURLs.Valid && resultURLs.String != "" {
		if err := json.Unmarshal([]byte(resultURLs.String), &t.ResultURLs); err != nil {
			return nil, err
		}
	}
	t.ErrorMsg = errMsg.String
	t.SceneID = sceneID.String
	if completedAt.Valid {
		t.CompletedAt = completedAt.Time
	}
	return &t, nil
}

// CompleteTask marks a task successful with its result URLs
func (s *Storage) CompleteTask(taskID string, resultURLs []string) error {
	urls, err := json.Marshal(resultURLs)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`
		UPDATE tasks SET status = ?, progress = 100, result_urls = ?, completed_at = ?
		WHERE task_id = ?
	`, TaskCompleted, string(urls), time.Now(), taskID)
	return err
}

// FailTask marks a task failed with the upstream error message
func (s *Storage) FailTask(taskID, errorMsg string) error {
	_, err := s.db.Exec(`
		UPDATE tasks SET status = ?, error_message = ?, completed_at = ?
		WHERE task_id = ?
	`, TaskFailed, errorMsg, time.Now(), taskID)
	return err
}

// ===== Request logs =====

// LogRequest records one API operation outcome
func (s *Storage) LogRequest(tokenID int64, operation string, statusCode int, durationMs int64, detail string) error {
	_, err := s.db.Exec(`
		INSERT INTO request_logs (token_id, operation, status_code, duration_ms, detail)
		VALUES (?, ?, ?, ?, ?)
	`, tokenID, operation, statusCode, durationMs, detail)
	return err
}

// GetRecentLogs returns the newest request logs, newest first
func (s *Storage) GetRecentLogs(limit int) ([]RequestLog, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`
		SELECT id, token_id, operation, status_code, duration_ms, detail, created_at
		FROM request_logs ORDER BY id DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logs []RequestLog
	for rows.Next() {
		var l RequestLog
		var detail sql.NullString
		if err := rows.Scan(&l.ID, &l.TokenID, &l.Operation, &l.StatusCode, &l.DurationMs, &detail, &l.CreatedAt); err != nil {
			return nil, err
		}
		l.Detail = detail.String
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

// ClearLogs removes all request logs
func (s *Storage) ClearLogs() error {
	_, err := s.db.Exec(`DELETE FROM request_logs`)
	return err
}

// Close closes the database connection
func (s *Storage) Close() error {
	return s.db.Close()
}

// DB returns the underlying database connection
func (s *Storage) DB() *sql.DB {
	return s.db
}
