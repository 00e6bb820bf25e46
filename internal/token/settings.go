package token

import (
	"database/sql"

	json "github.com/goccy/go-json"
)

// Settings is the runtime-mutable configuration stored as a singleton
// row. Fields here can change without a restart; bootstrap values
// (listen address, db path) stay in the yaml config.
type Settings struct {
	Version           int    `json:"version"`
	CacheEnabled      bool   `json:"cache_enabled"`
	CacheTimeout      int    `json:"cache_timeout"`
	BaseURL           string `json:"base_url"`
	CaptchaAPIKey     string `json:"captcha_api_key"`
	CaptchaBaseURL    string `json:"captcha_base_url"`
	ErrorBanThreshold int    `json:"error_ban_threshold"`
	MarkTimeoutFailed bool   `json:"mark_timeout_failed"`
}

func DefaultSettings() Settings {
	return Settings{
		Version:           1,
		CacheEnabled:      true,
		CacheTimeout:      7200,
		ErrorBanThreshold: 3,
	}
}

func (s *Storage) GetSettings() (Settings, error) {
	var data string
	err := s.db.QueryRow(`SELECT data FROM settings WHERE id = 1`).Scan(&data)
	if err == sql.ErrNoRows {
		return DefaultSettings(), nil
	}
	if err != nil {
		return Settings{}, err
	}
	var settings Settings
	if err := json.Unmarshal([]byte(data), &settings); err != nil {
		return Settings{}, err
	}
	return settings, nil
}

// ReplaceSettings persists the full settings document and bumps the
// version so concurrent readers can detect staleness.
func (s *Storage) ReplaceSettings(settings Settings) (Settings, error) {
	current, err := s.GetSettings()
	if err != nil {
		return Settings{}, err
	}
	settings.Version = current.Version + 1

	data, err := json.Marshal(settings)
	if err != nil {
		return Settings{}, err
	}
	_, err = s.db.Exec(`
		INSERT INTO settings (id, version, data) VALUES (1, ?, ?)
		ON CONFLICT(id) DO UPDATE SET version = excluded.version, data = excluded.data
	`, settings.Version, string(data))
	if err != nil {
		return Settings{}, err
	}
	return settings, nil
}
