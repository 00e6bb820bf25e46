package proxypool

import (
	"database/sql"
	"sync"
	"time"
)

// Item is one egress address entry in the pool
type Item struct {
	ID           int64     `json:"id"`
	ProxyURL     string    `json:"proxy_url"`
	Name         string    `json:"name,omitempty"`
	Enabled      bool      `json:"enabled"`
	SuccessCount int64     `json:"success_count"`
	FailCount    int64     `json:"fail_count"`
	LastUsedAt   time.Time `json:"last_used_at,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// Settings selects between pool rotation and a single static address.
// The two modes are mutually exclusive on PoolEnabled.
type Settings struct {
	PoolEnabled  bool   `json:"pool_enabled"`
	ProxyEnabled bool   `json:"proxy_enabled"`
	ProxyURL     string `json:"proxy_url,omitempty"`
}

// Rotator selects outbound egress addresses. The rotation cursor is the
// only in-memory state and is guarded by a mutex so round-robin stays
// correct under concurrent requests.
type Rotator struct {
	db     *sql.DB
	mu     sync.Mutex
	cursor int
}

// NewRotator creates a rotator over the shared database
func NewRotator(db *sql.DB) *Rotator {
	return &Rotator{db: db}
}

// Next returns the egress address for the next outbound call and, when
// pool mode is active, the pool entry id for result recording. An empty
// URL means direct egress.
func (r *Rotator) Next() (proxyURL string, itemID int64, err error) {
	settings, err := r.GetSettings()
	if err != nil {
		return "", 0, err
	}

	if settings.PoolEnabled {
		return r.nextPoolItem()
	}
	if settings.ProxyEnabled && settings.ProxyURL != "" {
		return settings.ProxyURL, 0, nil
	}
	return "", 0, nil
}

func (r *Rotator) nextPoolItem() (string, int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	items, err := r.listEnabled()
	if err != nil {
		return "", 0, err
	}
	if len(items) == 0 {
		return "", 0, nil
	}

	item := items[r.cursor%len(items)]
	r.cursor = (r.cursor + 1) % len(items)

	_, _ = r.db.Exec(`UPDATE proxy_pool SET last_used_at = ? WHERE id = ?`, time.Now(), item.ID)
	return item.ProxyURL, item.ID, nil
}

// RecordResult updates success/fail counters for a pool entry
func (r *Rotator) RecordResult(itemID int64, success bool) error {
	if itemID == 0 {
		return nil
	}
	col := "fail_count"
	if success {
		col = "success_count"
	}
	_, err := r.db.Exec(`UPDATE proxy_pool SET `+col+` = `+col+` + 1 WHERE id = ?`, itemID)
	return err
}

func (r *Rotator) listEnabled() ([]Item, error) {
	return r.queryItems(`
		SELECT id, proxy_url, name, enabled, success_count, fail_count, last_used_at, created_at
		FROM proxy_pool WHERE enabled = 1 ORDER BY id`)
}

// List returns all pool entries
func (r *Rotator) List() ([]Item, error) {
	return r.queryItems(`
		SELECT id, proxy_url, name, enabled, success_count, fail_count, last_used_at, created_at
		FROM proxy_pool ORDER BY id`)
}

func (r *Rotator) queryItems(query string) ([]Item, error) {
	rows, err := r.db.Query(query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []Item
	for rows.Next() {
		var it Item
		var name sql.NullString
		var lastUsed sql.NullTime
		if err := rows.Scan(&it.ID, &it.ProxyURL, &name, &it.Enabled,
			&it.SuccessCount, &it.FailCount, &lastUsed, &it.CreatedAt); err != nil {
			return nil, err
		}
		it.Name = name.String
		if lastUsed.Valid {
			it.LastUsedAt = lastUsed.Time
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

// Add inserts a pool entry
func (r *Rotator) Add(proxyURL, name string) (int64, error) {
	result, err := r.db.Exec(`
		INSERT INTO proxy_pool (proxy_url, name) VALUES (?, ?)
	`, proxyURL, name)
	if err != nil {
		return 0, err
	}
	return result.LastInsertId()
}

// SetEnabled flips a pool entry's enabled flag
func (r *Rotator) SetEnabled(itemID int64, enabled bool) error {
	_, err := r.db.Exec(`UPDATE proxy_pool SET enabled = ? WHERE id = ?`, enabled, itemID)
	return err
}

// Delete removes a pool entry
func (r *Rotator) Delete(itemID int64) error {
	_, err := r.db.Exec(`DELETE FROM proxy_pool WHERE id = ?`, itemID)
	return err
}

// GetSettings reads the singleton proxy settings row
func (r *Rotator) GetSettings() (*Settings, error) {
	var s Settings
	var proxyURL sql.NullString
	err := r.db.QueryRow(`
		SELECT pool_enabled, proxy_enabled, proxy_url FROM proxy_settings WHERE id = 1
	`).Scan(&s.PoolEnabled, &s.ProxyEnabled, &proxyURL)
	if err != nil {
		return nil, err
	}
	s.ProxyURL = proxyURL.String
	return &s, nil
}

// ReplaceSettings overwrites the singleton proxy settings row
func (r *Rotator) ReplaceSettings(s Settings) error {
	_, err := r.db.Exec(`
		UPDATE proxy_settings SET pool_enabled = ?, proxy_enabled = ?, proxy_url = ?, updated_at = ?
		WHERE id = 1
	`, s.PoolEnabled, s.ProxyEnabled, s.ProxyURL, time.Now())
	return err
}
