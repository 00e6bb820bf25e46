package cache

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"flow2api/internal/metrics"
)

const (
	sweepInterval    = 5 * time.Minute
	forbiddenRetries = 3
	forbiddenBackoff = time.Second
)

// FileCache stores generated media locally, keyed by a hash of the
// source URL. Eviction is pure TTL: a background sweep removes files
// older than the timeout regardless of access patterns.
type FileCache struct {
	dir         string
	downloaders []Downloader

	mu      sync.RWMutex
	timeout time.Duration

	stop     chan struct{}
	stopOnce sync.Once
}

// New creates a file cache over dir with the default strategy chain:
// browser-header HTTP client, then wget, then curl.
func New(dir string, timeoutSec int) (*FileCache, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	if timeoutSec <= 0 {
		timeoutSec = 7200
	}
	return &FileCache{
		dir:     dir,
		timeout: time.Duration(timeoutSec) * time.Second,
		downloaders: []Downloader{
			NewBrowserDownloader(),
			NewWgetDownloader(),
			NewCurlDownloader(),
		},
		stop: make(chan struct{}),
	}, nil
}

// NewWithDownloaders creates a cache with an explicit strategy chain
func NewWithDownloaders(dir string, timeoutSec int, downloaders []Downloader) (*FileCache, error) {
	c, err := New(dir, timeoutSec)
	if err != nil {
		return nil, err
	}
	c.downloaders = downloaders
	return c, nil
}

// Timeout returns the current TTL
func (c *FileCache) Timeout() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.timeout
}

// SetTimeout replaces the TTL at runtime
func (c *FileCache) SetTimeout(timeoutSec int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.timeout = time.Duration(timeoutSec) * time.Second
}

// Dir returns the cache directory
func (c *FileCache) Dir() string {
	return c.dir
}

// Filename derives the content-addressed name for a source URL
func Filename(url, mediaKind string) string {
	sum := md5.Sum([]byte(url))
	ext := ""
	switch mediaKind {
	case "video":
		ext = ".mp4"
	case "image":
		ext = ".jpg"
	}
	return hex.EncodeToString(sum[:]) + ext
}

// Path returns the full path for a cached filename
func (c *FileCache) Path(filename string) string {
	return filepath.Join(c.dir, filename)
}

// Fetch returns the cached filename for url, downloading it first when
// absent or expired. Filesystem mtime stands in for insertion time.
func (c *FileCache) Fetch(ctx context.Context, url, mediaKind string) (string, error) {
	filename := Filename(url, mediaKind)
	path := c.Path(filename)

	if info, err := os.Stat(path); err == nil {
		age := time.Since(info.ModTime())
		if age < c.Timeout() {
			log.Printf("[CACHE] hit: %s", filename)
			metrics.CacheHits.Inc()
			return filename, nil
		}
		_ = os.Remove(path)
	}
	metrics.CacheMisses.Inc()

	data, err := c.download(ctx, url)
	if err != nil {
		metrics.CacheDownloadFailures.Inc()
		return "", err
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", err
	}
	log.Printf("[CACHE] stored %s (%d bytes)", filename, len(data))
	return filename, nil
}

// download walks the strategy chain. A forbidden response is retried
// with a short backoff up to forbiddenRetries before the chain counts
// as exhausted; other failures move straight to the next strategy.
func (c *FileCache) download(ctx context.Context, url string) ([]byte, error) {
	var lastErr error

	for attempt := 0; attempt < forbiddenRetries; attempt++ {
		forbidden := false

		for _, d := range c.downloaders {
			data, err := d.Fetch(ctx, url)
			if err == nil {
				return data, nil
			}
			lastErr = err
			if errors.Is(err, ErrForbidden) {
				log.Printf("[CACHE] %s: forbidden, attempt %d/%d", d.Name(), attempt+1, forbiddenRetries)
				forbidden = true
				break
			}
			log.Printf("[CACHE] %s failed: %v, trying next strategy", d.Name(), err)
		}

		if !forbidden {
			// Every strategy failed for non-forbidden reasons
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(forbiddenBackoff):
		}
	}

	return nil, fmt.Errorf("all download strategies exhausted: %w", lastErr)
}

// StartSweeper runs the TTL eviction loop until Stop is called
func (c *FileCache) StartSweeper() {
	go func() {
		ticker := time.NewTicker(sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-c.stop:
				return
			case <-ticker.C:
				c.sweep()
			}
		}
	}()
}

// Stop terminates the sweeper
func (c *FileCache) Stop() {
	c.stopOnce.Do(func() { close(c.stop) })
}

func (c *FileCache) sweep() {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		log.Printf("[CACHE] sweep failed: %v", err)
		return
	}

	timeout := c.Timeout()
	removed := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if time.Since(info.ModTime()) > timeout {
			if err := os.Remove(filepath.Join(c.dir, entry.Name())); err == nil {
				removed++
			}
		}
	}
	if removed > 0 {
		log.Printf("[CACHE] sweep removed %d expired files", removed)
	}
}

// Clear removes every cached file
func (c *FileCache) Clear() (int, error) {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if err := os.Remove(filepath.Join(c.dir, entry.Name())); err == nil {
			removed++
		}
	}
	return removed, nil
}
