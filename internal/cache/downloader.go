package cache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"strings"
	"time"

	"flow2api/internal/flow"
)

// ErrForbidden marks a download rejected by the media host. Forbidden
// responses get their own retry budget with a short backoff; any other
// failure just falls through to the next strategy.
var ErrForbidden = errors.New("download forbidden")

// Downloader is one strategy for fetching a media URL. Strategies are
// tried in order until one succeeds.
type Downloader interface {
	Name() string
	Fetch(ctx context.Context, url string) ([]byte, error)
}

const downloadUA = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

// BrowserDownloader is the primary strategy: an HTTP client presenting
// ordinary browser headers.
type BrowserDownloader struct {
	client *http.Client
}

// NewBrowserDownloader creates the primary HTTP strategy
func NewBrowserDownloader() *BrowserDownloader {
	return &BrowserDownloader{
		client: &http.Client{Timeout: 60 * time.Second},
	}
}

func (d *BrowserDownloader) Name() string { return "http" }

func (d *BrowserDownloader) Fetch(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", flow.IdentityFor("cache-download"))
	req.Header.Set("Accept", "*/*")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")
	req.Header.Set("Sec-Fetch-Dest", "document")
	req.Header.Set("Sec-Fetch-Mode", "navigate")
	req.Header.Set("Sec-Fetch-Site", "none")

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusForbidden {
		return nil, ErrForbidden
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("http download: status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, errors.New("http download: empty body")
	}
	return data, nil
}

// ExecDownloader shells out to an external downloader tool (wget or
// curl) as a fallback when the HTTP strategy is blocked.
type ExecDownloader struct {
	tool string
}

// NewWgetDownloader creates the wget fallback strategy
func NewWgetDownloader() *ExecDownloader { return &ExecDownloader{tool: "wget"} }

// NewCurlDownloader creates the curl fallback strategy
func NewCurlDownloader() *ExecDownloader { return &ExecDownloader{tool: "curl"} }

func (d *ExecDownloader) Name() string { return d.tool }

func (d *ExecDownloader) Fetch(ctx context.Context, url string) ([]byte, error) {
	tmp, err := os.CreateTemp("", "flow2api-dl-*")
	if err != nil {
		return nil, err
	}
	tmpPath := tmp.Name()
	tmp.Close()
	defer os.Remove(tmpPath)

	var cmd *exec.Cmd
	switch d.tool {
	case "wget":
		cmd = exec.CommandContext(ctx, "wget",
			"-q",
			"-O", tmpPath,
			"--timeout=60",
			"--tries=3",
			"--user-agent="+downloadUA,
			"--header=Accept: */*",
			url,
		)
	case "curl":
		cmd = exec.CommandContext(ctx, "curl",
			"-L", "-s",
			"-o", tmpPath,
			"--max-time", "60",
			"-H", "Accept: */*",
			"-A", downloadUA,
			url,
		)
	default:
		return nil, fmt.Errorf("unknown downloader tool %q", d.tool)
	}

	var stderr strings.Builder
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := stderr.String()
		if strings.Contains(msg, "403") {
			return nil, ErrForbidden
		}
		return nil, fmt.Errorf("%s: %w: %s", d.tool, err, strings.TrimSpace(msg))
	}

	data, err := os.ReadFile(tmpPath)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("%s: downloaded file is empty", d.tool)
	}
	return data, nil
}
