// Package hub is a minimal REST client for a Hugging Face style model hub:
// a tree endpoint lists the files of a repository revision, a resolve
// endpoint serves raw file content.
package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	// DefaultEndpoint is the public hub.
	DefaultEndpoint = "https://huggingface.co"

	// EnvEndpoint overrides the hub endpoint, e.g. for a mirror.
	EnvEndpoint = "IDLE_NPU_HUB_ENDPOINT"

	// DefaultRevision is the branch downloaded when none is requested.
	DefaultRevision = "main"

	userAgent       = "idlenpu-fetch"
	manifestTimeout = 30 * time.Second
)

// FileInfo is one entry of a repository tree listing.
type FileInfo struct {
	Type string `json:"type"`
	Path string `json:"path"`
	Size int64  `json:"size"`
}

// Sink receives per-file progress callbacks during a snapshot download.
// Update deltas may be negative when a file transfer restarts.
type Sink interface {
	RegisterFile(name string, size int64)
	Update(delta int64)
	End()
}

// Client talks to one hub endpoint.
type Client struct {
	endpoint   string
	httpClient *http.Client
}

// NewClient returns a client for the given endpoint. An empty endpoint
// selects IDLE_NPU_HUB_ENDPOINT, falling back to the public default.
// The client carries no whole-request timeout: model files run to many
// gigabytes, so only the manifest request is deadline-bounded.
func NewClient(endpoint string) *Client {
	if endpoint == "" {
		endpoint = os.Getenv(EnvEndpoint)
	}
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	return &Client{
		endpoint:   strings.TrimRight(endpoint, "/"),
		httpClient: &http.Client{},
	}
}

// RepoDirName is the on-disk directory name for a repository id: its last
// path segment.
func RepoDirName(repoID string) string {
	name := strings.TrimSpace(repoID)
	if i := strings.LastIndex(name, "/"); i >= 0 {
		name = name[i+1:]
	}
	return strings.TrimSpace(name)
}

// Manifest lists the downloadable files of a repository revision.
// Directory entries are filtered out.
func (c *Client) Manifest(repoID, revision string) ([]FileInfo, error) {
	url := fmt.Sprintf("%s/api/models/%s/tree/%s?recursive=true", c.endpoint, repoID, revision)
	ctx, cancel := context.WithTimeout(context.Background(), manifestTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("model %s not found", repoID)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("hub API returned %d", resp.StatusCode)
	}

	var entries []FileInfo
	if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
		return nil, err
	}

	files := make([]FileInfo, 0, len(entries))
	for _, e := range entries {
		if e.Type != "file" {
			continue
		}
		files = append(files, e)
	}
	return files, nil
}

// Snapshot downloads every file of a repository revision under
// cacheDir/<repo name> and returns that directory. Files already present
// with a matching size are skipped. Per-file progress is reported through
// sink.
func (c *Client) Snapshot(repoID, revision, cacheDir string, sink Sink) (string, error) {
	files, err := c.Manifest(repoID, revision)
	if err != nil {
		return "", err
	}
	if len(files) == 0 {
		return "", fmt.Errorf("model %s has no files", repoID)
	}

	dir := filepath.Join(cacheDir, RepoDirName(repoID))
	for _, f := range files {
		dest := filepath.Join(dir, filepath.FromSlash(f.Path))
		if fi, serr := os.Stat(dest); serr == nil && fi.Size() == f.Size {
			continue
		}
		sink.RegisterFile(f.Path, f.Size)
		if err := c.fetchFile(repoID, revision, f.Path, dest, sink); err != nil {
			return "", fmt.Errorf("download %s: %w", f.Path, err)
		}
		sink.End()
	}
	return dir, nil
}

// fetchFile streams one file to dest. It writes through a .part file and
// renames on completion so a torn download never passes the size check.
func (c *Client) fetchFile(repoID, revision, path, dest string, sink Sink) error {
	url := fmt.Sprintf("%s/%s/resolve/%s/%s", c.endpoint, repoID, revision, path)
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("HTTP %d", resp.StatusCode)
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0o750); err != nil {
		return err
	}
	tmp := dest + ".part"
	out, err := os.Create(tmp)
	if err != nil {
		return err
	}

	buf := make([]byte, 32*1024)
	for {
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := out.Write(buf[:n]); werr != nil {
				out.Close()
				return werr
			}
			sink.Update(int64(n))
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			out.Close()
			return rerr
		}
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, dest)
}
