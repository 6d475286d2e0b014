// Package source resolves a user-supplied source string to a local,
// readable path, honoring the allowRemoteSourceLoading policy. Remote
// fetches are staged through the engine's blob registration so their
// lifecycle (survive a recovery reset, removed on final teardown)
// matches every other engine-owned temporary file.
package source

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"path/filepath"
	"strings"

	"github.com/gdxviewer/query-server/internal/apierr"
	"github.com/gdxviewer/query-server/internal/engine"
)

// Resolver maps Sources to local paths.
type Resolver struct {
	allowRemote bool
	httpClient  *http.Client
	eng         engine.Engine
	logger      *slog.Logger
}

// New creates a Resolver. allowRemote gates whether http(s):// sources
// may be fetched at all; eng receives fetched bytes via RegisterBlob.
func New(allowRemote bool, eng engine.Engine, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Resolver{
		allowRemote: allowRemote,
		httpClient:  &http.Client{},
		eng:         eng,
		logger:      logger,
	}
}

// Resolve turns src into a local path. Local paths and file:// URIs
// never touch disk; http(s):// URLs are fetched and staged as an
// engine blob.
func (r *Resolver) Resolve(ctx context.Context, src string) (string, error) {
	switch {
	case strings.HasPrefix(src, "file://"):
		return stripFileScheme(src)
	case strings.HasPrefix(src, "http://"), strings.HasPrefix(src, "https://"):
		return r.fetchRemote(ctx, src)
	default:
		return src, nil
	}
}

func stripFileScheme(src string) (string, error) {
	u, err := url.Parse(src)
	if err != nil {
		return "", apierr.Wrap(apierr.InvalidInput, "invalid file:// source", err)
	}
	path := u.Path
	if path == "" {
		path = u.Opaque
	}
	return filepath.FromSlash(path), nil
}

func (r *Resolver) fetchRemote(ctx context.Context, src string) (string, error) {
	if !r.allowRemote {
		return "", apierr.New(apierr.InvalidInput, "Remote source loading is disabled; enable allowRemoteSourceLoading to open http(s):// sources")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src, nil)
	if err != nil {
		return "", apierr.Wrap(apierr.InvalidInput, "invalid remote source URL", err)
	}
	resp, err := r.httpClient.Do(req)
	if err != nil {
		return "", apierr.Wrap(apierr.TransientEngine, "failed to fetch remote source", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return "", apierr.New(apierr.TransientEngine, fmt.Sprintf("remote source returned status %d", resp.StatusCode))
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", apierr.Wrap(apierr.TransientEngine, "failed to read remote source body", err)
	}

	name := filepath.Base(src)
	if name == "" || name == "." || name == "/" {
		name = "remote.gdx"
	}
	path, err := r.eng.RegisterBlob(name, body)
	if err != nil {
		return "", apierr.Wrap(apierr.TransientEngine, "failed to stage remote source", err)
	}

	r.logger.Debug("staged remote source", "url", src, "path", path)
	return path, nil
}
