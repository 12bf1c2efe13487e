package locale

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/rohit-iwnl/EchoMind/internal/observability"
	"github.com/rohit-iwnl/EchoMind/internal/resilience"
)

// StaticCatalog describes a hosted recognizer: every supported locale is
// always installed and allocated.
type StaticCatalog struct {
	locales []string
}

// NewStaticCatalog creates a catalog over a fixed locale list
func NewStaticCatalog(locales []string) *StaticCatalog {
	return &StaticCatalog{locales: normalizeSet(locales)}
}

func (c *StaticCatalog) Supported(context.Context) ([]string, error) { return c.list(), nil }
func (c *StaticCatalog) Installed(context.Context) ([]string, error) { return c.list(), nil }
func (c *StaticCatalog) Allocated(context.Context) ([]string, error) { return c.list(), nil }

func (c *StaticCatalog) Install(_ context.Context, locale string, progress func(float64)) error {
	if !contains(c.locales, Normalize(locale)) {
		return fmt.Errorf("%w: %s", ErrLocaleNotSupported, locale)
	}
	if progress != nil {
		progress(1)
	}
	return nil
}

// Deallocate is a no-op; hosted models are not held locally
func (c *StaticCatalog) Deallocate(context.Context, string) error { return nil }

func (c *StaticCatalog) list() []string {
	out := make([]string, len(c.locales))
	copy(out, c.locales)
	return out
}

const (
	modelExt      = ".bin"
	allocationExt = ".allocated"
)

// DirectoryCatalog keeps locale models on disk. A locale is installed when
// <dir>/<locale>.bin exists and allocated when <dir>/<locale>.allocated exists.
type DirectoryCatalog struct {
	dir         string
	urlTemplate string
	supported   []string
	client      *http.Client
	retry       *resilience.RetryConfig
	logger      zerolog.Logger
}

// DirectoryCatalogOption configures a DirectoryCatalog
type DirectoryCatalogOption func(*DirectoryCatalog)

// WithHTTPClient overrides the download client
func WithHTTPClient(client *http.Client) DirectoryCatalogOption {
	return func(c *DirectoryCatalog) { c.client = client }
}

// WithRetry overrides the download retry policy
func WithRetry(cfg *resilience.RetryConfig) DirectoryCatalogOption {
	return func(c *DirectoryCatalog) { c.retry = cfg }
}

// NewDirectoryCatalog creates a catalog rooted at dir. urlTemplate must contain
// "{locale}", which is replaced by the normalized locale on download.
func NewDirectoryCatalog(dir, urlTemplate string, supported []string, opts ...DirectoryCatalogOption) *DirectoryCatalog {
	c := &DirectoryCatalog{
		dir:         dir,
		urlTemplate: urlTemplate,
		supported:   normalizeSet(supported),
		client:      &http.Client{Timeout: 10 * time.Minute},
		retry: &resilience.RetryConfig{
			MaxAttempts:       3,
			InitialBackoff:    500 * time.Millisecond,
			MaxBackoff:        5 * time.Second,
			BackoffMultiplier: 2.0,
			Jitter:            true,
		},
		logger: observability.Component("locale_catalog"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ModelPath returns where the model of locale lives
func (c *DirectoryCatalog) ModelPath(locale string) string {
	return filepath.Join(c.dir, Normalize(locale)+modelExt)
}

func (c *DirectoryCatalog) markerPath(locale string) string {
	return filepath.Join(c.dir, Normalize(locale)+allocationExt)
}

func (c *DirectoryCatalog) Supported(context.Context) ([]string, error) {
	out := make([]string, len(c.supported))
	copy(out, c.supported)
	return out, nil
}

func (c *DirectoryCatalog) Installed(context.Context) ([]string, error) {
	return c.filter(c.ModelPath)
}

func (c *DirectoryCatalog) Allocated(context.Context) ([]string, error) {
	installed, err := c.filter(c.ModelPath)
	if err != nil {
		return nil, err
	}
	out := installed[:0]
	for _, tag := range installed {
		ok, err := exists(c.markerPath(tag))
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, tag)
		}
	}
	return out, nil
}

func (c *DirectoryCatalog) filter(path func(string) string) ([]string, error) {
	out := make([]string, 0, len(c.supported))
	for _, tag := range c.supported {
		ok, err := exists(path(tag))
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, tag)
		}
	}
	return out, nil
}

// Install downloads the model when missing, then writes the allocation marker
func (c *DirectoryCatalog) Install(ctx context.Context, locale string, progress func(float64)) error {
	tag := Normalize(locale)
	if !contains(c.supported, tag) {
		return fmt.Errorf("%w: %s", ErrLocaleNotSupported, tag)
	}
	if progress == nil {
		progress = func(float64) {}
	}
	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return fmt.Errorf("create model dir: %w", err)
	}

	installed, err := exists(c.ModelPath(tag))
	if err != nil {
		return err
	}
	if !installed {
		err := resilience.RetryContext(ctx, func(ctx context.Context) error {
			return c.download(ctx, tag, progress)
		}, c.retry, resilience.IsRetryableNetworkError)
		if err != nil {
			return fmt.Errorf("download %s: %w", tag, err)
		}
	}

	if err := os.WriteFile(c.markerPath(tag), []byte(time.Now().UTC().Format(time.RFC3339)), 0o644); err != nil {
		return fmt.Errorf("allocate %s: %w", tag, err)
	}
	progress(1)
	return nil
}

func (c *DirectoryCatalog) download(ctx context.Context, tag string, progress func(float64)) error {
	if c.urlTemplate == "" {
		return errors.New("no model url configured")
	}
	url := strings.ReplaceAll(c.urlTemplate, "{locale}", tag)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return resilience.NewRetryableError(fmt.Errorf("failed to fetch model: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("model server returned status %d", resp.StatusCode)
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return resilience.NewRetryableError(err)
		}
		return err
	}

	tmp, err := os.CreateTemp(c.dir, tag+"-*.part")
	if err != nil {
		return fmt.Errorf("create temp model file: %w", err)
	}
	defer os.Remove(tmp.Name())

	counter := &progressWriter{total: resp.ContentLength, report: progress}
	if _, err := io.Copy(io.MultiWriter(tmp, counter), resp.Body); err != nil {
		tmp.Close()
		return resilience.NewRetryableError(fmt.Errorf("read model body: %w", err))
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close model file: %w", err)
	}
	if err := os.Rename(tmp.Name(), c.ModelPath(tag)); err != nil {
		return fmt.Errorf("store model file: %w", err)
	}

	c.logger.Info().Str("locale", tag).Int64("bytes", counter.written).Msg("Model downloaded")
	return nil
}

// Deallocate removes the allocation marker; the model file stays installed
func (c *DirectoryCatalog) Deallocate(_ context.Context, locale string) error {
	err := os.Remove(c.markerPath(locale))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// progressWriter reports downloaded bytes as a fraction of total. Unknown
// totals report nothing until the download completes.
type progressWriter struct {
	total   int64
	written int64
	report  func(float64)
}

func (w *progressWriter) Write(p []byte) (int, error) {
	w.written += int64(len(p))
	if w.total > 0 {
		// hold back the last bit for allocation
		w.report(0.99 * float64(w.written) / float64(w.total))
	}
	return len(p), nil
}

func exists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, err
}
