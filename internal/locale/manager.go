package locale

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/rohit-iwnl/EchoMind/internal/observability"
)

// Installation is a background download and allocation of one locale.
// It outlives the request that started it.
type Installation struct {
	locale   string
	progress atomic.Uint64
	done     chan struct{}
	err      error
	cancel   context.CancelFunc
}

func newInstallation(locale string, cancel context.CancelFunc) *Installation {
	return &Installation{
		locale: locale,
		done:   make(chan struct{}),
		cancel: cancel,
	}
}

// Locale returns the locale being installed
func (i *Installation) Locale() string { return i.locale }

// Progress returns the fraction completed in [0,1]
func (i *Installation) Progress() float64 {
	return math.Float64frombits(i.progress.Load())
}

// Done is closed when the installation finishes
func (i *Installation) Done() <-chan struct{} { return i.done }

// Err returns the installation outcome once Done is closed
func (i *Installation) Err() error {
	select {
	case <-i.done:
		return i.err
	default:
		return nil
	}
}

// Finished reports whether the installation has completed
func (i *Installation) Finished() bool {
	select {
	case <-i.done:
		return true
	default:
		return false
	}
}

// Cancel aborts the download
func (i *Installation) Cancel() {
	if i.cancel != nil {
		i.cancel()
	}
}

// Wait blocks until the installation finishes or ctx is done. Cancelling ctx
// stops waiting only; the installation keeps running.
func (i *Installation) Wait(ctx context.Context) error {
	select {
	case <-i.done:
		return i.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// setProgress keeps progress monotonic and within [0,1]
func (i *Installation) setProgress(p float64) {
	if math.IsNaN(p) {
		return
	}
	p = math.Max(0, math.Min(1, p))
	for {
		old := i.progress.Load()
		if p <= math.Float64frombits(old) {
			return
		}
		if i.progress.CompareAndSwap(old, math.Float64bits(p)) {
			observability.SetLocaleInstallProgress(i.locale, p)
			return
		}
	}
}

func (i *Installation) finish(err error) {
	if err == nil {
		i.setProgress(1)
	}
	i.err = err
	close(i.done)
}

// Manager answers locale readiness questions against a Catalog and drives
// installations. Asset state is read from the catalog on every call.
type Manager struct {
	catalog Catalog
	logger  zerolog.Logger

	mu       sync.Mutex
	installs map[string]*Installation
}

// NewManager creates a locale manager over catalog
func NewManager(catalog Catalog) *Manager {
	return &Manager{
		catalog:  catalog,
		logger:   observability.Component("locale"),
		installs: make(map[string]*Installation),
	}
}

// SupportedLocales returns the sorted set of locales the capability can recognize
func (m *Manager) SupportedLocales(ctx context.Context) ([]string, error) {
	supported, err := m.catalog.Supported(ctx)
	if err != nil {
		return nil, fmt.Errorf("list supported locales: %w", err)
	}
	return normalizeSet(supported), nil
}

// InstalledLocales returns the installed locales that are also supported
func (m *Manager) InstalledLocales(ctx context.Context) ([]string, error) {
	supported, err := m.SupportedLocales(ctx)
	if err != nil {
		return nil, err
	}
	installed, err := m.catalog.Installed(ctx)
	if err != nil {
		return nil, fmt.Errorf("list installed locales: %w", err)
	}
	out := make([]string, 0, len(installed))
	for _, tag := range normalizeSet(installed) {
		if contains(supported, tag) {
			out = append(out, tag)
		}
	}
	return out, nil
}

// Asset assembles the current asset view of a locale
func (m *Manager) Asset(ctx context.Context, locale string) (Asset, error) {
	tag := Normalize(locale)
	asset := Asset{Locale: tag}

	supported, err := m.SupportedLocales(ctx)
	if err != nil {
		return asset, err
	}
	asset.Supported = contains(supported, tag)
	if !asset.Supported {
		return asset, nil
	}

	installed, err := m.catalog.Installed(ctx)
	if err != nil {
		return asset, fmt.Errorf("list installed locales: %w", err)
	}
	asset.Installed = contains(normalizeSet(installed), tag)
	if !asset.Installed {
		return asset, nil
	}

	allocated, err := m.catalog.Allocated(ctx)
	if err != nil {
		return asset, fmt.Errorf("list allocated locales: %w", err)
	}
	asset.Allocated = contains(normalizeSet(allocated), tag)
	return asset, nil
}

// IsReady reports whether the locale is installed and allocated
func (m *Manager) IsReady(ctx context.Context, locale string) (bool, error) {
	asset, err := m.Asset(ctx, locale)
	if err != nil {
		return false, err
	}
	return asset.Ready(), nil
}

// EnsureReady installs and allocates the locale if needed and waits for it
func (m *Manager) EnsureReady(ctx context.Context, locale string) error {
	asset, err := m.Asset(ctx, locale)
	if err != nil {
		return err
	}
	if asset.Ready() {
		return nil
	}
	if !asset.Supported {
		return fmt.Errorf("%w: %s", ErrLocaleNotSupported, asset.Locale)
	}

	inst, err := m.Download(ctx, asset.Locale)
	if err != nil {
		return err
	}
	if err := inst.Wait(ctx); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
			return err
		}
		return fmt.Errorf("%w: %s: %v", ErrInstallationFailed, asset.Locale, err)
	}

	ready, err := m.IsReady(ctx, asset.Locale)
	if err != nil {
		return err
	}
	if !ready {
		return fmt.Errorf("%w: %s: not allocated after install", ErrInstallationFailed, asset.Locale)
	}
	return nil
}

// AvailableForDownload lists supported locales that are not installed
func (m *Manager) AvailableForDownload(ctx context.Context) ([]string, error) {
	supported, err := m.SupportedLocales(ctx)
	if err != nil {
		return nil, err
	}
	installed, err := m.catalog.Installed(ctx)
	if err != nil {
		return nil, fmt.Errorf("list installed locales: %w", err)
	}
	have := normalizeSet(installed)

	out := make([]string, 0, len(supported))
	for _, tag := range supported {
		if !contains(have, tag) {
			out = append(out, tag)
		}
	}
	return out, nil
}

// Download starts a background installation of locale, or joins the one
// already running. A finished installation is never reused.
func (m *Manager) Download(ctx context.Context, locale string) (*Installation, error) {
	tag := Normalize(locale)
	supported, err := m.SupportedLocales(ctx)
	if err != nil {
		return nil, err
	}
	if !contains(supported, tag) {
		return nil, fmt.Errorf("%w: %s", ErrLocaleNotSupported, tag)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if inst, ok := m.installs[tag]; ok && !inst.Finished() {
		return inst, nil
	}

	installCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	inst := newInstallation(tag, cancel)
	m.installs[tag] = inst
	go m.install(installCtx, inst)
	return inst, nil
}

func (m *Manager) install(ctx context.Context, inst *Installation) {
	ctx, span := observability.Tracer("locale").Start(ctx, "locale.install")
	span.SetAttributes(attribute.String("locale", inst.locale))
	defer span.End()
	defer inst.cancel()

	m.logger.Info().Str("locale", inst.locale).Msg("Installing locale assets")

	err := m.catalog.Install(ctx, inst.locale, inst.setProgress)
	switch {
	case err == nil:
		observability.RecordLocaleInstall("success")
		m.logger.Info().Str("locale", inst.locale).Msg("Locale installed")
	case errors.Is(err, context.Canceled):
		observability.RecordLocaleInstall("cancelled")
		m.logger.Warn().Str("locale", inst.locale).Msg("Locale installation cancelled")
	default:
		observability.RecordLocaleInstall("failed")
		observability.RecordError("install_failed", "locale")
		m.logger.Error().Err(err).Str("locale", inst.locale).Msg("Locale installation failed")
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	inst.finish(err)
}

// Progress returns the progress of the most recent installation of locale
func (m *Manager) Progress(locale string) (float64, bool) {
	m.mu.Lock()
	inst, ok := m.installs[Normalize(locale)]
	m.mu.Unlock()
	if !ok {
		return 0, false
	}
	return inst.Progress(), true
}

// Installation returns the most recent installation of locale, if any
func (m *Manager) Installation(locale string) (*Installation, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, ok := m.installs[Normalize(locale)]
	return inst, ok
}

// Deallocate releases the locale's assets without uninstalling them
func (m *Manager) Deallocate(ctx context.Context, locale string) error {
	tag := Normalize(locale)
	if err := m.catalog.Deallocate(ctx, tag); err != nil {
		return fmt.Errorf("deallocate %s: %w", tag, err)
	}
	m.logger.Info().Str("locale", tag).Msg("Locale deallocated")
	return nil
}
