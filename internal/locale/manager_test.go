package locale

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeCatalog struct {
	mu         sync.Mutex
	supported  []string
	installed  []string
	allocated  []string
	installErr error
	release    chan struct{}
	installs   int
}

func (f *fakeCatalog) Supported(context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.supported...), nil
}

func (f *fakeCatalog) Installed(context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.installed...), nil
}

func (f *fakeCatalog) Allocated(context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.allocated...), nil
}

func (f *fakeCatalog) Install(ctx context.Context, locale string, progress func(float64)) error {
	f.mu.Lock()
	f.installs++
	release := f.release
	installErr := f.installErr
	f.mu.Unlock()

	progress(0.5)
	if release != nil {
		select {
		case <-release:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if installErr != nil {
		return installErr
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.installed = append(f.installed, locale)
	f.allocated = append(f.allocated, locale)
	return nil
}

func (f *fakeCatalog) Deallocate(_ context.Context, locale string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	kept := f.allocated[:0]
	for _, l := range f.allocated {
		if l != locale {
			kept = append(kept, l)
		}
	}
	f.allocated = kept
	return nil
}

func (f *fakeCatalog) installCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.installs
}

func TestNormalize(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"en_US", "en-US"},
		{"en-us", "en-US"},
		{" de-DE ", "de-DE"},
		{"fr", "fr"},
		{"", ""},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := Normalize(tt.in); got != tt.want {
				t.Errorf("Expected %q, got %q", tt.want, got)
			}
		})
	}
}

func TestManager_UnsupportedLocale(t *testing.T) {
	catalog := &fakeCatalog{
		supported: []string{"en-US", "fr-FR"},
		installed: []string{"en-US"},
		allocated: []string{"en-US"},
	}
	m := NewManager(catalog)
	ctx := context.Background()

	err := m.EnsureReady(ctx, "xx-YY")
	if !errors.Is(err, ErrLocaleNotSupported) {
		t.Fatalf("Expected ErrLocaleNotSupported, got %v", err)
	}
	if catalog.installCount() != 0 {
		t.Errorf("Expected no installation attempt, got %d", catalog.installCount())
	}

	available, err := m.AvailableForDownload(ctx)
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if len(available) != 1 || available[0] != "fr-FR" {
		t.Errorf("Expected [fr-FR] available for download, got %v", available)
	}

	if _, err := m.Download(ctx, "xx-YY"); !errors.Is(err, ErrLocaleNotSupported) {
		t.Errorf("Expected Download to reject unsupported locale, got %v", err)
	}
}

func TestManager_EnsureReadyInstalls(t *testing.T) {
	catalog := &fakeCatalog{supported: []string{"en-US", "fr-FR"}}
	m := NewManager(catalog)
	ctx := context.Background()

	ready, err := m.IsReady(ctx, "fr_FR")
	if err != nil || ready {
		t.Fatalf("Expected fr-FR not ready, got ready=%v err=%v", ready, err)
	}

	if err := m.EnsureReady(ctx, "fr_FR"); err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}

	ready, err = m.IsReady(ctx, "fr-FR")
	if err != nil || !ready {
		t.Errorf("Expected fr-FR ready after install, got ready=%v err=%v", ready, err)
	}
	progress, ok := m.Progress("fr-FR")
	if !ok || progress != 1 {
		t.Errorf("Expected progress 1, got %v (ok=%v)", progress, ok)
	}

	// already ready: no new installation
	if err := m.EnsureReady(ctx, "fr-FR"); err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if catalog.installCount() != 1 {
		t.Errorf("Expected 1 installation, got %d", catalog.installCount())
	}
}

func TestManager_EnsureReadyFailure(t *testing.T) {
	catalog := &fakeCatalog{
		supported:  []string{"fr-FR"},
		installErr: errors.New("disk full"),
	}
	m := NewManager(catalog)

	err := m.EnsureReady(context.Background(), "fr-FR")
	if !errors.Is(err, ErrInstallationFailed) {
		t.Errorf("Expected ErrInstallationFailed, got %v", err)
	}
}

func TestManager_DownloadJoinsInFlight(t *testing.T) {
	release := make(chan struct{})
	catalog := &fakeCatalog{supported: []string{"fr-FR"}, release: release}
	m := NewManager(catalog)
	ctx := context.Background()

	first, err := m.Download(ctx, "fr-FR")
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	second, err := m.Download(ctx, "fr_FR")
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if first != second {
		t.Error("Expected the in-flight installation to be joined")
	}

	close(release)
	waitCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := first.Wait(waitCtx); err != nil {
		t.Fatalf("Expected installation to succeed, got %v", err)
	}
	if catalog.installCount() != 1 {
		t.Errorf("Expected 1 installation, got %d", catalog.installCount())
	}
	if first.Progress() != 1 {
		t.Errorf("Expected progress 1, got %v", first.Progress())
	}
}

func TestManager_CancelStopsWaitNotInstall(t *testing.T) {
	release := make(chan struct{})
	catalog := &fakeCatalog{supported: []string{"fr-FR"}, release: release}
	m := NewManager(catalog)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	err := m.EnsureReady(ctx, "fr-FR")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Expected context.Canceled, got %v", err)
	}

	inst, ok := m.Installation("fr-FR")
	if !ok {
		t.Fatal("Expected an installation to be tracked")
	}
	if inst.Finished() {
		t.Fatal("Expected installation to keep running after the caller gave up")
	}

	close(release)
	waitCtx, stop := context.WithTimeout(context.Background(), 2*time.Second)
	defer stop()
	if err := inst.Wait(waitCtx); err != nil {
		t.Fatalf("Expected installation to succeed, got %v", err)
	}
	ready, _ := m.IsReady(context.Background(), "fr-FR")
	if !ready {
		t.Error("Expected fr-FR ready once the installation completed")
	}
}

func TestManager_CancelInstallation(t *testing.T) {
	catalog := &fakeCatalog{supported: []string{"fr-FR"}, release: make(chan struct{})}
	m := NewManager(catalog)

	inst, err := m.Download(context.Background(), "fr-FR")
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	inst.Cancel()

	waitCtx, stop := context.WithTimeout(context.Background(), 2*time.Second)
	defer stop()
	if err := inst.Wait(waitCtx); !errors.Is(err, context.Canceled) {
		t.Errorf("Expected cancelled installation, got %v", err)
	}
}

func TestManager_AssetInvariants(t *testing.T) {
	catalog := &fakeCatalog{
		supported: []string{"en-US"},
		installed: []string{"de-DE"},
		allocated: []string{"en-US", "de-DE"},
	}
	m := NewManager(catalog)
	ctx := context.Background()

	de, err := m.Asset(ctx, "de-DE")
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if de.Supported || de.Installed || de.Allocated {
		t.Errorf("Expected unsupported locale to be neither installed nor allocated, got %+v", de)
	}

	en, err := m.Asset(ctx, "en-US")
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if !en.Supported || en.Installed || en.Allocated {
		t.Errorf("Expected allocation to require installation, got %+v", en)
	}

	installed, err := m.InstalledLocales(ctx)
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if len(installed) != 0 {
		t.Errorf("Expected no installed supported locales, got %v", installed)
	}
}

func TestManager_Deallocate(t *testing.T) {
	catalog := &fakeCatalog{
		supported: []string{"en-US"},
		installed: []string{"en-US"},
		allocated: []string{"en-US"},
	}
	m := NewManager(catalog)
	ctx := context.Background()

	if err := m.Deallocate(ctx, "en_US"); err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}

	asset, err := m.Asset(ctx, "en-US")
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if !asset.Installed || asset.Allocated {
		t.Errorf("Expected installed but not allocated, got %+v", asset)
	}
}
