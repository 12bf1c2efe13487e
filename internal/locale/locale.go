package locale

import (
	"context"
	"errors"
	"sort"
	"strings"

	"golang.org/x/text/language"
)

var (
	// ErrLocaleNotSupported means the recognition capability has no model for the locale
	ErrLocaleNotSupported = errors.New("locale not supported")
	// ErrInstallationFailed means downloading or allocating the locale's assets failed
	ErrInstallationFailed = errors.New("locale installation failed")
)

// Asset is a point-in-time view of a locale's recognition assets.
// Installed implies Supported and Allocated implies Installed.
type Asset struct {
	Locale    string `json:"locale"`
	Supported bool   `json:"supported"`
	Installed bool   `json:"installed"`
	Allocated bool   `json:"allocated"`
}

// Ready reports whether transcription can start for the locale
func (a Asset) Ready() bool {
	return a.Installed && a.Allocated
}

// Catalog is the external recognition capability that owns locale assets
type Catalog interface {
	Supported(ctx context.Context) ([]string, error)
	Installed(ctx context.Context) ([]string, error)
	Allocated(ctx context.Context) ([]string, error)
	// Install downloads and allocates the locale, reporting progress in [0,1]
	Install(ctx context.Context, locale string, progress func(float64)) error
	Deallocate(ctx context.Context, locale string) error
}

// Normalize converts a locale identifier to its BCP-47 form ("en_us" -> "en-US")
func Normalize(tag string) string {
	cleaned := strings.ReplaceAll(strings.TrimSpace(tag), "_", "-")
	if cleaned == "" {
		return ""
	}
	t, err := language.Parse(cleaned)
	if err != nil {
		return cleaned
	}
	return t.String()
}

// normalizeSet normalizes, de-duplicates and sorts locale identifiers
func normalizeSet(tags []string) []string {
	seen := make(map[string]struct{}, len(tags))
	out := make([]string, 0, len(tags))
	for _, tag := range tags {
		n := Normalize(tag)
		if n == "" {
			continue
		}
		if _, dup := seen[n]; dup {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

func contains(set []string, tag string) bool {
	i := sort.SearchStrings(set, tag)
	return i < len(set) && set[i] == tag
}
