// Package snapshot records the network exchanges of a live portal run and
// replays them deterministically without touching the network.
package snapshot

import (
	"errors"
	"fmt"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
)

// ManifestVersion is written into every manifest.
const ManifestVersion = "1.0"

var (
	ErrManifestExists   = errors.New("snapshot: manifest already exists")
	ErrManifestNotFound = errors.New("snapshot: manifest not found")
	ErrMissingArtifact  = errors.New("snapshot: artifact missing")
	ErrFinished         = errors.New("snapshot: capture already finished")
)

// Manifest is the index of a capture. It is immutable once written.
type Manifest struct {
	Version    string    `json:"version"`
	CapturedAt time.Time `json:"capturedAt"`
	RootURL    string    `json:"url"`
	Entries    []Entry   `json:"entries"`
	Notes      string    `json:"notes,omitempty"`
}

// Entry describes one recorded exchange. File is the artifact path
// relative to the snapshot directory.
type Entry struct {
	Method       string            `json:"method"`
	URL          string            `json:"url"`
	Status       int               `json:"status"`
	StatusText   string            `json:"statusText,omitempty"`
	Headers      map[string]string `json:"headers"`
	ResourceType string            `json:"resourceType"`
	ContentType  string            `json:"contentType,omitempty"`
	File         string            `json:"file"`
	Truncated    bool              `json:"truncated,omitempty"`
}

// Key is the replay lookup key of the entry.
func (e Entry) Key() string {
	return RequestKey(e.Method, e.URL)
}

// RequestKey builds the "METHOD URL" lookup key. The URL is canonicalized
// so captured CDP URLs and intercepted request URLs agree.
func RequestKey(method, rawURL string) string {
	return strings.ToUpper(method) + " " + CanonicalURL(rawURL)
}

// CanonicalURL lowercases scheme and host, drops the fragment and
// re-serializes through net/url. Unparseable input is returned unchanged.
func CanonicalURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""
	u.RawFragment = ""
	return u.String()
}

// ArtifactFile returns the content-derived artifact path for a request.
func ArtifactFile(method, rawURL string) string {
	return path.Join("assets", fmt.Sprintf("%016x.bin", xxhash.Sum64String(RequestKey(method, rawURL))))
}

// StateDump holds both web storage scopes of a page.
type StateDump struct {
	LocalStorage   map[string]string `json:"localStorage"`
	SessionStorage map[string]string `json:"sessionStorage"`
}

// Cookie is one entry of the captured cookie state.
type Cookie struct {
	Name     string  `json:"name"`
	Value    string  `json:"value"`
	Domain   string  `json:"domain"`
	Path     string  `json:"path"`
	Expires  float64 `json:"expires"` // Unix seconds, -1 for session cookies
	HTTPOnly bool    `json:"httpOnly"`
	Secure   bool    `json:"secure"`
	SameSite string  `json:"sameSite,omitempty"`
}

// Resource types as reported by the browser, lowercased.
const (
	ResourceDocument   = "document"
	ResourceStylesheet = "stylesheet"
	ResourceScript     = "script"
	ResourceImage      = "image"
	ResourceFont       = "font"
	ResourceXHR        = "xhr"
	ResourceFetch      = "fetch"
)

// shouldCapture reports whether exchanges of resourceType are recorded.
func shouldCapture(resourceType string, includeXHR bool) bool {
	switch strings.ToLower(resourceType) {
	case ResourceDocument, ResourceStylesheet, ResourceScript, ResourceImage, ResourceFont:
		return true
	case ResourceXHR, ResourceFetch:
		return includeXHR
	default:
		return false
	}
}
