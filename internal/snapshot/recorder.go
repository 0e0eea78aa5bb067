package snapshot

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// DefaultMaxBodyBytes caps a single recorded body.
const DefaultMaxBodyBytes = 5 * 1024 * 1024

// OversizePolicy decides what happens to bodies over the cap.
type OversizePolicy int

const (
	// OversizeTruncate keeps the first MaxBodyBytes and marks the entry truncated.
	OversizeTruncate OversizePolicy = iota
	// OversizeDrop skips the exchange entirely.
	OversizeDrop
)

// Options configures a capture.
type Options struct {
	IncludeXHR   bool
	MaxBodyBytes int
	Oversize     OversizePolicy
	// Settle is how long Finish waits for late assets before closing.
	Settle time.Duration
}

func (o Options) withDefaults() Options {
	if o.MaxBodyBytes <= 0 {
		o.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if o.Settle < 0 {
		o.Settle = 0
	}
	return o
}

// Exchange is one observed request/response pair.
// BodyErr is set when the body could not be read.
type Exchange struct {
	Method       string
	URL          string
	Status       int
	StatusText   string
	Headers      map[string]string
	ResourceType string
	Body         []byte
	BodyErr      error
}

// Summary reports what a capture recorded.
type Summary struct {
	Key        string `json:"key"`
	Dir        string `json:"dir"`
	Entries    int    `json:"entries"`
	Duplicates int    `json:"duplicates"`
	Truncated  int    `json:"truncated"`
	Dropped    int    `json:"dropped"`
	Unreadable int    `json:"unreadable"`
}

// Recorder turns exchanges into artifacts and a manifest. It has no
// browser dependency and is safe for concurrent use.
type Recorder struct {
	store  *Store
	key    string
	opts   Options
	logger *slog.Logger

	mu       sync.Mutex
	entries  []Entry
	position map[string]int
	keyLocks map[string]*sync.Mutex
	summary  Summary
	finished bool
}

// NewRecorder prepares the snapshot directory for key. It fails with
// ErrManifestExists when key already holds a snapshot.
func NewRecorder(store *Store, key string, opts Options, logger *slog.Logger) (*Recorder, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := store.prepare(key); err != nil {
		return nil, err
	}

	return &Recorder{
		store:    store,
		key:      key,
		opts:     opts.withDefaults(),
		logger:   logger,
		position: make(map[string]int),
		keyLocks: make(map[string]*sync.Mutex),
		summary:  Summary{Key: key, Dir: store.Dir(key)},
	}, nil
}

// Options returns the effective capture options.
func (r *Recorder) Options() Options {
	return r.opts
}

// Record persists one exchange. Filtered, unreadable and dropped exchanges
// are skipped without error.
func (r *Recorder) Record(ex Exchange) error {
	if !shouldCapture(ex.ResourceType, r.opts.IncludeXHR) {
		return nil
	}

	r.mu.Lock()
	if r.finished {
		r.mu.Unlock()
		return ErrFinished
	}
	r.mu.Unlock()

	if ex.BodyErr != nil {
		r.mu.Lock()
		r.summary.Unreadable++
		r.mu.Unlock()
		r.logger.Debug("snapshot: body unreadable, skipping", "url", ex.URL, "error", ex.BodyErr)
		return nil
	}

	body := ex.Body
	truncated := false
	if len(body) > r.opts.MaxBodyBytes {
		if r.opts.Oversize == OversizeDrop {
			r.mu.Lock()
			r.summary.Dropped++
			r.mu.Unlock()
			r.logger.Debug("snapshot: body over limit, dropping", "url", ex.URL, "size", len(body))
			return nil
		}
		body = body[:r.opts.MaxBodyBytes]
		truncated = true
	}

	method := strings.ToUpper(ex.Method)
	file := ArtifactFile(method, ex.URL)

	// The artifact and its entry change together per request key.
	unlock := r.lockKey(RequestKey(method, ex.URL))
	defer unlock()

	if err := r.store.writeArtifact(r.key, file, body); err != nil {
		return err
	}

	entry := Entry{
		Method:       method,
		URL:          ex.URL,
		Status:       ex.Status,
		StatusText:   ex.StatusText,
		Headers:      ex.Headers,
		ResourceType: strings.ToLower(ex.ResourceType),
		ContentType:  headerValue(ex.Headers, "content-type"),
		File:         file,
		Truncated:    truncated,
	}
	if entry.Headers == nil {
		entry.Headers = map[string]string{}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if truncated {
		r.summary.Truncated++
	}
	if i, seen := r.position[entry.Key()]; seen {
		r.entries[i] = entry
		r.summary.Duplicates++
		r.logger.Debug("snapshot: duplicate request, keeping last response", "key", entry.Key())
		return nil
	}
	r.position[entry.Key()] = len(r.entries)
	r.entries = append(r.entries, entry)
	return nil
}

func (r *Recorder) lockKey(key string) func() {
	r.mu.Lock()
	l, ok := r.keyLocks[key]
	if !ok {
		l = &sync.Mutex{}
		r.keyLocks[key] = l
	}
	r.mu.Unlock()

	l.Lock()
	return l.Unlock
}

// Finish writes the state dump, cookie state and manifest. No exchange is
// accepted afterwards.
func (r *Recorder) Finish(rootURL string, state StateDump, cookies []Cookie) (*Summary, error) {
	r.mu.Lock()
	if r.finished {
		r.mu.Unlock()
		return nil, ErrFinished
	}
	r.finished = true
	entries := make([]Entry, len(r.entries))
	copy(entries, r.entries)
	summary := r.summary
	r.mu.Unlock()

	if state.LocalStorage == nil {
		state.LocalStorage = map[string]string{}
	}
	if state.SessionStorage == nil {
		state.SessionStorage = map[string]string{}
	}
	if cookies == nil {
		cookies = []Cookie{}
	}

	if err := r.store.writeJSON(r.key, stateFile, state); err != nil {
		return nil, err
	}
	if err := r.store.writeJSON(r.key, cookiesFile, cookies); err != nil {
		return nil, err
	}

	m := &Manifest{
		Version:    ManifestVersion,
		CapturedAt: time.Now().UTC(),
		RootURL:    rootURL,
		Entries:    entries,
	}
	if err := r.store.writeManifest(r.key, m); err != nil {
		return nil, err
	}

	summary.Entries = len(entries)
	r.logger.Info("snapshot: capture saved",
		"key", r.key,
		"entries", summary.Entries,
		"duplicates", summary.Duplicates,
		"truncated", summary.Truncated,
		"dropped", summary.Dropped)
	return &summary, nil
}

func headerValue(headers map[string]string, name string) string {
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}

func (s Summary) String() string {
	return fmt.Sprintf("%s: %d entries (%d duplicates, %d truncated, %d dropped, %d unreadable)",
		s.Key, s.Entries, s.Duplicates, s.Truncated, s.Dropped, s.Unreadable)
}
