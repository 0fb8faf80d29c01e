package quota

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"tools.zach/dev/bumpmate/internal/atomicfile"
	"tools.zach/dev/bumpmate/internal/migrate"
	"tools.zach/dev/bumpmate/internal/paths"
	"tools.zach/dev/bumpmate/internal/remote"
)

// ///////////////////////////////////////////////
// Sentinel Errors
// ///////////////////////////////////////////////

// ErrNoRecord is returned when the store holds no balance for a user.
var ErrNoRecord = errors.New("no balance record")

// ErrStale marks a balance served from the local cache because the primary
// source failed. The returned value is still usable.
var ErrStale = errors.New("balance served from cache")

// Store is the durable home of a user's token balance.
type Store interface {
	ReadBalance(ctx context.Context, uid string) (int64, error)
	WriteBalance(ctx context.Context, uid string, balance int64) error
}

// ///////////////////////////////////////////////
// FileStore
// ///////////////////////////////////////////////

// balanceFile is the on-disk schema of the balance cache.
type balanceFile struct {
	Version  int              `json:"$version"`
	Balances map[string]int64 `json:"balances"`
}

// FileStore keeps balances in a single JSON document keyed by user id. It
// doubles as the offline cache for [RemoteStore] and is the file the
// balance watcher observes for external resets.
type FileStore struct {
	path string
	// mu serializes read-modify-write cycles within this process.
	mu sync.Mutex
}

// NewFileStore returns a store backed by the JSON file at path.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Path returns the backing file path.
func (s *FileStore) Path() string { return s.path }

// ReadBalance returns the stored balance for uid.
func (s *FileStore) ReadBalance(_ context.Context, uid string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.load()
	if err != nil {
		return 0, err
	}
	b, ok := doc.Balances[uid]
	if !ok {
		return 0, fmt.Errorf("%w for %q", ErrNoRecord, uid)
	}
	return b, nil
}

// WriteBalance stores balance for uid, leaving other users untouched.
func (s *FileStore) WriteBalance(_ context.Context, uid string, balance int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.load()
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("balance cache unreadable, rewriting", "path", s.path, "error", err)
	}
	if doc == nil || doc.Balances == nil {
		doc = &balanceFile{Balances: map[string]int64{}}
	}
	doc.Version = migrate.Balances.CurrentVersion
	doc.Balances[uid] = balance
	return atomicfile.WriteJSON(s.path, doc, 0o600)
}

// load reads and migrates the balance document. The caller must hold s.mu.
// A missing file yields an empty document and an error wrapping both
// [ErrNoRecord] and [os.ErrNotExist].
func (s *FileStore) load() (*balanceFile, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return &balanceFile{Balances: map[string]int64{}}, fmt.Errorf("%w: %w", ErrNoRecord, err)
		}
		return nil, fmt.Errorf("read balance cache: %w", err)
	}

	var peek struct {
		Version int `json:"$version"`
	}
	_ = json.Unmarshal(data, &peek)
	if peek.Version == 0 {
		peek.Version = 1
	}
	if migrate.Balances.Stale(peek.Version) {
		data, _, err = migrate.Balances.Run(data, peek.Version)
		if err != nil {
			return nil, fmt.Errorf("migrate balance cache: %w", err)
		}
	}

	var doc balanceFile
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse balance cache: %w", err)
	}
	if doc.Balances == nil {
		doc.Balances = map[string]int64{}
	}
	return &doc, nil
}

// ///////////////////////////////////////////////
// RemoteStore
// ///////////////////////////////////////////////

// RemoteOptions tunes the HTTP client behind a [RemoteStore].
type RemoteOptions struct {
	// RetryMax is the number of retries after the first attempt.
	RetryMax int
	// Timeout bounds each HTTP attempt.
	Timeout time.Duration
	// Cache, when set, mirrors every successful read and write and serves
	// reads when the server is unreachable.
	Cache *FileStore
}

// tokensDoc is the worker's balance payload.
type tokensDoc struct {
	TaskTokens int64 `json:"taskTokens"`
}

// RemoteStore reads and writes the balance record through the worker API.
type RemoteStore struct {
	base   string
	client *retryablehttp.Client
	cache  *FileStore
}

// NewRemoteStore creates a store talking to the worker at base.
func NewRemoteStore(base string, opts RemoteOptions) *RemoteStore {
	client := retryablehttp.NewClient()
	client.RetryMax = opts.RetryMax
	client.RetryWaitMin = 200 * time.Millisecond
	client.RetryWaitMax = 2 * time.Second
	if opts.Timeout > 0 {
		client.HTTPClient.Timeout = opts.Timeout
	}
	client.Logger = nil
	return &RemoteStore{base: base, client: client, cache: opts.Cache}
}

// ReadBalance fetches the balance from the worker. When the fetch fails and
// a cache is configured, the cached value is returned with an error
// wrapping [ErrStale].
func (s *RemoteStore) ReadBalance(ctx context.Context, uid string) (int64, error) {
	b, err := s.fetch(ctx, uid)
	if err == nil {
		if s.cache != nil {
			if cacheErr := s.cache.WriteBalance(ctx, uid, b); cacheErr != nil {
				slog.Warn("failed to write balance cache", "error", cacheErr)
			}
		}
		return b, nil
	}
	if s.cache == nil {
		return 0, err
	}
	slog.Warn("failed to fetch balance from server, trying cache", "error", err)

	cached, cacheErr := s.cache.ReadBalance(ctx, uid)
	if cacheErr != nil {
		return 0, fmt.Errorf("all balance sources failed: primary: %w; cache: %w", err, cacheErr)
	}
	return cached, fmt.Errorf("%w: primary fetch failed: %w", ErrStale, err)
}

// WriteBalance pushes balance to the worker. The cache is updated first so
// a failed push still leaves the decremented value mirrored locally.
func (s *RemoteStore) WriteBalance(ctx context.Context, uid string, balance int64) error {
	if s.cache != nil {
		if err := s.cache.WriteBalance(ctx, uid, balance); err != nil {
			slog.Warn("failed to write balance cache", "error", err)
		}
	}

	body, err := json.Marshal(tokensDoc{TaskTokens: balance})
	if err != nil {
		return fmt.Errorf("marshal balance: %w", err)
	}
	url := remote.Join(s.base, paths.Tokens(uid))
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build PUT %s: %w", url, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("PUT %s: %w", url, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("PUT %s: status %d", url, resp.StatusCode)
	}
	return nil
}

// fetch performs the GET against the worker.
func (s *RemoteStore) fetch(ctx context.Context, uid string) (int64, error) {
	const maxResponseBytes = 64 << 10

	url := remote.Join(s.base, paths.Tokens(uid))
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, fmt.Errorf("build GET %s: %w", url, err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("GET %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return 0, fmt.Errorf("GET %s: %w", url, ErrNoRecord)
	}
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("GET %s: status %d", url, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return 0, fmt.Errorf("reading response from %s: %w", url, err)
	}
	var doc tokensDoc
	if err := json.Unmarshal(body, &doc); err != nil {
		return 0, fmt.Errorf("parsing response from %s: %w", url, err)
	}
	return doc.TaskTokens, nil
}

// ///////////////////////////////////////////////
// Feed
// ///////////////////////////////////////////////

// Feed re-reads uid's balance every time trigger fires and calls apply
// whenever the value differs from the last one seen. Stale (cache-served)
// values are applied too. It returns when ctx is done or trigger closes.
func Feed(ctx context.Context, s Store, uid string, trigger <-chan struct{}, apply func(int64)) {
	last := int64(Unlimited - 1) // impossible value so the first read always applies
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-trigger:
			if !ok {
				return
			}
			b, err := s.ReadBalance(ctx, uid)
			if err != nil && !errors.Is(err, ErrStale) {
				slog.Debug("balance refresh failed", "uid", uid, "error", err)
				continue
			}
			if b == last {
				continue
			}
			last = b
			apply(b)
		}
	}
}
