package cache

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"golang.org/x/sync/errgroup"

	"swcache/internal/logger"
)

// Source tells where a cache-first response came from.
type Source string

const (
	SourceCache   Source = "hit"
	SourcePreload Source = "preload"
	SourceNetwork Source = "network"
)

// Deferrer accepts work that may finish after the response is returned.
// The host keeps the process alive until registered work completes.
type Deferrer interface {
	WaitUntil(fn func(ctx context.Context) error)
}

// Preloaded is a response the host started fetching before the handler
// ran. Wait returns (nil, nil) when the host decided not to preload.
type Preloaded interface {
	Wait(ctx context.Context) (*Entry, error)
}

const precacheConcurrency = 8

// Engine wraps a single named bucket.
type Engine struct {
	name    string
	storage Storage
	fetcher Fetcher
	log     *logger.Logger
	stats   *Stats

	mu     sync.Mutex
	bucket Bucket
}

type Option func(*Engine)

func WithLogger(l *logger.Logger) Option {
	return func(e *Engine) { e.log = l }
}

// New fails with ErrUnsupportedEnvironment when storage is nil.
func New(name string, storage Storage, fetcher Fetcher, opts ...Option) (*Engine, error) {
	if storage == nil {
		return nil, ErrUnsupportedEnvironment
	}
	if fetcher == nil {
		return nil, fmt.Errorf("cache %q: nil fetcher", name)
	}
	e := &Engine{
		name:    name,
		storage: storage,
		fetcher: fetcher,
		log:     logger.Discard(),
		stats:   newStats(),
	}
	for _, o := range opts {
		o(e)
	}
	e.log = e.log.With("cache", name)
	return e, nil
}

func (e *Engine) Name() string { return e.name }

func (e *Engine) Stats() *Stats { return e.stats }

// Init opens the bucket. It is safe to call repeatedly.
func (e *Engine) Init(ctx context.Context) error {
	_, err := e.open(ctx)
	return err
}

func (e *Engine) open(ctx context.Context) (Bucket, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.bucket != nil {
		return e.bucket, nil
	}
	b, err := e.storage.Open(ctx, e.name)
	if err != nil {
		return nil, fmt.Errorf("%w: open %q: %w", ErrStorageUnavailable, e.name, err)
	}
	e.bucket = b
	return b, nil
}

// AddResourcesToCache fetches every URL and stores the responses. If any
// fetch fails or returns a non-2xx status nothing from the batch is stored.
func (e *Engine) AddResourcesToCache(ctx context.Context, urls []string) error {
	b, err := e.open(ctx)
	if err != nil {
		return err
	}

	urls = dedupe(urls)
	reqs := make([]*http.Request, len(urls))
	for i, u := range urls {
		r, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return fmt.Errorf("%w: %s: %w", ErrFetchFailed, u, err)
		}
		reqs[i] = r
	}

	ents := make([]*Entry, len(urls))
	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(precacheConcurrency)
	for i := range reqs {
		i := i
		eg.Go(func() error {
			ent, err := e.fetcher.Fetch(egCtx, reqs[i])
			if err != nil {
				return fmt.Errorf("%w: %s: %w", ErrFetchFailed, urls[i], err)
			}
			if !ent.OK() {
				return fmt.Errorf("%w: %s: status %d", ErrFetchFailed, urls[i], ent.Status)
			}
			ents[i] = ent
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return err
	}

	for i, r := range reqs {
		if err := b.Put(ctx, Key(r), ents[i]); err != nil {
			return fmt.Errorf("%w: put %s: %w", ErrStorageUnavailable, urls[i], err)
		}
		e.stats.stores.Add(1)
	}
	e.log.Debug("precached", "count", len(reqs))
	return nil
}

// PutInCache stores ent under r. Only GET requests can be stored.
func (e *Engine) PutInCache(ctx context.Context, r *http.Request, ent *Entry) error {
	if !cacheable(r) {
		return fmt.Errorf("%w: %s %s", ErrNotCacheable, r.Method, r.URL)
	}
	return e.put(ctx, Key(r), ent)
}

// cacheable reports whether r may be looked up in or written to a bucket.
func cacheable(r *http.Request) bool {
	return r.Method == "" || r.Method == http.MethodGet
}

func (e *Engine) put(ctx context.Context, key string, ent *Entry) error {
	b, err := e.open(ctx)
	if err != nil {
		return err
	}
	if err := b.Put(ctx, key, ent); err != nil {
		return fmt.Errorf("%w: put %s: %w", ErrStorageUnavailable, key, err)
	}
	e.stats.stores.Add(1)
	e.log.Trace("stored", "key", key, "status", ent.Status, "bytes", len(ent.Body))
	return nil
}

// GetFromCache returns (nil, false, nil) when nothing is stored for r,
// which is always the case for methods other than GET.
func (e *Engine) GetFromCache(ctx context.Context, r *http.Request) (*Entry, bool, error) {
	if !cacheable(r) {
		return nil, false, nil
	}
	b, err := e.open(ctx)
	if err != nil {
		return nil, false, err
	}
	ent, ok, err := b.Match(ctx, Key(r))
	if err != nil {
		return nil, false, fmt.Errorf("%w: match: %w", ErrStorageUnavailable, err)
	}
	return ent, ok, nil
}

// FetchAndCache fetches r from the network and stores a copy of a 2xx
// response to a GET. The store goes through d when given, inline
// otherwise; it is best-effort either way.
func (e *Engine) FetchAndCache(ctx context.Context, r *http.Request, d Deferrer) (*Entry, error) {
	ent, err := e.fetcher.Fetch(ctx, r)
	if err != nil {
		return nil, asNetworkError(err)
	}
	if ent.OK() && cacheable(r) {
		e.store(ctx, Key(r), ent, d)
	}
	return ent, nil
}

func (e *Engine) store(ctx context.Context, key string, ent *Entry, d Deferrer) {
	clone := ent.Clone()
	if d == nil {
		if err := e.put(ctx, key, clone); err != nil {
			e.log.Warn("store failed", "key", key, "err", err)
		}
		return
	}
	d.WaitUntil(func(ctx context.Context) error {
		return e.put(ctx, key, clone)
	})
}

// CacheFirst answers from the bucket when it can, then from the preloaded
// response, then from the network. Requests other than GET always go to the
// network and are never stored.
func (e *Engine) CacheFirst(ctx context.Context, r *http.Request, preload Preloaded, d Deferrer) (*Entry, Source, error) {
	key := Key(r)
	if !cacheable(r) {
		e.log.Trace("not cacheable, fetching", "key", key)
		ent, err := e.fetcher.Fetch(ctx, r)
		if err != nil {
			return nil, SourceNetwork, asNetworkError(err)
		}
		e.stats.observe(SourceNetwork, len(ent.Body))
		return ent, SourceNetwork, nil
	}

	ent, ok, err := e.GetFromCache(ctx, r)
	if err != nil {
		// A broken bucket degrades to a plain network request.
		e.log.Warn("cache lookup failed", "key", key, "err", err)
	} else if ok {
		e.log.Trace("cache hit", "key", key)
		e.stats.observe(SourceCache, len(ent.Body))
		return ent, SourceCache, nil
	}

	if preload != nil {
		pre, err := preload.Wait(ctx)
		switch {
		case err != nil:
			e.log.Debug("preload failed, fetching", "key", key, "err", err)
		case pre != nil:
			e.log.Trace("using preloaded response", "key", key)
			if pre.OK() {
				e.store(ctx, key, pre, d)
			}
			e.stats.observe(SourcePreload, len(pre.Body))
			return pre, SourcePreload, nil
		}
	}

	e.log.Trace("cache miss", "key", key)
	ent, err = e.FetchAndCache(ctx, r, d)
	if err != nil {
		return nil, SourceNetwork, err
	}
	e.stats.observe(SourceNetwork, len(ent.Body))
	return ent, SourceNetwork, nil
}

// ClearCache deletes every key in the bucket. Deleting a key that is
// already gone is a no-op, so a failed clear can be retried.
func (e *Engine) ClearCache(ctx context.Context) error {
	b, err := e.open(ctx)
	if err != nil {
		return err
	}
	keys, err := b.Keys(ctx)
	if err != nil {
		return fmt.Errorf("%w: keys: %w", ErrStorageUnavailable, err)
	}
	for _, k := range keys {
		if err := b.Delete(ctx, k); err != nil {
			return fmt.Errorf("%w: delete %s: %w", ErrStorageUnavailable, k, err)
		}
	}
	e.log.Debug("cache cleared", "keys", len(keys))
	return nil
}

func (e *Engine) Keys(ctx context.Context) ([]string, error) {
	b, err := e.open(ctx)
	if err != nil {
		return nil, err
	}
	return b.Keys(ctx)
}

func dedupe(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
