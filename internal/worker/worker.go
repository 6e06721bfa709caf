package worker

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	platformerrors "github.com/jmgilman/go/errors"

	"swcache/internal/cache"
	"swcache/internal/filter"
	"swcache/internal/logger"
)

var (
	ErrUnknownEvent = platformerrors.New(platformerrors.CodeInvalidInput, "unknown event")
	// ErrInvalidManifest fails install without a retry: the same manifest
	// will not parse the next time either.
	ErrInvalidManifest = platformerrors.New(platformerrors.CodeInvalidInput, "invalid precache manifest")
)

type State int32

const (
	StateParsed State = iota
	StateInstalling
	StateInstalled
	StateActivating
	StateActivated
)

func (s State) String() string {
	switch s {
	case StateParsed:
		return "parsed"
	case StateInstalling:
		return "installing"
	case StateInstalled:
		return "installed"
	case StateActivating:
		return "activating"
	case StateActivated:
		return "activated"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// Worker binds a Filter and a cache Engine to host lifecycle events. It only
// changes state in response to install and activate.
type Worker struct {
	id      string
	opts    Options
	scope   *url.URL
	host    Host
	fetcher cache.Fetcher
	log     *logger.Logger

	filter *filter.Filter
	cache  *cache.Engine

	state atomic.Int32

	mu    sync.Mutex
	ports map[string]Port
}

func New(opts Options, host Host, storage cache.Storage, fetcher cache.Fetcher, log *logger.Logger) (*Worker, error) {
	if host == nil {
		return nil, fmt.Errorf("worker: nil host")
	}
	if log == nil {
		log = logger.Discard()
	}
	if opts.CacheName == "" {
		return nil, fmt.Errorf("worker: cache name is required")
	}

	w := &Worker{
		id:      uuid.NewString(),
		opts:    opts,
		host:    host,
		fetcher: fetcher,
		ports:   map[string]Port{},
	}
	w.log = log.With("worker", w.id)
	if opts.Trace {
		w.log.SetTrace(true)
	}

	if opts.Scope != "" {
		u, err := url.Parse(opts.Scope)
		if err != nil {
			return nil, fmt.Errorf("worker: scope: %w", err)
		}
		w.scope = u
	}

	ce, err := cache.New(opts.CacheName, storage, fetcher, cache.WithLogger(w.log))
	if err != nil {
		return nil, err
	}
	w.cache = ce

	var fopts []filter.Option
	if w.scope != nil {
		fopts = append(fopts, filter.WithOrigin(w.scope))
	}
	w.filter = filter.New(w.log, fopts...)
	n := w.filter.RegisterAll(opts.Filters)
	w.log.Debug("filters registered", "count", n, "configured", len(opts.Filters))

	return w, nil
}

func (w *Worker) ID() string             { return w.id }
func (w *Worker) State() State           { return State(w.state.Load()) }
func (w *Worker) Filter() *filter.Filter { return w.filter }
func (w *Worker) Cache() *cache.Engine   { return w.cache }
func (w *Worker) Tracing() bool          { return w.log.Tracing() }

// Dispatch routes ev to its handler. Install and activate return once
// their obligations have settled; other events return as soon as the
// handler does and leave their obligations to the host.
func (w *Worker) Dispatch(ctx context.Context, ev Event) error {
	w.log.Trace("event", "kind", ev.Kind())
	switch e := ev.(type) {
	case *InstallEvent:
		return w.onInstall(ctx, e)
	case *ActivateEvent:
		return w.onActivate(ctx, e)
	case *FetchEvent:
		return w.guard(e.Kind(), func() error { return w.onFetch(e) })
	case *PushEvent:
		return w.guard(e.Kind(), func() error { return w.onPush(ctx, e) })
	case *SyncEvent:
		return w.guard(e.Kind(), func() error { return w.onSync(e) })
	case *MessageEvent:
		return w.guard(e.Kind(), func() error { return w.onMessage(ctx, e) })
	case *MessageErrorEvent:
		return w.guard(e.Kind(), func() error { return w.onMessageError(e) })
	case *NotificationClickEvent:
		return w.guard(e.Kind(), func() error { return w.onNotificationClick(ctx, e) })
	}
	return fmt.Errorf("%w: %T", ErrUnknownEvent, ev)
}

// guard keeps a failing handler from taking the worker down.
func (w *Worker) guard(kind Kind, fn func() error) error {
	err := runGuarded(fn)
	if err != nil {
		w.log.Warn("handler failed", "event", kind, "err", err)
		return fmt.Errorf("%s: %w", kind, err)
	}
	return nil
}
