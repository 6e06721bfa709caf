package host

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	platformerrors "github.com/jmgilman/go/errors"

	"swcache/internal/cache"
	"swcache/internal/logger"
	"swcache/internal/worker"
)

type Config struct {
	// Origin is the upstream every intercepted request is sent to.
	Origin         string
	InstallRetries int
	InstallBackoff time.Duration
	// MaxBackground bounds concurrently running deferred obligations.
	MaxBackground    int
	MaxNotifications int
	PortBuffer       int
	StatsEvery       time.Duration
}

// Runtime hosts one worker: it drives install and activate, turns HTTP
// requests into events and keeps deferred work alive until it completes.
type Runtime struct {
	cfg     Config
	fetcher cache.Fetcher
	log     *logger.Logger

	w atomic.Pointer[worker.Worker]

	preload     atomic.Bool
	claimed     atomic.Bool
	skipWaiting atomic.Bool

	bgSem  chan struct{}
	bg     sync.WaitGroup
	loops  sync.WaitGroup
	stopCh chan struct{}
	once   sync.Once

	mu            sync.Mutex
	notifications []worker.Notification
	ports         map[string]*queuePort
}

func New(cfg Config, fetcher cache.Fetcher, log *logger.Logger) *Runtime {
	if log == nil {
		log = logger.Discard()
	}
	if cfg.MaxBackground <= 0 {
		cfg.MaxBackground = 32
	}
	if cfg.MaxNotifications <= 0 {
		cfg.MaxNotifications = 100
	}
	if cfg.PortBuffer <= 0 {
		cfg.PortBuffer = 64
	}
	if cfg.InstallBackoff <= 0 {
		cfg.InstallBackoff = time.Second
	}
	cfg.Origin = strings.TrimRight(cfg.Origin, "/")
	return &Runtime{
		cfg:     cfg,
		fetcher: fetcher,
		log:     log.With("component", "host"),
		bgSem:   make(chan struct{}, cfg.MaxBackground),
		stopCh:  make(chan struct{}),
		ports:   map[string]*queuePort{},
	}
}

// Start installs and activates w. A retryable install failure is retried
// up to InstallRetries more times; a worker that never installs is not
// activated.
func (rt *Runtime) Start(ctx context.Context, w *worker.Worker) error {
	rt.w.Store(w)

	var err error
	backoff := rt.cfg.InstallBackoff
	for attempt := 0; attempt <= rt.cfg.InstallRetries; attempt++ {
		if attempt > 0 {
			if !platformerrors.IsRetryable(err) {
				break
			}
			rt.log.Warn("install failed, retrying", "attempt", attempt, "in", backoff, "err", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}
		if err = w.Dispatch(ctx, worker.NewInstallEvent(ctx)); err == nil {
			break
		}
	}
	if err != nil {
		return fmt.Errorf("install: %w", err)
	}

	if err := w.Dispatch(ctx, worker.NewActivateEvent(ctx)); err != nil {
		return fmt.Errorf("activate: %w", err)
	}

	if rt.cfg.StatsEvery > 0 {
		rt.loops.Add(1)
		go func() {
			defer rt.loops.Done()
			rt.statsLoop(rt.cfg.StatsEvery)
		}()
	}
	return nil
}

// Drain waits for all deferred work started so far.
func (rt *Runtime) Drain() {
	rt.bg.Wait()
}

// Close stops background loops and waits for deferred work to finish.
func (rt *Runtime) Close() {
	rt.once.Do(func() { close(rt.stopCh) })
	rt.loops.Wait()
	rt.bg.Wait()
}

func (rt *Runtime) worker() *worker.Worker {
	return rt.w.Load()
}

// spawn runs f in the background, at most MaxBackground at a time.
// Obligations are never dropped; they queue for a slot instead.
func (rt *Runtime) spawn(f func()) {
	rt.bg.Add(1)
	go func() {
		defer rt.bg.Done()
		rt.bgSem <- struct{}{}
		defer func() { <-rt.bgSem }()
		f()
	}()
}

type waiter interface {
	Wait(ctx context.Context) error
}

// settle logs the outcome of an event's obligations once they finish.
func (rt *Runtime) settle(kind worker.Kind, ev waiter) {
	rt.bg.Add(1)
	go func() {
		defer rt.bg.Done()
		if err := ev.Wait(context.Background()); err != nil {
			rt.log.Warn("deferred work failed", "event", kind, "err", err)
		}
	}()
}

// worker.Host

func (rt *Runtime) SkipWaiting(context.Context) error {
	// A single worker per process is activated as soon as it installs, so
	// there is never a second one waiting.
	if rt.skipWaiting.CompareAndSwap(false, true) {
		rt.log.Info("skip waiting requested")
	}
	return nil
}

func (rt *Runtime) ClaimClients(context.Context) error {
	rt.claimed.Store(true)
	rt.log.Debug("clients claimed")
	return nil
}

func (rt *Runtime) EnableNavigationPreload(context.Context) error {
	rt.preload.Store(true)
	rt.log.Debug("navigation preload enabled")
	return nil
}

func (rt *Runtime) ShowNotification(_ context.Context, n worker.Notification) error {
	if n.Title == "" {
		return errors.New("notification title is required")
	}
	rt.mu.Lock()
	rt.notifications = append(rt.notifications, n)
	if over := len(rt.notifications) - rt.cfg.MaxNotifications; over > 0 {
		rt.notifications = append([]worker.Notification(nil), rt.notifications[over:]...)
	}
	rt.mu.Unlock()
	rt.log.Info("notification", "title", n.Title, "tag", n.Tag)
	return nil
}

func (rt *Runtime) Notifications() []worker.Notification {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return append([]worker.Notification(nil), rt.notifications...)
}

func (rt *Runtime) statsLoop(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-rt.stopCh:
			return
		case <-t.C:
			w := rt.worker()
			ss := w.Cache().Stats().Snapshot()
			keys, err := w.Cache().Keys(context.Background())
			if err != nil {
				rt.log.Warn("stats: keys", "err", err)
			}
			args := []any{
				"keys", len(keys),
				"hits", ss.Hits,
				"preloads", ss.Preloads,
				"network", ss.Network,
				"resp_min", cache.FormatBytes(ss.MinRespBytes),
				"resp_avg", cache.FormatBytes(ss.AvgRespBytes),
				"resp_max", cache.FormatBytes(ss.MaxRespBytes),
			}
			if rss, ok := processRSS(); ok {
				args = append(args, "rss", cache.FormatBytes(rss))
			}
			rt.log.Info("stats", args...)
		}
	}
}

// queuePort buffers messages for one client until it polls for them.
type queuePort struct {
	ch chan any
}

var errPortFull = errors.New("port buffer full")

func (p *queuePort) PostMessage(msg any) error {
	select {
	case p.ch <- msg:
		return nil
	default:
		return errPortFull
	}
}

func (p *queuePort) drain() []any {
	out := []any{}
	for {
		select {
		case m := <-p.ch:
			out = append(out, m)
		default:
			return out
		}
	}
}

func (rt *Runtime) port(client string, create bool) *queuePort {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	p, ok := rt.ports[client]
	if !ok && create {
		p = &queuePort{ch: make(chan any, rt.cfg.PortBuffer)}
		rt.ports[client] = p
	}
	return p
}
