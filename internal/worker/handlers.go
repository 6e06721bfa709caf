package worker

import (
	"context"
	"fmt"

	"swcache/internal/cache"
)

func (w *Worker) onInstall(ctx context.Context, e *InstallEvent) error {
	w.state.Store(int32(StateInstalling))
	e.WaitUntil(w.precache)
	if err := e.Wait(ctx); err != nil {
		w.state.Store(int32(StateParsed))
		w.log.Error("install failed", "err", err)
		return fmt.Errorf("install: %w", err)
	}
	w.state.Store(int32(StateInstalled))
	w.log.Info("installed", "cache", w.opts.CacheName)
	return nil
}

func (w *Worker) precache(ctx context.Context) error {
	if err := w.cache.Init(ctx); err != nil {
		return err
	}

	var urls []string
	if w.opts.PreCacheURL != "" {
		m, err := w.loadManifest(ctx, w.opts.PreCacheURL)
		if err != nil {
			return err
		}
		urls = append(urls, m...)
	}
	for _, a := range w.opts.PrecachedAssets {
		urls = append(urls, w.resolve(a))
	}
	if len(urls) == 0 {
		return nil
	}
	if err := w.cache.AddResourcesToCache(ctx, urls); err != nil {
		return err
	}
	w.log.Info("precached", "assets", len(urls))
	return nil
}

func (w *Worker) onActivate(ctx context.Context, e *ActivateEvent) error {
	w.state.Store(int32(StateActivating))
	e.WaitUntil(func(ctx context.Context) error {
		if w.opts.Preload {
			if err := w.host.EnableNavigationPreload(ctx); err != nil {
				return fmt.Errorf("enable navigation preload: %w", err)
			}
		}
		return w.host.ClaimClients(ctx)
	})
	if err := e.Wait(ctx); err != nil {
		w.state.Store(int32(StateInstalled))
		w.log.Error("activate failed", "err", err)
		return fmt.Errorf("activate: %w", err)
	}
	w.state.Store(int32(StateActivated))
	w.log.Info("activated", "preload", w.opts.Preload)
	return nil
}

func (w *Worker) onFetch(e *FetchEvent) error {
	if !w.filter.Match(e.Request) {
		return nil
	}
	req, preload := e.Request, e.Preload
	e.RespondWith(func(ctx context.Context) (*cache.Entry, cache.Source, error) {
		return w.cache.CacheFirst(ctx, req, preload, e)
	})
	return nil
}

func (w *Worker) onPush(ctx context.Context, e *PushEvent) error {
	msg := ParseMessage(e.Data)
	switch msg.Type {
	case MsgNotification:
		n, ok := notificationFrom(msg.Data)
		if !ok {
			w.log.Warn("push: notification without title")
			return nil
		}
		return w.host.ShowNotification(ctx, n)
	case MsgNotificationWaiting:
		return w.showDefaultNotification(ctx)
	}
	w.log.Trace("push: ignored", "type", msg.Type)
	return nil
}

func (w *Worker) onSync(e *SyncEvent) error {
	w.log.Debug("sync", "tag", e.Tag)
	return nil
}

func (w *Worker) onMessage(ctx context.Context, e *MessageEvent) error {
	if e.Source != "" && e.Source == w.id {
		return nil
	}
	msg := ParseMessage(e.Data)
	w.log.Trace("message", "type", msg.Type, "source", e.Source)

	var err error
	switch msg.Type {
	case MsgSkipWaiting:
		err = w.host.SkipWaiting(ctx)
	case MsgClearCache:
		e.WaitUntil(w.cache.ClearCache)
	case MsgNotificationWaiting:
		err = w.showDefaultNotification(ctx)
	case MsgTraceOn:
		w.log.SetTrace(true)
		w.log.Info("trace enabled")
	case MsgTraceOff:
		w.log.SetTrace(false)
		w.log.Info("trace disabled")
	case MsgInitPort:
		if len(e.Ports) == 0 {
			w.log.Warn("message: INIT_PORT without a port", "source", e.Source)
			return nil
		}
		w.mu.Lock()
		w.ports[e.Source] = e.Ports[0]
		w.mu.Unlock()
		w.log.Debug("port initialized", "source", e.Source)
		return nil
	}
	if err != nil {
		return err
	}

	w.echo(e.Source, msg)
	return nil
}

// echo repeats a client's message on its port, if it set one up.
func (w *Worker) echo(source string, msg Message) {
	w.mu.Lock()
	p := w.ports[source]
	w.mu.Unlock()
	if p == nil {
		return
	}
	if err := p.PostMessage(msg); err != nil {
		w.log.Warn("port: post failed", "source", source, "err", err)
	}
}

func (w *Worker) onMessageError(e *MessageErrorEvent) error {
	w.log.Warn("messageerror", "source", e.Source, "bytes", len(e.Data))
	return nil
}

func (w *Worker) onNotificationClick(ctx context.Context, e *NotificationClickEvent) error {
	if e.Action == ActionRefresh {
		return w.host.SkipWaiting(ctx)
	}
	w.log.Trace("notification dismissed", "action", e.Action, "tag", e.Notification.Tag)
	return nil
}

func (w *Worker) showDefaultNotification(ctx context.Context) error {
	n := w.opts.Notification
	if n.Title == "" {
		n = DefaultNotification
	}
	return w.host.ShowNotification(ctx, n)
}
