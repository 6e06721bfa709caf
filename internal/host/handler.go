package host

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"swcache/internal/cache"
	"swcache/internal/worker"
)

const (
	HeaderClient = "X-SW-Client"
	HeaderCache  = "X-SW-Cache"

	maxControlBody = 1 << 20
)

func (rt *Runtime) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Route("/_sw", func(r chi.Router) {
		r.Post("/message", rt.handleMessage)
		r.Post("/messageerror", rt.handleMessageError)
		r.Post("/push", rt.handlePush)
		r.Post("/sync", rt.handleSync)
		r.Post("/notificationclick", rt.handleNotificationClick)
		r.Get("/notifications", rt.handleNotifications)
		r.Get("/ports/{client}", rt.handlePort)
		r.Get("/status", rt.handleStatus)
	})

	r.Handle("/*", http.HandlerFunc(rt.handleFetch))
	return r
}

func (rt *Runtime) handleFetch(w http.ResponseWriter, r *http.Request) {
	req, err := rt.originRequest(r)
	if err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	wk := rt.worker()
	if wk == nil || wk.State() != worker.StateActivated {
		rt.passThrough(w, req, nil)
		return
	}

	ctx := r.Context()
	ev := worker.NewFetchEvent(ctx, req, r.Header.Get(HeaderClient), rt.spawn)
	if rt.preload.Load() && isNavigation(r) {
		ev.Preload = rt.startPreload(ctx, req)
	}
	defer rt.settle(worker.KindFetch, ev)

	if err := wk.Dispatch(ctx, ev); err != nil {
		rt.log.Warn("fetch handler failed", "url", req.URL.String(), "err", err)
	}

	respond, ok := ev.Response()
	if !ok {
		rt.passThrough(w, req, ev.Preload)
		return
	}

	ent, src, err := respond(ctx)
	if err != nil {
		rt.log.Debug("fetch failed", "url", req.URL.String(), "err", err)
		badGateway(w)
		return
	}
	writeEntry(w, ent, string(src))
}

// passThrough sends the request to the origin untouched, reusing a
// preloaded response when one was started.
func (rt *Runtime) passThrough(w http.ResponseWriter, req *http.Request, preload cache.Preloaded) {
	ctx := req.Context()
	if preload != nil {
		if ent, err := preload.Wait(ctx); err == nil && ent != nil {
			writeEntry(w, ent, string(cache.SourcePreload))
			return
		}
	}
	ent, err := rt.fetcher.Fetch(ctx, req)
	if err != nil {
		badGateway(w)
		return
	}
	writeEntry(w, ent, "bypass")
}

func (rt *Runtime) originRequest(r *http.Request) (*http.Request, error) {
	req, err := http.NewRequestWithContext(r.Context(), r.Method, rt.cfg.Origin+r.URL.RequestURI(), r.Body)
	if err != nil {
		return nil, err
	}
	for k, vs := range r.Header {
		if strings.EqualFold(k, "Host") || strings.EqualFold(k, HeaderClient) {
			continue
		}
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	return req, nil
}

func isNavigation(r *http.Request) bool {
	if r.Method != http.MethodGet {
		return false
	}
	if strings.EqualFold(r.Header.Get("Sec-Fetch-Mode"), "navigate") {
		return true
	}
	return strings.Contains(r.Header.Get("Accept"), "text/html")
}

type preloadResult struct {
	ent *cache.Entry
	err error
}

// preloadFuture is a fetch started before the worker saw the request.
type preloadFuture struct {
	done chan struct{}
	res  preloadResult
}

func (p *preloadFuture) Wait(ctx context.Context) (*cache.Entry, error) {
	select {
	case <-p.done:
		return p.res.ent, p.res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (rt *Runtime) startPreload(ctx context.Context, req *http.Request) *preloadFuture {
	p := &preloadFuture{done: make(chan struct{})}
	pr := req.Clone(ctx)
	pr.Body = http.NoBody
	pr.Header.Set("Service-Worker-Navigation-Preload", "true")
	go func() {
		defer close(p.done)
		ent, err := rt.fetcher.Fetch(ctx, pr)
		p.res = preloadResult{ent: ent, err: err}
	}()
	return p
}

func writeEntry(w http.ResponseWriter, ent *cache.Entry, source string) {
	for k, vs := range ent.Header {
		if strings.EqualFold(k, HeaderCache) {
			continue
		}
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	setCacheHeaders(w.Header(), source)
	w.WriteHeader(ent.Status)
	_, _ = w.Write(ent.Body)
}

func badGateway(w http.ResponseWriter) {
	setCacheHeaders(w.Header(), "bad-gateway")
	http.Error(w, "bad gateway", http.StatusBadGateway)
}

func setCacheHeaders(h http.Header, source string) {
	if source != "" {
		h.Set(HeaderCache, source)
	}
	// Browsers hide custom headers from cross-origin scripts unless exposed.
	ensureExposedHeader(h, HeaderCache)
}

func ensureExposedHeader(h http.Header, name string) {
	const expose = "Access-Control-Expose-Headers"
	cur := h.Values(expose)
	if len(cur) == 0 {
		h.Set(expose, name)
		return
	}

	merged := strings.Join(cur, ",")
	for _, part := range strings.Split(merged, ",") {
		if strings.EqualFold(strings.TrimSpace(part), name) {
			return
		}
	}
	h.Set(expose, strings.TrimSpace(merged)+", "+name)
}

// control surface

func (rt *Runtime) startedWorker(w http.ResponseWriter) *worker.Worker {
	wk := rt.worker()
	if wk == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "worker not started"})
	}
	return wk
}

// activeWorker returns the worker only once it is activated. Control
// events sent while it installs are refused, like fetches are.
func (rt *Runtime) activeWorker(w http.ResponseWriter) *worker.Worker {
	wk := rt.startedWorker(w)
	if wk == nil {
		return nil
	}
	if st := wk.State(); st != worker.StateActivated {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "worker not activated", "state": st.String()})
		return nil
	}
	return wk
}

func readBody(r *http.Request) ([]byte, error) {
	return io.ReadAll(io.LimitReader(r.Body, maxControlBody))
}

func clientID(r *http.Request) string {
	if c := strings.TrimSpace(r.Header.Get(HeaderClient)); c != "" {
		return c
	}
	return uuid.NewString()
}

func (rt *Runtime) dispatchControl(w http.ResponseWriter, r *http.Request, wk *worker.Worker, ev worker.Event, client string) {
	err := wk.Dispatch(r.Context(), ev)
	if sw, ok := ev.(waiter); ok {
		rt.settle(ev.Kind(), sw)
	}
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	resp := map[string]string{"event": string(ev.Kind())}
	if client != "" {
		resp["client"] = client
	}
	writeJSON(w, http.StatusAccepted, resp)
}

func (rt *Runtime) handleMessage(w http.ResponseWriter, r *http.Request) {
	wk := rt.activeWorker(w)
	if wk == nil {
		return
	}
	data, err := readBody(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	client := clientID(r)

	var ports []worker.Port
	if worker.ParseMessage(data).Type == worker.MsgInitPort {
		ports = append(ports, rt.port(client, true))
	}
	ev := worker.NewMessageEvent(r.Context(), data, client, ports, rt.spawn)
	rt.dispatchControl(w, r, wk, ev, client)
}

func (rt *Runtime) handleMessageError(w http.ResponseWriter, r *http.Request) {
	wk := rt.activeWorker(w)
	if wk == nil {
		return
	}
	data, _ := readBody(r)
	client := clientID(r)
	rt.dispatchControl(w, r, wk, worker.NewMessageErrorEvent(r.Context(), data, client, rt.spawn), client)
}

func (rt *Runtime) handlePush(w http.ResponseWriter, r *http.Request) {
	wk := rt.activeWorker(w)
	if wk == nil {
		return
	}
	data, err := readBody(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	rt.dispatchControl(w, r, wk, worker.NewPushEvent(r.Context(), data, rt.spawn), "")
}

func (rt *Runtime) handleSync(w http.ResponseWriter, r *http.Request) {
	wk := rt.activeWorker(w)
	if wk == nil {
		return
	}
	tag := r.URL.Query().Get("tag")
	if tag == "" {
		var body struct {
			Tag string `json:"tag"`
		}
		_ = json.NewDecoder(io.LimitReader(r.Body, maxControlBody)).Decode(&body)
		tag = body.Tag
	}
	rt.dispatchControl(w, r, wk, worker.NewSyncEvent(r.Context(), tag, rt.spawn), "")
}

func (rt *Runtime) handleNotificationClick(w http.ResponseWriter, r *http.Request) {
	wk := rt.activeWorker(w)
	if wk == nil {
		return
	}
	var body struct {
		Action       string              `json:"action"`
		Notification worker.Notification `json:"notification"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, maxControlBody)).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	ev := worker.NewNotificationClickEvent(r.Context(), body.Action, body.Notification, rt.spawn)
	rt.dispatchControl(w, r, wk, ev, "")
}

func (rt *Runtime) handleNotifications(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, rt.Notifications())
}

func (rt *Runtime) handlePort(w http.ResponseWriter, r *http.Request) {
	p := rt.port(chi.URLParam(r, "client"), false)
	if p == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no port for client"})
		return
	}
	writeJSON(w, http.StatusOK, p.drain())
}

type status struct {
	Worker  string              `json:"worker"`
	State   string              `json:"state"`
	Cache   string              `json:"cache"`
	Tracing bool                `json:"tracing"`
	Preload bool                `json:"preload"`
	Claimed bool                `json:"claimed"`
	Keys    int                 `json:"keys"`
	Ignore  []string            `json:"ignore"`
	Match   []string            `json:"match"`
	Stats   cache.StatsSnapshot `json:"stats"`
	Origin  string              `json:"origin"`
}

func (rt *Runtime) handleStatus(w http.ResponseWriter, r *http.Request) {
	wk := rt.startedWorker(w)
	if wk == nil {
		return
	}
	keys, err := wk.Cache().Keys(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	ignore, match := wk.Filter().Names()
	writeJSON(w, http.StatusOK, status{
		Worker:  wk.ID(),
		State:   wk.State().String(),
		Cache:   wk.Cache().Name(),
		Tracing: wk.Tracing(),
		Preload: rt.preload.Load(),
		Claimed: rt.claimed.Load(),
		Keys:    len(keys),
		Ignore:  ignore,
		Match:   match,
		Stats:   wk.Cache().Stats().Snapshot(),
		Origin:  rt.cfg.Origin,
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
