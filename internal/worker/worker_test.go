package worker

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	platformerrors "github.com/jmgilman/go/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"swcache/internal/cache"
	"swcache/internal/filter"
)

type fakeHost struct {
	mu            sync.Mutex
	skipWaiting   int
	claimed       int
	preload       int
	notifications []Notification
	panicOnNotify bool
}

func (h *fakeHost) SkipWaiting(context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.skipWaiting++
	return nil
}

func (h *fakeHost) ClaimClients(context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.claimed++
	return nil
}

func (h *fakeHost) EnableNavigationPreload(context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.preload++
	return nil
}

func (h *fakeHost) ShowNotification(_ context.Context, n Notification) error {
	if h.panicOnNotify {
		panic("notifications unavailable")
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.notifications = append(h.notifications, n)
	return nil
}

type origin struct {
	calls atomic.Int32
	mu    sync.Mutex
	files map[string]string
}

func (o *origin) Fetch(_ context.Context, r *http.Request) (*cache.Entry, error) {
	o.calls.Add(1)
	o.mu.Lock()
	defer o.mu.Unlock()
	body, ok := o.files[r.URL.String()]
	if !ok {
		return nil, errors.New("dial tcp: connection refused")
	}
	return &cache.Entry{URL: r.URL.String(), Status: http.StatusOK, Header: http.Header{}, Body: []byte(body)}, nil
}

type chanPort struct {
	mu   sync.Mutex
	msgs []any
}

func (p *chanPort) PostMessage(msg any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = append(p.msgs, msg)
	return nil
}

func newTestWorker(t *testing.T, opts Options, files map[string]string) (*Worker, *fakeHost, *origin) {
	t.Helper()
	if opts.CacheName == "" {
		opts.CacheName = "test-v1"
	}
	if opts.Scope == "" {
		opts.Scope = "http://o/"
	}
	h := &fakeHost{}
	o := &origin{files: files}
	w, err := New(opts, h, cache.NewMemoryStorage(0), o, nil)
	require.NoError(t, err)
	return w, h, o
}

func keys(t *testing.T, w *Worker) []string {
	t.Helper()
	k, err := w.Cache().Keys(context.Background())
	require.NoError(t, err)
	return k
}

func TestInstallPrecachesStaticAssets(t *testing.T) {
	w, _, _ := newTestWorker(t, Options{PrecachedAssets: []string{"/a.js", "/b.css"}}, map[string]string{
		"http://o/a.js":  "a",
		"http://o/b.css": "b",
	})

	require.NoError(t, w.Dispatch(context.Background(), NewInstallEvent(context.Background())))
	assert.Equal(t, StateInstalled, w.State())
	assert.ElementsMatch(t, []string{"GET http://o/a.js", "GET http://o/b.css"}, keys(t, w))
}

func TestInstallFailsOnUnreachableAsset(t *testing.T) {
	w, _, _ := newTestWorker(t, Options{PrecachedAssets: []string{"/a.js", "/gone.js"}}, map[string]string{
		"http://o/a.js": "a",
	})

	err := w.Dispatch(context.Background(), NewInstallEvent(context.Background()))
	require.ErrorIs(t, err, cache.ErrFetchFailed)
	assert.Equal(t, StateParsed, w.State())
}

func TestInstallWithJSONManifest(t *testing.T) {
	w, _, _ := newTestWorker(t, Options{
		PreCacheURL:     "/precache.json",
		PrecachedAssets: []string{"/extra.js"},
	}, map[string]string{
		"http://o/precache.json": `{"assets": ["/app.js", "http://cdn/lib.js"]}`,
		"http://o/app.js":        "app",
		"http://cdn/lib.js":      "lib",
		"http://o/extra.js":      "extra",
	})

	require.NoError(t, w.Dispatch(context.Background(), NewInstallEvent(context.Background())))
	assert.ElementsMatch(t, []string{
		"GET http://o/app.js",
		"GET http://cdn/lib.js",
		"GET http://o/extra.js",
	}, keys(t, w))
}

func TestInstallWithSitemapIndex(t *testing.T) {
	w, _, _ := newTestWorker(t, Options{PreCacheURL: "/sitemap.xml"}, map[string]string{
		"http://o/sitemap.xml": `<?xml version="1.0"?>
<sitemapindex><sitemap><loc>/pages.xml</loc></sitemap></sitemapindex>`,
		"http://o/pages.xml":  `<urlset><url><loc> http://o/index.html </loc></url><url><loc>/about.html</loc></url></urlset>`,
		"http://o/index.html": "home",
		"http://o/about.html": "about",
	})

	require.NoError(t, w.Dispatch(context.Background(), NewInstallEvent(context.Background())))
	assert.ElementsMatch(t, []string{"GET http://o/index.html", "GET http://o/about.html"}, keys(t, w))
}

func TestInstallManifestUnreachable(t *testing.T) {
	w, _, _ := newTestWorker(t, Options{PreCacheURL: "/missing.json"}, map[string]string{})
	err := w.Dispatch(context.Background(), NewInstallEvent(context.Background()))
	assert.ErrorIs(t, err, cache.ErrFetchFailed)
}

func TestInstallManifestMalformed(t *testing.T) {
	w, _, _ := newTestWorker(t, Options{PreCacheURL: "/precache.json"}, map[string]string{
		"http://o/precache.json": `{"assets": [`,
	})
	err := w.Dispatch(context.Background(), NewInstallEvent(context.Background()))
	require.ErrorIs(t, err, ErrInvalidManifest)
	assert.False(t, platformerrors.IsRetryable(err))
	assert.Equal(t, StateParsed, w.State())
}

func TestActivate(t *testing.T) {
	w, h, _ := newTestWorker(t, Options{Preload: true}, nil)
	require.NoError(t, w.Dispatch(context.Background(), NewActivateEvent(context.Background())))
	assert.Equal(t, StateActivated, w.State())
	assert.Equal(t, 1, h.preload)
	assert.Equal(t, 1, h.claimed)

	w, h, _ = newTestWorker(t, Options{}, nil)
	require.NoError(t, w.Dispatch(context.Background(), NewActivateEvent(context.Background())))
	assert.Zero(t, h.preload)
	assert.Equal(t, 1, h.claimed)
}

func fetchEvent(target string) *FetchEvent {
	r := httptest.NewRequest(http.MethodGet, target, nil)
	return NewFetchEvent(context.Background(), r, "client-1", nil)
}

func TestFetchCacheFirst(t *testing.T) {
	ctx := context.Background()
	w, _, o := newTestWorker(t, Options{Filters: []filter.Rule{
		{Name: "api", Pattern: `^/api/`, Ignore: true, Parsed: true},
		{Name: "images", Pattern: `\.png$`},
	}}, map[string]string{"http://o/logo.png": "png"})

	ev := fetchEvent("http://o/api/data")
	require.NoError(t, w.Dispatch(ctx, ev))
	_, ok := ev.Response()
	assert.False(t, ok, "ignored requests are left to the network")

	ev = fetchEvent("http://o/logo.png")
	require.NoError(t, w.Dispatch(ctx, ev))
	respond, ok := ev.Response()
	require.True(t, ok)
	ent, src, err := respond(ctx)
	require.NoError(t, err)
	assert.Equal(t, cache.SourceNetwork, src)
	assert.Equal(t, "png", string(ent.Body))
	require.NoError(t, ev.Wait(ctx))

	ev = fetchEvent("http://o/logo.png")
	require.NoError(t, w.Dispatch(ctx, ev))
	respond, _ = ev.Response()
	_, src, err = respond(ctx)
	require.NoError(t, err)
	assert.Equal(t, cache.SourceCache, src)
	assert.EqualValues(t, 1, o.calls.Load())
}

func TestPush(t *testing.T) {
	ctx := context.Background()
	w, h, _ := newTestWorker(t, Options{}, nil)

	require.NoError(t, w.Dispatch(ctx, NewPushEvent(ctx, []byte(`{"type":"NOTIFICATION","data":{"title":"Hi","body":"there"}}`), nil)))
	require.NoError(t, w.Dispatch(ctx, NewPushEvent(ctx, []byte(`{"type":"NOTIFICATION_WAITING"}`), nil)))
	require.NoError(t, w.Dispatch(ctx, NewPushEvent(ctx, []byte(`{"type":"SOMETHING"}`), nil)))
	require.NoError(t, w.Dispatch(ctx, NewPushEvent(ctx, nil, nil)))

	require.Len(t, h.notifications, 2)
	assert.Equal(t, "Hi", h.notifications[0].Title)
	assert.Equal(t, "there", h.notifications[0].Body)
	assert.Equal(t, DefaultNotification.Title, h.notifications[1].Title)
}

func TestNotificationWaitingUsesTemplate(t *testing.T) {
	ctx := context.Background()
	w, h, _ := newTestWorker(t, Options{Notification: Notification{Title: "New build"}}, nil)
	require.NoError(t, w.Dispatch(ctx, NewMessageEvent(ctx, []byte("NOTIFICATION_WAITING"), "c", nil, nil)))
	require.Len(t, h.notifications, 1)
	assert.Equal(t, "New build", h.notifications[0].Title)
}

func TestMessageClearCache(t *testing.T) {
	ctx := context.Background()
	w, _, _ := newTestWorker(t, Options{PrecachedAssets: []string{"/a.js"}}, map[string]string{"http://o/a.js": "a"})
	require.NoError(t, w.Dispatch(ctx, NewInstallEvent(ctx)))
	require.Len(t, keys(t, w), 1)

	ev := NewMessageEvent(ctx, []byte(`"CLEAR_CACHE"`), "c", nil, nil)
	require.NoError(t, w.Dispatch(ctx, ev))
	require.NoError(t, ev.Wait(ctx))
	assert.Empty(t, keys(t, w))
}

func TestMessageControlTokens(t *testing.T) {
	ctx := context.Background()
	w, h, _ := newTestWorker(t, Options{}, nil)

	require.NoError(t, w.Dispatch(ctx, NewMessageEvent(ctx, []byte("SKIP_WAITING"), "c", nil, nil)))
	assert.Equal(t, 1, h.skipWaiting)

	require.NoError(t, w.Dispatch(ctx, NewMessageEvent(ctx, []byte(`{"type":"TRACE_ON"}`), "c", nil, nil)))
	assert.True(t, w.Tracing())
	require.NoError(t, w.Dispatch(ctx, NewMessageEvent(ctx, []byte("TRACE_OFF"), "c", nil, nil)))
	assert.False(t, w.Tracing())

	require.NoError(t, w.Dispatch(ctx, NewMessageEvent(ctx, []byte("not a token at all"), "c", nil, nil)))
}

func TestMessageFromSelfIgnored(t *testing.T) {
	ctx := context.Background()
	w, h, _ := newTestWorker(t, Options{}, nil)
	require.NoError(t, w.Dispatch(ctx, NewMessageEvent(ctx, []byte("SKIP_WAITING"), w.ID(), nil, nil)))
	assert.Zero(t, h.skipWaiting)
}

func TestInitPortEchoesLaterMessages(t *testing.T) {
	ctx := context.Background()
	w, _, _ := newTestWorker(t, Options{}, nil)
	p := &chanPort{}

	require.NoError(t, w.Dispatch(ctx, NewMessageEvent(ctx, []byte("INIT_PORT"), "c1", []Port{p}, nil)))
	assert.Empty(t, p.msgs)

	require.NoError(t, w.Dispatch(ctx, NewMessageEvent(ctx, []byte(`{"type":"HELLO","data":{"n":1}}`), "c1", nil, nil)))
	require.NoError(t, w.Dispatch(ctx, NewMessageEvent(ctx, []byte("HELLO"), "c2", nil, nil)))

	require.Len(t, p.msgs, 1)
	msg := p.msgs[0].(Message)
	assert.Equal(t, "HELLO", msg.Type)
	assert.JSONEq(t, `{"n":1}`, string(msg.Data))
}

func TestNotificationClick(t *testing.T) {
	ctx := context.Background()
	w, h, _ := newTestWorker(t, Options{}, nil)

	require.NoError(t, w.Dispatch(ctx, NewNotificationClickEvent(ctx, "dismiss", DefaultNotification, nil)))
	assert.Zero(t, h.skipWaiting)
	require.NoError(t, w.Dispatch(ctx, NewNotificationClickEvent(ctx, ActionRefresh, DefaultNotification, nil)))
	assert.Equal(t, 1, h.skipWaiting)
}

func TestSyncAndMessageErrorAreLoggedOnly(t *testing.T) {
	ctx := context.Background()
	w, h, _ := newTestWorker(t, Options{}, nil)
	require.NoError(t, w.Dispatch(ctx, NewSyncEvent(ctx, "outbox", nil)))
	require.NoError(t, w.Dispatch(ctx, NewMessageErrorEvent(ctx, []byte{0xff}, "c", nil)))
	assert.Zero(t, h.skipWaiting)
	assert.Equal(t, StateParsed, w.State())
}

func TestHandlerPanicStaysLocal(t *testing.T) {
	ctx := context.Background()
	w, h, _ := newTestWorker(t, Options{}, nil)
	h.panicOnNotify = true

	err := w.Dispatch(ctx, NewPushEvent(ctx, []byte(`{"type":"NOTIFICATION_WAITING"}`), nil))
	require.Error(t, err)

	h.panicOnNotify = false
	require.NoError(t, w.Dispatch(ctx, NewMessageEvent(ctx, []byte("SKIP_WAITING"), "c", nil, nil)))
	assert.Equal(t, 1, h.skipWaiting)
}

type bogusEvent struct{ *Extendable }

func (bogusEvent) Kind() Kind { return "bogus" }

func TestDispatchUnknownEvent(t *testing.T) {
	w, _, _ := newTestWorker(t, Options{}, nil)
	err := w.Dispatch(context.Background(), bogusEvent{NewExtendable(context.Background(), nil)})
	assert.ErrorIs(t, err, ErrUnknownEvent)
}

func TestParseMessage(t *testing.T) {
	assert.Equal(t, "CLEAR_CACHE", ParseMessage([]byte(" CLEAR_CACHE\n")).Type)
	assert.Equal(t, "CLEAR_CACHE", ParseMessage([]byte(`"CLEAR_CACHE"`)).Type)
	assert.Equal(t, "INIT_PORT", ParseMessage([]byte(`{"type":"INIT_PORT"}`)).Type)
	assert.Empty(t, ParseMessage([]byte(`{broken`)).Type)
	assert.Empty(t, ParseMessage([]byte(`hello world`)).Type)
	assert.Empty(t, ParseMessage(nil).Type)
}

func TestNewValidation(t *testing.T) {
	_, err := New(Options{CacheName: "v1"}, &fakeHost{}, nil, &origin{}, nil)
	assert.ErrorIs(t, err, cache.ErrUnsupportedEnvironment)

	_, err = New(Options{}, &fakeHost{}, cache.NewMemoryStorage(0), &origin{}, nil)
	assert.Error(t, err)
}
