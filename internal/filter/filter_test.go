package filter

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	platformerrors "github.com/jmgilman/go/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func req(target string) *http.Request {
	return httptest.NewRequest(http.MethodGet, target, nil)
}

func always(v bool) Predicate {
	return func(*http.Request) bool { return v }
}

func TestPatternRuleMatchesFullURL(t *testing.T) {
	f := New(nil)
	n := f.RegisterAll([]Rule{{Name: "images", Pattern: `\.png$`}})
	require.Equal(t, 1, n)

	assert.True(t, f.Match(req("/a.png")))
	assert.True(t, f.Match(req("/A.PNG")), "url is lowercased before matching")
	assert.False(t, f.Match(req("/a.json")))
}

func TestIgnoreWinsOverMatch(t *testing.T) {
	f := New(nil)
	f.RegisterAll([]Rule{
		{Name: "api", Pattern: `^/api/`, Ignore: true, Parsed: true},
		{Name: "all", Pattern: `.*`},
	})

	assert.False(t, f.Match(req("http://example.com/api/data")))
	assert.True(t, f.Match(req("http://example.com/static/app.js")))
}

func TestIgnoreWinsForAnyPredicates(t *testing.T) {
	for _, matchHit := range []bool{true, false} {
		f := New(nil)
		require.NoError(t, f.Register("ig", always(true), true))
		require.NoError(t, f.Register("m", always(matchHit), false))
		assert.False(t, f.Match(req("/x")))
	}
}

func TestMatchWithoutIgnoreIsAnyMatch(t *testing.T) {
	f := New(nil)
	require.NoError(t, f.Register("ig", always(false), true))
	assert.False(t, f.Match(req("/x")), "no match rules")

	require.NoError(t, f.Register("a", always(false), false))
	assert.False(t, f.Match(req("/x")))

	require.NoError(t, f.Register("b", always(true), false))
	assert.True(t, f.Match(req("/x")))
}

func TestParsedMatchesPathOnly(t *testing.T) {
	f := New(nil)
	f.RegisterAll([]Rule{{Name: "root-js", Pattern: `^/[^/]+\.js$`, Parsed: true}})

	assert.True(t, f.Match(req("http://cdn.example.com/app.js?v=3")))
	assert.False(t, f.Match(req("http://cdn.example.com/lib/app.js")))
}

func TestUnparsedPatternSeesOriginRelativeURL(t *testing.T) {
	origin, err := url.Parse("http://localhost:3000/")
	require.NoError(t, err)
	f := New(nil, WithOrigin(origin))
	n := f.RegisterAll([]Rule{
		{Name: "api", Pattern: "^/api/", Ignore: true},
		{Name: "all", Pattern: ".*"},
	})
	require.Equal(t, 2, n)

	assert.False(t, f.Match(req("http://localhost:3000/api/data")))
	assert.True(t, f.Match(req("http://localhost:3000/app.js")))
	// Other origins only see the full URL.
	assert.True(t, f.Match(req("http://cdn.example.com/api/data")))

	// Without an origin the anchored pattern never fires on absolute URLs.
	f = New(nil)
	f.RegisterAll([]Rule{
		{Name: "api", Pattern: "^/api/", Ignore: true},
		{Name: "all", Pattern: ".*"},
	})
	assert.True(t, f.Match(req("http://localhost:3000/api/data")))
	assert.False(t, f.Match(req("/api/data")))
}

func TestDuplicateNameFirstWins(t *testing.T) {
	f := New(nil)
	require.NoError(t, f.Register("r", always(false), false))

	err := f.Register("r", always(true), false)
	require.ErrorIs(t, err, ErrDuplicateRule)
	assert.False(t, f.Match(req("/x")), "second registration must not take effect")

	_, match := f.Names()
	assert.Equal(t, []string{"r"}, match)
}

func TestDuplicateIgnoreFirstWins(t *testing.T) {
	f := New(nil)
	require.NoError(t, f.Register("m", always(true), false))
	require.NoError(t, f.Register("ig", always(false), true))
	require.ErrorIs(t, f.Register("ig", always(true), true), ErrDuplicateRule)

	assert.True(t, f.Match(req("/x")))
}

func TestSameNameInBothMappings(t *testing.T) {
	f := New(nil)
	require.NoError(t, f.Register("x", always(false), true))
	require.NoError(t, f.Register("x", always(true), false))

	ignore, match := f.Names()
	assert.Equal(t, []string{"x"}, ignore)
	assert.Equal(t, []string{"x"}, match)
	assert.True(t, f.Match(req("/x")))
}

func TestUnregister(t *testing.T) {
	f := New(nil)
	require.NoError(t, f.Register("a", always(true), false))
	require.NoError(t, f.Register("ig", always(true), true))

	assert.False(t, f.Unregister("missing"))
	assert.False(t, f.Unregister("ig"), "only match rules can be unregistered")

	ignore, _ := f.Names()
	assert.Equal(t, []string{"ig"}, ignore, "ignore rules are not removable")

	assert.True(t, f.Unregister("a"))
	_, match := f.Names()
	assert.Empty(t, match)
}

func TestRegisterAllSkipsMalformed(t *testing.T) {
	f := New(nil)
	n := f.RegisterAll([]Rule{
		{Pattern: `.*`},
		{Name: "empty"},
		{Name: "bad-re", Pattern: `(`},
		{Name: "bad-expr", Expr: `method +`},
		{Name: "not-bool", Expr: `method`},
		{Name: "ok", Pattern: `\.css$`},
	})
	assert.Equal(t, 1, n)
	assert.True(t, f.Match(req("/site.css")))
}

func TestExprRule(t *testing.T) {
	f := New(nil)
	n := f.RegisterAll([]Rule{
		{Name: "html", Expr: `method == 'GET' && path.endsWith('.html')`},
		{Name: "json", Expr: `'accept' in header && header['accept'].contains('json')`},
	})
	require.Equal(t, 2, n)

	assert.True(t, f.Match(req("/index.html")))
	assert.False(t, f.Match(httptest.NewRequest(http.MethodPost, "/index.html", nil)))

	r := req("/data")
	assert.False(t, f.Match(r))
	r.Header.Set("Accept", "application/json")
	assert.True(t, f.Match(r))
}

func TestCompileFuncTakesPrecedence(t *testing.T) {
	p, err := Compile(Rule{Name: "f", Func: always(true), Pattern: `(`})
	require.NoError(t, err)
	assert.True(t, p(req("/")))

	_, err = Compile(Rule{Name: "none"})
	assert.ErrorIs(t, err, ErrInvalidRule)
	assert.Equal(t, platformerrors.CodeInvalidInput, platformerrors.GetCode(err))
	assert.False(t, platformerrors.IsRetryable(err))
}
