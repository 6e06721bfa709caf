package filter

import (
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strings"

	platformerrors "github.com/jmgilman/go/errors"

	"swcache/internal/logger"
)

var (
	ErrDuplicateRule = platformerrors.New(platformerrors.CodeAlreadyExists, "duplicate filter rule")
	ErrInvalidRule   = platformerrors.New(platformerrors.CodeInvalidInput, "invalid filter rule")
)

// Predicate reports whether a rule applies to a request.
type Predicate func(r *http.Request) bool

// Rule describes one filter entry. The predicate comes from Func, Pattern
// or Expr, checked in that order.
type Rule struct {
	Name string `yaml:"name"`

	// Pattern is a regular expression tested against the lowercased full
	// URL, or the lowercased path when Parsed is set. Without Parsed a
	// request to the filter's origin is also tested in its origin-relative
	// form, so "^/api/" holds for http://origin/api/x.
	Pattern string `yaml:"rule"`
	Parsed  bool   `yaml:"parsed"`

	// Expr is a CEL boolean expression, see expr.go for the variables.
	Expr string `yaml:"expr"`

	Ignore bool `yaml:"ignore"`

	Func Predicate `yaml:"-"`
}

type ruleSet struct {
	order []string
	preds map[string]Predicate
}

func newRuleSet() *ruleSet {
	return &ruleSet{preds: map[string]Predicate{}}
}

func (s *ruleSet) add(name string, p Predicate) bool {
	if _, ok := s.preds[name]; ok {
		return false
	}
	s.preds[name] = p
	s.order = append(s.order, name)
	return true
}

func (s *ruleSet) remove(name string) bool {
	if _, ok := s.preds[name]; !ok {
		return false
	}
	delete(s.preds, name)
	for i, n := range s.order {
		if n == name {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return true
}

func (s *ruleSet) any(r *http.Request) (string, bool) {
	for _, name := range s.order {
		if s.preds[name](r) {
			return name, true
		}
	}
	return "", false
}

// Filter decides whether a request is eligible for cache handling.
//
// Registration is not synchronized: rules are expected to be registered
// before requests are matched.
type Filter struct {
	log    *logger.Logger
	origin *url.URL
	ignore *ruleSet
	match  *ruleSet
}

type Option func(*Filter)

// WithOrigin sets the origin whose requests unparsed patterns also see as
// origin-relative URLs.
func WithOrigin(u *url.URL) Option {
	return func(f *Filter) { f.origin = u }
}

func New(log *logger.Logger, opts ...Option) *Filter {
	if log == nil {
		log = logger.Discard()
	}
	f := &Filter{
		log:    log,
		ignore: newRuleSet(),
		match:  newRuleSet(),
	}
	for _, o := range opts {
		o(f)
	}
	return f
}

// Compile validates a rule and builds its predicate. Without an origin an
// unparsed pattern only sees the full URL.
func Compile(rule Rule) (Predicate, error) {
	return compile(rule, nil)
}

func compile(rule Rule, origin *url.URL) (Predicate, error) {
	if strings.TrimSpace(rule.Name) == "" {
		return nil, fmt.Errorf("%w: missing name", ErrInvalidRule)
	}
	switch {
	case rule.Func != nil:
		return rule.Func, nil
	case rule.Pattern != "":
		re, err := regexp.Compile(rule.Pattern)
		if err != nil {
			return nil, fmt.Errorf("%w %q: %v", ErrInvalidRule, rule.Name, err)
		}
		if rule.Parsed {
			return func(r *http.Request) bool {
				return re.MatchString(strings.ToLower(r.URL.Path))
			}, nil
		}
		return func(r *http.Request) bool {
			if re.MatchString(strings.ToLower(r.URL.String())) {
				return true
			}
			return sameOrigin(r.URL, origin) && re.MatchString(strings.ToLower(r.URL.RequestURI()))
		}, nil
	case rule.Expr != "":
		p, err := compileExpr(rule.Expr)
		if err != nil {
			return nil, fmt.Errorf("%w %q: %v", ErrInvalidRule, rule.Name, err)
		}
		return p, nil
	}
	return nil, fmt.Errorf("%w %q: no rule, expr or func", ErrInvalidRule, rule.Name)
}

func sameOrigin(u, origin *url.URL) bool {
	if origin == nil || !u.IsAbs() {
		return false
	}
	return strings.EqualFold(u.Scheme, origin.Scheme) && strings.EqualFold(u.Host, origin.Host)
}

// RegisterAll registers every usable rule and returns how many were added.
// Malformed entries are skipped with a warning.
func (f *Filter) RegisterAll(rules []Rule) int {
	n := 0
	for i, rule := range rules {
		p, err := compile(rule, f.origin)
		if err != nil {
			f.log.Warn("filter: skipping rule", "index", i, "err", err)
			continue
		}
		if err := f.Register(rule.Name, p, rule.Ignore); err != nil {
			continue
		}
		n++
	}
	return n
}

// Register adds a predicate to the ignore or match mapping. A name that is
// already taken in the target mapping is rejected and the first rule kept.
func (f *Filter) Register(name string, p Predicate, ignore bool) error {
	set, kind := f.match, "match"
	if ignore {
		set, kind = f.ignore, "ignore"
	}
	if !set.add(name, p) {
		f.log.Warn("filter: rule already registered", "name", name, "kind", kind)
		return fmt.Errorf("%w: %s rule %q", ErrDuplicateRule, kind, name)
	}
	f.log.Debug("filter: rule registered", "name", name, "kind", kind)
	return nil
}

// Unregister removes a match rule. Ignore rules stay for the filter's lifetime.
func (f *Filter) Unregister(name string) bool {
	if !f.match.remove(name) {
		f.log.Warn("filter: no such rule", "name", name)
		return false
	}
	return true
}

// Match reports whether r is eligible for caching. Ignore rules win over
// match rules.
func (f *Filter) Match(r *http.Request) bool {
	if name, ok := f.ignore.any(r); ok {
		f.log.Trace("filter: ignored", "rule", name, "url", r.URL.String())
		return false
	}
	name, ok := f.match.any(r)
	if ok {
		f.log.Trace("filter: matched", "rule", name, "url", r.URL.String())
	}
	return ok
}

// Names returns registered rule names in registration order.
func (f *Filter) Names() (ignore, match []string) {
	ignore = append([]string(nil), f.ignore.order...)
	match = append([]string(nil), f.match.order...)
	return ignore, match
}
