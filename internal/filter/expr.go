package filter

import (
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/google/cel-go/cel"
)

// Expression rules see the request as:
//
//	method  string               upper-case HTTP method
//	url     string               lowercased full URL
//	path    string               lowercased path
//	host    string               lowercased host
//	query   string               raw query
//	header  map(string, string)  first value per lowercased header name
var (
	envOnce sync.Once
	env     *cel.Env
	envErr  error
)

func exprEnv() (*cel.Env, error) {
	envOnce.Do(func() {
		env, envErr = cel.NewEnv(
			cel.Variable("method", cel.StringType),
			cel.Variable("url", cel.StringType),
			cel.Variable("path", cel.StringType),
			cel.Variable("host", cel.StringType),
			cel.Variable("query", cel.StringType),
			cel.Variable("header", cel.MapType(cel.StringType, cel.StringType)),
		)
	})
	return env, envErr
}

func compileExpr(expr string) (Predicate, error) {
	e, err := exprEnv()
	if err != nil {
		return nil, fmt.Errorf("cel environment: %w", err)
	}
	ast, issues := e.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile error: %w", issues.Err())
	}
	if !ast.OutputType().IsExactType(cel.BoolType) {
		return nil, fmt.Errorf("expression must be bool, got %s", ast.OutputType())
	}
	prg, err := e.Program(ast, cel.CostLimit(100000))
	if err != nil {
		return nil, fmt.Errorf("program creation error: %w", err)
	}

	return func(r *http.Request) bool {
		out, _, err := prg.Eval(requestVars(r))
		if err != nil {
			return false
		}
		b, ok := out.Value().(bool)
		return ok && b
	}, nil
}

func requestVars(r *http.Request) map[string]any {
	hdr := make(map[string]string, len(r.Header))
	for k, vs := range r.Header {
		if len(vs) > 0 {
			hdr[strings.ToLower(k)] = vs[0]
		}
	}
	return map[string]any{
		"method": strings.ToUpper(r.Method),
		"url":    strings.ToLower(r.URL.String()),
		"path":   strings.ToLower(r.URL.Path),
		"host":   strings.ToLower(r.URL.Host),
		"query":  r.URL.RawQuery,
		"header": hdr,
	}
}
