package handlers

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/fleetops/fleetbus/internal/runtime/envelope"
	errspkg "github.com/fleetops/fleetbus/internal/runtime/errors"
)

// Handler processes one routed request and returns the data for the
// response envelope.
type Handler func(ctx context.Context, req Request) (any, error)

// Route is one (method, pattern) entry of a service block's route table.
type Route struct {
	Method  envelope.Method
	Pattern string
	Handler Handler

	segments []segment
}

type segment struct {
	literal string
	param   string
	rest    bool
}

// Router resolves request envelopes to handlers through an ordered route
// table. Routes are tried in registration order; the first match wins.
// Patterns are slash-separated paths whose segments are literals, ":name"
// parameters, or a trailing "*" matching the remainder of the path.
type Router struct {
	routes   []*Route
	fallback Handler
}

func NewRouter() *Router {
	return &Router{}
}

// Handle appends a route. Registration order is match order.
func (r *Router) Handle(method envelope.Method, pattern string, h Handler) error {
	if !method.Valid() {
		return fmt.Errorf("fleetbus: invalid route method %q", method)
	}
	if h == nil {
		return errspkg.ErrHandlerRequired
	}
	segments, err := compilePattern(pattern)
	if err != nil {
		return err
	}
	r.routes = append(r.routes, &Route{
		Method:   method,
		Pattern:  pattern,
		Handler:  h,
		segments: segments,
	})
	return nil
}

// NotFound installs a fallback handler for requests no route matches.
// Without one, unmatched requests produce an unknown-endpoint error.
func (r *Router) NotFound(h Handler) {
	r.fallback = h
}

// Routes returns the registered routes in match order.
func (r *Router) Routes() []Route {
	out := make([]Route, len(r.routes))
	for i, rt := range r.routes {
		out[i] = *rt
	}
	return out
}

// Dispatch resolves the request's (method, path) against the table and runs
// the matched handler. The query string is parsed off the endpoint before
// matching, so "/drivers/search?query=John" matches "/drivers/search".
func (r *Router) Dispatch(ctx context.Context, req Request) (any, error) {
	path, rawQuery, _ := strings.Cut(req.Endpoint, "?")
	req.Path = path
	if rawQuery != "" {
		query, err := url.ParseQuery(rawQuery)
		if err != nil {
			return nil, errspkg.NewMalformedEnvelope(fmt.Errorf("bad query string in endpoint %q: %w", req.Endpoint, err))
		}
		req.Query = query
	} else {
		req.Query = url.Values{}
	}

	parts := splitPath(path)
	for _, rt := range r.routes {
		if rt.Method != req.Method {
			continue
		}
		params, ok := matchSegments(rt.segments, parts)
		if !ok {
			continue
		}
		req.Params = params
		return rt.Handler(ctx, req)
	}

	if r.fallback != nil {
		req.Params = map[string]string{}
		return r.fallback(ctx, req)
	}
	return nil, errspkg.NewDownstream("", fmt.Sprintf("unknown endpoint %s %s", req.Method, path))
}

func compilePattern(pattern string) ([]segment, error) {
	if pattern == "" || !strings.HasPrefix(pattern, "/") {
		return nil, fmt.Errorf("fleetbus: route pattern %q must start with '/'", pattern)
	}
	parts := splitPath(pattern)
	segments := make([]segment, len(parts))
	for i, part := range parts {
		switch {
		case part == "*":
			if i != len(parts)-1 {
				return nil, fmt.Errorf("fleetbus: wildcard must be the last segment in pattern %q", pattern)
			}
			segments[i] = segment{rest: true}
		case strings.HasPrefix(part, ":"):
			name := part[1:]
			if name == "" {
				return nil, fmt.Errorf("fleetbus: unnamed parameter segment in pattern %q", pattern)
			}
			segments[i] = segment{param: name}
		case part == "":
			return nil, fmt.Errorf("fleetbus: empty segment in pattern %q", pattern)
		default:
			segments[i] = segment{literal: part}
		}
	}
	return segments, nil
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func matchSegments(segments []segment, parts []string) (map[string]string, bool) {
	params := map[string]string{}
	for i, seg := range segments {
		if seg.rest {
			return params, true
		}
		if i >= len(parts) {
			return nil, false
		}
		switch {
		case seg.param != "":
			params[seg.param] = parts[i]
		case seg.literal != parts[i]:
			return nil, false
		}
	}
	if len(parts) != len(segments) {
		return nil, false
	}
	return params, true
}
