package tinyweb

import (
	"sort"
	"strings"
)

// Handler serves one request by mutating resp (headers, status) and sending
// body bytes through it.
type Handler func(req *Request, resp *Response) error

// ChunkFunc is a finite, non-restartable sequence of body chunks. Each call
// yields the next chunk; io.EOF ends the stream. The connection handler
// writes chunks to the wire in arrival order, so composed responses need no
// whole-body buffering.
type ChunkFunc func() ([]byte, error)

// StreamHandler is the streaming handler shape: it may set status and
// headers on resp, then returns the chunk sequence for the body.
type StreamHandler func(req *Request, resp *Response) (ChunkFunc, error)

// Resource verbs. A REST resource implements any subset; AddResource turns
// each implemented verb into one route. The variadic args are the extra
// arguments given at registration, forwarded verbatim to every invocation.
type (
	Getter interface {
		Get(req *Request, resp *Response, args ...any) error
	}
	Poster interface {
		Post(req *Request, resp *Response, args ...any) error
	}
	Putter interface {
		Put(req *Request, resp *Response, args ...any) error
	}
	Deleter interface {
		Delete(req *Request, resp *Response, args ...any) error
	}
)

type segment struct {
	literal string
	capture string // non-empty for <name> segments
}

// Route is one registered mapping from a path pattern and method set to a
// handler and its limits. Immutable once registered.
type Route struct {
	pattern     string
	segments    []segment
	methods     map[string]struct{}
	handler     Handler
	stream      StreamHandler
	saveHeaders []string
	maxBodySize int
	cors        bool
	corsOrigins string
	corsHeaders string
	rest        bool
}

// RouteOptions carries the per-route configuration of AddRoute. The zero
// value means: GET only, no headers retained, DefaultMaxBodySize, no CORS.
type RouteOptions struct {
	// Methods is the allowed method set; nil means GET.
	Methods []string
	// SaveHeaders lists the header names retained on the Request.
	SaveHeaders []string
	// MaxBodySize caps the request body; 0 means DefaultMaxBodySize.
	MaxBodySize int
	// CORS enables Access-Control-Allow-* emission for this route.
	CORS bool
	// CORSOrigins and CORSHeaders default to "*" when CORS is set.
	CORSOrigins string
	CORSHeaders string
}

// Router maps (method, path) to a route. The table is append-only before the
// server starts accepting and read-only afterwards, so matching needs no
// synchronization.
type Router struct {
	routes   []*Route
	shapes   map[string][]*Route
	catchall Handler
}

func NewRouter() *Router {
	return &Router{shapes: map[string][]*Route{}}
}

// AddRoute registers a direct handler for pattern. Pattern segments are
// literals or single-segment named captures (<name>). Registration fails
// when an existing route's pattern shape and method set both overlap the new
// one; between non-overlapping routes the tie-break is registration order.
func (r *Router) AddRoute(pattern string, h Handler, opts RouteOptions) (*Route, error) {
	return r.add(pattern, h, nil, opts)
}

// AddStreamRoute registers a streaming handler for pattern.
func (r *Router) AddStreamRoute(pattern string, h StreamHandler, opts RouteOptions) (*Route, error) {
	return r.add(pattern, nil, h, opts)
}

// Catchall installs the fallback handler run when no route matches. Without
// one, unmatched requests get the built-in not-found response.
func (r *Router) Catchall(h Handler) {
	r.catchall = h
}

// AddResource desugars a REST bundle into one route per implemented verb,
// all bound to path. Resource routes answer with an HTTP/1.1 status line and
// an explicit Connection: close. extraArgs are forwarded to every verb call.
func (r *Router) AddResource(res any, path string, extraArgs ...any) error {
	opts := RouteOptions{SaveHeaders: []string{HeaderContentType}}
	registered := false

	bind := func(method string, h Handler) error {
		opts.Methods = []string{method}
		rt, err := r.add(path, h, nil, opts)
		if err != nil {
			return err
		}
		rt.rest = true
		registered = true
		return nil
	}

	if g, ok := res.(Getter); ok {
		if err := bind("GET", func(req *Request, resp *Response) error {
			return g.Get(req, resp, extraArgs...)
		}); err != nil {
			return err
		}
	}
	if p, ok := res.(Poster); ok {
		if err := bind("POST", func(req *Request, resp *Response) error {
			return p.Post(req, resp, extraArgs...)
		}); err != nil {
			return err
		}
	}
	if p, ok := res.(Putter); ok {
		if err := bind("PUT", func(req *Request, resp *Response) error {
			return p.Put(req, resp, extraArgs...)
		}); err != nil {
			return err
		}
	}
	if d, ok := res.(Deleter); ok {
		if err := bind("DELETE", func(req *Request, resp *Response) error {
			return d.Delete(req, resp, extraArgs...)
		}); err != nil {
			return err
		}
	}
	if !registered {
		return ErrNotResource
	}
	return nil
}

func (r *Router) add(pattern string, h Handler, sh StreamHandler, opts RouteOptions) (*Route, error) {
	segments, err := parsePattern(pattern)
	if err != nil {
		return nil, err
	}

	methods := opts.Methods
	if len(methods) == 0 {
		methods = []string{"GET"}
	}
	methodSet := make(map[string]struct{}, len(methods))
	for _, m := range methods {
		m = strings.ToUpper(m)
		if m == "" {
			return nil, ErrNoMethods
		}
		methodSet[m] = struct{}{}
	}

	shape := shapeKey(segments)
	for _, prev := range r.shapes[shape] {
		for m := range methodSet {
			if _, clash := prev.methods[m]; clash {
				return nil, ErrRouteConflict
			}
		}
	}

	maxBody := opts.MaxBodySize
	if maxBody <= 0 {
		maxBody = DefaultMaxBodySize
	}
	origins, headers := opts.CORSOrigins, opts.CORSHeaders
	if opts.CORS {
		if origins == "" {
			origins = "*"
		}
		if headers == "" {
			headers = "*"
		}
	}

	rt := &Route{
		pattern:     pattern,
		segments:    segments,
		methods:     methodSet,
		handler:     h,
		stream:      sh,
		saveHeaders: opts.SaveHeaders,
		maxBodySize: maxBody,
		cors:        opts.CORS,
		corsOrigins: origins,
		corsHeaders: headers,
	}
	r.routes = append(r.routes, rt)
	r.shapes[shape] = append(r.shapes[shape], rt)
	return rt, nil
}

type matchStatus int

const (
	matchFound matchStatus = iota
	matchNotFound
	matchMethodNotAllowed
)

// route resolves a parsed request. On matchMethodNotAllowed, allowed holds
// the sorted union of methods permitted on the path.
func (r *Router) route(method, path string) (rt *Route, params map[string]string, allowed []string, status matchStatus) {
	parts := splitPath(path)
	allowedSet := map[string]struct{}{}
	pathMatched := false

	for _, cand := range r.routes {
		p, ok := matchSegments(cand.segments, parts)
		if !ok {
			continue
		}
		if _, ok = cand.methods[method]; ok {
			return cand, p, nil, matchFound
		}
		pathMatched = true
		for m := range cand.methods {
			allowedSet[m] = struct{}{}
		}
	}

	if pathMatched {
		for m := range allowedSet {
			allowed = append(allowed, m)
		}
		sort.Strings(allowed)
		return nil, nil, allowed, matchMethodNotAllowed
	}
	return nil, nil, nil, matchNotFound
}

func parsePattern(pattern string) ([]segment, error) {
	if pattern == "" || pattern[0] != '/' {
		return nil, ErrBadPattern
	}
	parts := splitPath(pattern)
	segments := make([]segment, 0, len(parts))
	for _, p := range parts {
		if strings.HasPrefix(p, "<") && strings.HasSuffix(p, ">") {
			name := p[1 : len(p)-1]
			if name == "" || strings.ContainsAny(name, "<>/") {
				return nil, ErrBadPattern
			}
			segments = append(segments, segment{capture: name})
			continue
		}
		if p == "" || strings.ContainsAny(p, "<>") {
			return nil, ErrBadPattern
		}
		segments = append(segments, segment{literal: p})
	}
	return segments, nil
}

// matchSegments matches one request path against one pattern. A capture
// matches exactly one non-empty segment; segment counts must agree.
func matchSegments(segments []segment, parts []string) (map[string]string, bool) {
	if len(segments) != len(parts) {
		return nil, false
	}
	var params map[string]string
	for i, seg := range segments {
		if seg.capture != "" {
			if parts[i] == "" {
				return nil, false
			}
			if params == nil {
				params = make(map[string]string, 2)
			}
			params[seg.capture] = parts[i]
			continue
		}
		if seg.literal != parts[i] {
			return nil, false
		}
	}
	return params, true
}

// splitPath splits on '/' after stripping the leading slash. "/" yields an
// empty slice, matching the zero-segment pattern "/".
func splitPath(path string) []string {
	path = strings.TrimPrefix(path, "/")
	if path == "" {
		return nil
	}
	return strings.Split(path, "/")
}

// shapeKey collapses capture names so `/user/<id>` and `/user/<name>` have
// the same shape for overlap detection.
func shapeKey(segments []segment) string {
	var b strings.Builder
	for _, seg := range segments {
		b.WriteByte('/')
		if seg.capture != "" {
			b.WriteString("<>")
		} else {
			b.WriteString(seg.literal)
		}
	}
	if b.Len() == 0 {
		return "/"
	}
	return b.String()
}
