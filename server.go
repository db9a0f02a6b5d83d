// Package tinyweb is an HTTP/1.0 server engine for severely memory- and
// CPU-constrained network devices. It serves one request per connection
// under bounded concurrency: requests are parsed incrementally with hard
// limits on line length, header count and body size, dispatched through a
// route table with literal and <name>-templated segments, and answered
// through a write-once response head followed by streamed body bytes.
//
// REST resources registered via Router.AddResource are the one deviation
// from plain HTTP/1.0 on the wire: they answer with an HTTP/1.1 status line
// plus an explicit "Connection: close". Every connection closes after a
// single exchange either way.
package tinyweb

import (
	"bufio"
	"context"
	"io"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog"
	"github.com/valyala/tcplisten"
)

var zeroTime time.Time

type connState struct {
	createTime time.Time
}

// Server owns the listening socket, the slot pool and the live-connection
// set. The zero value plus a Router is usable; unset limits come from the
// Profile.
type Server struct {
	// Router resolves requests to handlers. A nil Router serves the
	// built-in not-found response for everything.
	Router *Router

	// Profile supplies sizing defaults for Concurrency and Backlog.
	Profile Profile

	// Concurrency caps simultaneously served connections; 0 takes the
	// profile default.
	Concurrency int

	// Backlog is the kernel listen queue length. It must exceed
	// Concurrency; overload waits there rather than being refused.
	// 0 takes the profile default.
	Backlog int

	// ReadTimeout bounds the request-line and header phase of each
	// connection. Body reads and handler execution are not bounded;
	// handler code is trusted. 0 takes DefaultReadTimeout, negative
	// disables the deadline.
	ReadTimeout time.Duration

	// Debug gates diagnostic detail in server-error responses and the
	// per-request debug log line.
	Debug bool

	// Logger defaults to a plain stderr zerolog logger.
	Logger *zerolog.Logger

	// MaxIdleSlotDuration retires idle connection slots; see slotPool.
	MaxIdleSlotDuration time.Duration

	mu       sync.Mutex
	ln       net.Listener
	pool     *slotPool
	shut     bool
	open     int32
	connsTrk sync.Once
	conns    *xsync.MapOf[net.Conn, *connState]
}

func (s *Server) concurrencyLimit() int {
	if s.Concurrency > 0 {
		return s.Concurrency
	}
	return s.Profile.Concurrency()
}

func (s *Server) backlogSize() int {
	if s.Backlog > 0 {
		return s.Backlog
	}
	return s.Profile.Backlog(s.concurrencyLimit())
}

func (s *Server) readTimeout() time.Duration {
	if s.ReadTimeout == 0 {
		return DefaultReadTimeout
	}
	if s.ReadTimeout < 0 {
		return 0
	}
	return s.ReadTimeout
}

var emptyRouter = NewRouter()

func (s *Server) router() *Router {
	if s.Router != nil {
		return s.Router
	}
	return emptyRouter
}

func (s *Server) trackInit() {
	s.connsTrk.Do(func() {
		s.conns = xsync.NewMapOf[net.Conn, *connState](
			xsync.WithPresize(s.concurrencyLimit()))
	})
}

// ListenAndServe binds addr with the configured backlog and serves until
// the listener fails or Shutdown is called.
func (s *Server) ListenAndServe(addr string) error {
	if s.backlogSize() <= s.concurrencyLimit() {
		return ErrBacklogTooSmall
	}
	cfg := tcplisten.Config{Backlog: s.backlogSize()}
	ln, err := cfg.NewListener("tcp4", addr)
	if err != nil {
		return errors.Wrap(err, "listen")
	}
	return s.Serve(ln)
}

// Serve runs the accept loop over ln. A connection is admitted into a free
// concurrency slot before Accept is called, so while every slot is busy the
// excess connections stay in the kernel backlog. Serve returns nil after
// Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	if s.backlogSize() <= s.concurrencyLimit() {
		return ErrBacklogTooSmall
	}
	s.trackInit()

	s.mu.Lock()
	if s.shut {
		s.mu.Unlock()
		return ErrServerStopped
	}
	s.ln = ln
	pool := &slotPool{
		serve:               s.serveConn,
		capacity:            s.concurrencyLimit(),
		maxIdleSlotDuration: s.MaxIdleSlotDuration,
		logger:              s.logger(),
	}
	pool.start()
	s.pool = pool
	s.mu.Unlock()

	for {
		if !pool.admit() {
			return nil
		}
		c, err := ln.Accept()
		if err != nil {
			pool.cancelAdmit()
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				s.logger().Warn().Err(err).Msg("accept timeout")
				time.Sleep(time.Second)
				continue
			}
			pool.stop()
			if err == io.EOF || strings.Contains(err.Error(), "use of closed network connection") {
				return nil
			}
			s.logger().Error().Err(err).Msg("accept failed")
			return err
		}
		atomic.AddInt32(&s.open, 1)
		if !pool.dispatch(c) {
			atomic.AddInt32(&s.open, -1)
			_ = c.Close()
			if pool.stopped() {
				return nil
			}
			continue
		}
	}
}

// ServeConn drives one already-accepted connection through the engine,
// bypassing admission. It does not close c.
func (s *Server) ServeConn(c net.Conn) error {
	s.trackInit()
	atomic.AddInt32(&s.open, 1)
	return s.serveConn(c)
}

// serveConn is the per-connection state machine: parse the request line,
// parse headers, route, read the body, run the handler, respond, close.
// Any step can divert to an error response while the head is still
// unflushed, or to an abrupt close after.
func (s *Server) serveConn(c net.Conn) (err error) {
	cs := &connState{createTime: time.Now()}
	s.conns.Store(c, cs)
	defer func() {
		s.conns.Delete(c)
		atomic.AddInt32(&s.open, -1)
	}()

	br := bufio.NewReaderSize(c, readBufferSize)
	bw := bufio.NewWriterSize(c, writeBufferSize)
	resp := newResponse(bw)

	// The deadline covers parsing and routing, not the handler. A peer
	// stalling mid-header is the attack this defends against.
	if d := s.readTimeout(); d > 0 {
		if err = c.SetReadDeadline(time.Now().Add(d)); err != nil {
			return errors.Wrap(err, "set read deadline")
		}
	}

	req, err := parseRequestHead(br)
	if err != nil {
		if isAbruptReadError(err) {
			// Timed out or half-read peer: typically unreachable,
			// no response is owed.
			return err
		}
		status, msg := protocolErrorStatus(err)
		if respErr := resp.Error(status, msg); respErr != nil {
			return respErr
		}
		return bw.Flush()
	}
	if err = c.SetReadDeadline(zeroTime); err != nil {
		return errors.Wrap(err, "clear read deadline")
	}

	rt, params, allowed, status := s.router().route(req.Method, req.Path)
	switch status {
	case matchNotFound:
		if catchall := s.router().catchall; catchall != nil {
			req.pruneHeaders(nil)
			err = s.runDirect(catchall, req, resp)
			break
		}
		err = resp.Error(StatusNotFound, "")
	case matchMethodNotAllowed:
		_ = resp.AddHeader(HeaderAllow, strings.Join(allowed, ", "))
		err = resp.Error(StatusMethodNotAllowed, "")
	case matchFound:
		err = s.serveRoute(rt, req, params, resp, br)
	}
	if err != nil {
		if resp.started {
			// Partial sends cannot be retracted; push out what the
			// handler managed to write and close.
			_ = resp.w.Flush()
			return err
		}
		if errors.Cause(err) == ErrBodyTruncated {
			// Peer vanished mid-body; nobody is listening for a
			// response.
			return err
		}
		detail := ""
		if s.Debug {
			detail = err.Error()
		}
		if respErr := resp.Error(StatusInternalServerError, detail); respErr != nil {
			return respErr
		}
	}

	if s.Debug {
		s.logger().Debug().
			Str("method", req.Method).
			Str("path", req.Path).
			Int("status", resp.Status).
			Dur("elapsed", time.Since(cs.createTime)).
			Msg("request")
	}
	return resp.finish()
}

func (s *Server) serveRoute(rt *Route, req *Request, params map[string]string, resp *Response, br *bufio.Reader) error {
	resp.acceptsGzip = req.acceptsGzip
	req.pruneHeaders(rt.saveHeaders)
	req.Params = params

	if rt.rest {
		resp.Version = "1.1"
		_ = resp.AddHeader(HeaderConnection, "close")
	}
	if rt.cors {
		resp.corsEnabled = true
		resp.corsOrigins = rt.corsOrigins
		resp.corsHeaders = rt.corsHeaders
	}

	if err := req.readBody(br, rt.maxBodySize); err != nil {
		if err == ErrBodyTooLarge {
			return resp.Error(StatusPayloadTooLarge, "")
		}
		return err
	}

	if rt.stream != nil {
		return s.runStream(rt.stream, req, resp)
	}
	return s.runDirect(rt.handler, req, resp)
}

// runDirect invokes a direct handler with panic isolation. A panicking
// handler surfaces as a handler error on its own connection; the server
// keeps serving others.
func (s *Server) runDirect(h Handler, req *Request, resp *Response) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Wrapf(ErrHandlerPanic, "%v", r)
		}
	}()
	return h(req, resp)
}

// runStream invokes a streaming handler and writes its chunks to the wire
// in arrival order, flushing after each so the peer sees them as produced.
func (s *Server) runStream(h StreamHandler, req *Request, resp *Response) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Wrapf(ErrHandlerPanic, "%v", r)
		}
	}()
	next, err := h(req, resp)
	if err != nil {
		return err
	}
	if !resp.started {
		if err = resp.Start(""); err != nil {
			return err
		}
	}
	for {
		chunk, cerr := next()
		if cerr == io.EOF {
			return nil
		}
		if cerr != nil {
			return cerr
		}
		if err = resp.Send(chunk); err != nil {
			return err
		}
		if err = resp.w.Flush(); err != nil {
			return errors.Wrap(err, "flush chunk")
		}
	}
}

// isAbruptReadError classifies failures for which no error response is
// attempted: the peer timed out mid-header or went away.
func isAbruptReadError(err error) bool {
	cause := errors.Cause(err)
	if netErr, ok := cause.(net.Error); ok && netErr.Timeout() {
		return true
	}
	return cause == io.EOF || cause == io.ErrUnexpectedEOF
}

// protocolErrorStatus maps a parse error to the response owed to the peer.
func protocolErrorStatus(err error) (int, string) {
	switch errors.Cause(err) {
	case ErrMethodNotSupported:
		return StatusNotImplemented, "method not supported"
	case ErrLineTooLong:
		return StatusPayloadTooLarge, "request line too long"
	case ErrHeaderTooLarge, ErrTooManyHeaders:
		return StatusPayloadTooLarge, "header block too large"
	default:
		return StatusBadRequest, ""
	}
}

// Shutdown stops the server: no new admissions, listener closed, every
// live connection's socket closed so in-flight handlers unwind at their
// next I/O. Repeated calls are no-ops. Shutdown waits until all
// connections are gone.
func (s *Server) Shutdown() error {
	return s.ShutdownWithContext(context.Background())
}

// ShutdownWithContext is Shutdown bounded by ctx; on expiry it returns the
// context error without waiting further.
func (s *Server) ShutdownWithContext(ctx context.Context) error {
	s.mu.Lock()
	if s.shut {
		s.mu.Unlock()
		return nil
	}
	s.shut = true
	ln, pool := s.ln, s.pool
	s.mu.Unlock()

	if pool != nil {
		pool.stop()
	}
	if ln != nil {
		_ = ln.Close()
	}
	s.trackInit()
	s.conns.Range(func(c net.Conn, _ *connState) bool {
		_ = c.Close()
		return true
	})

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for atomic.LoadInt32(&s.open) > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}
