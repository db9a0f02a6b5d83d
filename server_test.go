package tinyweb

import (
	"io"
	"net"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gookit/goutil/testutil/assert"
	"github.com/valyala/fasthttp/fasthttputil"
	"github.com/xyproto/randomstring"
	"golang.org/x/sync/errgroup"
)

// exchange drives one raw request through ServeConn over an in-memory
// connection pair and returns the full wire response.
func exchange(t *testing.T, s *Server, raw string) string {
	t.Helper()
	pcs := fasthttputil.NewPipeConns()
	cli, ser := pcs.Conn1(), pcs.Conn2()
	done := make(chan struct{})
	go func() {
		_ = s.ServeConn(ser)
		_ = ser.Close()
		close(done)
	}()
	_, err := cli.Write([]byte(raw))
	assert.NoErr(t, err)
	out, err := io.ReadAll(cli)
	assert.NoErr(t, err)
	_ = cli.Close()
	<-done
	return string(out)
}

func TestServeLiteralRoute(t *testing.T) {
	r := NewRouter()
	_, err := r.AddRoute("/hello", func(req *Request, resp *Response) error {
		_ = resp.AddHeader("X-Greeting", "yes")
		return resp.SendString("hello world")
	}, RouteOptions{})
	assert.NoErr(t, err)

	out := exchange(t, &Server{Router: r}, "GET /hello HTTP/1.0\r\n\r\n")
	assert.True(t, strings.HasPrefix(out, "HTTP/1.0 200 OK\r\n"))
	assert.True(t, strings.Contains(out, "X-Greeting: yes\r\n"))
	assert.True(t, strings.HasSuffix(out, "\r\n\r\nhello world"))
}

func TestServeTemplateRoute(t *testing.T) {
	r := NewRouter()
	_, err := r.AddRoute("/user/<id>", func(req *Request, resp *Response) error {
		return resp.SendString("user=" + req.Params["id"])
	}, RouteOptions{})
	assert.NoErr(t, err)

	s := &Server{Router: r}
	out := exchange(t, s, "GET /user/42 HTTP/1.0\r\n\r\n")
	assert.True(t, strings.HasSuffix(out, "user=42"))

	out = exchange(t, s, "GET /user/42/extra HTTP/1.0\r\n\r\n")
	assert.True(t, strings.HasPrefix(out, "HTTP/1.0 404 "))
}

func TestServeNotFound(t *testing.T) {
	out := exchange(t, &Server{Router: NewRouter()}, "GET /missing HTTP/1.0\r\n\r\n")
	assert.True(t, strings.HasPrefix(out, "HTTP/1.0 404 Not Found\r\n"))
}

func TestServeCatchall(t *testing.T) {
	r := NewRouter()
	r.Catchall(func(req *Request, resp *Response) error {
		resp.Status = 403
		return resp.SendString("blocked:" + req.Path)
	})

	out := exchange(t, &Server{Router: r}, "GET /anything/else HTTP/1.0\r\n\r\n")
	assert.True(t, strings.HasPrefix(out, "HTTP/1.0 403 Forbidden\r\n"))
	assert.True(t, strings.HasSuffix(out, "blocked:/anything/else"))
}

func TestServeMethodNotAllowed(t *testing.T) {
	r := NewRouter()
	_, err := r.AddRoute("/thing", nopHandler, RouteOptions{Methods: []string{"GET", "PUT"}})
	assert.NoErr(t, err)

	out := exchange(t, &Server{Router: r}, "DELETE /thing HTTP/1.0\r\n\r\n")
	assert.True(t, strings.HasPrefix(out, "HTTP/1.0 405 Method Not Allowed\r\n"))
	assert.True(t, strings.Contains(out, "Allow: GET, PUT\r\n"))
}

func TestServeHeaderAllowList(t *testing.T) {
	var seen map[string]string
	r := NewRouter()
	_, err := r.AddRoute("/hdr", func(req *Request, resp *Response) error {
		seen = req.Headers
		return resp.SendString("ok")
	}, RouteOptions{SaveHeaders: []string{"X-Auth"}})
	assert.NoErr(t, err)

	raw := "GET /hdr HTTP/1.0\r\nX-Auth: token\r\nX-Noise: drop\r\n\r\n"
	exchange(t, &Server{Router: r}, raw)
	assert.Eq(t, map[string]string{"X-Auth": "token"}, seen)
}

func TestServeBodyLimit(t *testing.T) {
	invoked := false
	r := NewRouter()
	_, err := r.AddRoute("/upload", func(req *Request, resp *Response) error {
		invoked = true
		return resp.SendString("ok")
	}, RouteOptions{Methods: []string{"POST"}, MaxBodySize: 16})
	assert.NoErr(t, err)

	payload := randomstring.HumanFriendlyString(200)
	raw := "POST /upload HTTP/1.0\r\nContent-Length: 200\r\n\r\n" + payload
	out := exchange(t, &Server{Router: r}, raw)
	assert.True(t, strings.HasPrefix(out, "HTTP/1.0 413 Payload Too Large\r\n"))
	assert.False(t, invoked)
}

func TestServeBodyDelivered(t *testing.T) {
	var got []byte
	r := NewRouter()
	_, err := r.AddRoute("/upload", func(req *Request, resp *Response) error {
		got = req.Body
		return resp.SendString("ok")
	}, RouteOptions{Methods: []string{"POST"}, MaxBodySize: 64})
	assert.NoErr(t, err)

	raw := "POST /upload HTTP/1.0\r\nContent-Length: 9\r\n\r\nfield=on!"
	exchange(t, &Server{Router: r}, raw)
	assert.Eq(t, []byte("field=on!"), got)
}

func TestServeHandlerError(t *testing.T) {
	r := NewRouter()
	_, err := r.AddRoute("/boom", func(req *Request, resp *Response) error {
		return io.ErrClosedPipe
	}, RouteOptions{})
	assert.NoErr(t, err)

	out := exchange(t, &Server{Router: r}, "GET /boom HTTP/1.0\r\n\r\n")
	assert.True(t, strings.HasPrefix(out, "HTTP/1.0 500 Internal Server Error\r\n"))
	// Debug off: generic message only.
	assert.False(t, strings.Contains(out, "closed pipe"))

	out = exchange(t, &Server{Router: r, Debug: true}, "GET /boom HTTP/1.0\r\n\r\n")
	assert.True(t, strings.Contains(out, "closed pipe"))
}

func TestServeHandlerPanicIsolated(t *testing.T) {
	r := NewRouter()
	_, err := r.AddRoute("/panic", func(req *Request, resp *Response) error {
		panic("kaboom")
	}, RouteOptions{})
	assert.NoErr(t, err)
	_, err = r.AddRoute("/fine", func(req *Request, resp *Response) error {
		return resp.SendString("fine")
	}, RouteOptions{})
	assert.NoErr(t, err)

	s := &Server{Router: r}
	out := exchange(t, s, "GET /panic HTTP/1.0\r\n\r\n")
	assert.True(t, strings.HasPrefix(out, "HTTP/1.0 500 "))

	// The panic stayed on its own connection.
	out = exchange(t, s, "GET /fine HTTP/1.0\r\n\r\n")
	assert.True(t, strings.HasSuffix(out, "fine"))
}

func TestServeFailureAfterHeadersAbortsQuietly(t *testing.T) {
	r := NewRouter()
	_, err := r.AddRoute("/partial", func(req *Request, resp *Response) error {
		if err := resp.SendString("partial data"); err != nil {
			return err
		}
		return io.ErrClosedPipe
	}, RouteOptions{})
	assert.NoErr(t, err)

	out := exchange(t, &Server{Router: r}, "GET /partial HTTP/1.0\r\n\r\n")
	// Headers went out, so no error response can follow; the connection
	// just closes.
	assert.Eq(t, 1, strings.Count(out, "HTTP/1.0"))
	assert.False(t, strings.Contains(out, "500"))
}

func TestServeRESTConnectionClose(t *testing.T) {
	r := NewRouter()
	assert.NoErr(t, r.AddResource(&fakeResource{}, "/api/widget/<id>"))

	out := exchange(t, &Server{Router: r}, "GET /api/widget/3 HTTP/1.0\r\n\r\n")
	assert.True(t, strings.HasPrefix(out, "HTTP/1.1 200 OK\r\n"))
	assert.True(t, strings.Contains(out, "Connection: close\r\n"))
	assert.True(t, strings.HasSuffix(out, "get"))
}

func TestServeStreamingChunks(t *testing.T) {
	chunks := []string{"alpha-", "beta-", "gamma"}
	r := NewRouter()
	_, err := r.AddStreamRoute("/stream", func(req *Request, resp *Response) (ChunkFunc, error) {
		i := 0
		return func() ([]byte, error) {
			if i == len(chunks) {
				return nil, io.EOF
			}
			c := chunks[i]
			i++
			return []byte(c), nil
		}, nil
	}, RouteOptions{})
	assert.NoErr(t, err)

	out := exchange(t, &Server{Router: r}, "GET /stream HTTP/1.0\r\n\r\n")
	assert.True(t, strings.HasPrefix(out, "HTTP/1.0 200 OK\r\n"))
	assert.True(t, strings.HasSuffix(out, "alpha-beta-gamma"))
}

func TestServeProtocolErrors(t *testing.T) {
	s := &Server{Router: NewRouter()}

	out := exchange(t, s, "BREW /tea HTTP/1.0\r\n\r\n")
	assert.True(t, strings.HasPrefix(out, "HTTP/1.0 501 "))

	out = exchange(t, s, "total garbage\r\n\r\n")
	assert.True(t, strings.HasPrefix(out, "HTTP/1.0 400 "))

	out = exchange(t, s, "GET /x HTTP/1.0\r\nX-Big: "+strings.Repeat("v", maxHeaderLineLen)+"\r\n\r\n")
	assert.True(t, strings.HasPrefix(out, "HTTP/1.0 413 "))

	out = exchange(t, s, "GET /"+strings.Repeat("a", maxRequestLineLen)+" HTTP/1.0\r\n\r\n")
	assert.True(t, strings.HasPrefix(out, "HTTP/1.0 413 "))
}

func TestServeHeaderPhaseTimeout(t *testing.T) {
	s := &Server{Router: NewRouter(), ReadTimeout: 30 * time.Millisecond}

	pcs := fasthttputil.NewPipeConns()
	cli, ser := pcs.Conn1(), pcs.Conn2()
	done := make(chan error, 1)
	go func() {
		err := s.ServeConn(ser)
		_ = ser.Close()
		done <- err
	}()

	// Half a request, then stall.
	_, err := cli.Write([]byte("GET / HTTP/1.0\r\nX-Slow"))
	assert.NoErr(t, err)

	out, err := io.ReadAll(cli)
	assert.NoErr(t, err)
	// Abrupt close: no response bytes at all.
	assert.Eq(t, 0, len(out))
	assert.Err(t, <-done)
	_ = cli.Close()
}

func TestServeConcurrencyLimit(t *testing.T) {
	const limit = 2
	const clients = 6

	var active, maxActive int32
	r := NewRouter()
	_, err := r.AddRoute("/busy", func(req *Request, resp *Response) error {
		cur := atomic.AddInt32(&active, 1)
		for {
			m := atomic.LoadInt32(&maxActive)
			if cur <= m || atomic.CompareAndSwapInt32(&maxActive, m, cur) {
				break
			}
		}
		time.Sleep(30 * time.Millisecond)
		atomic.AddInt32(&active, -1)
		return resp.SendString("ok")
	}, RouteOptions{})
	assert.NoErr(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	assert.NoErr(t, err)
	s := &Server{Router: r, Concurrency: limit, Backlog: 16}
	serveDone := make(chan error, 1)
	go func() { serveDone <- s.Serve(ln) }()

	var g errgroup.Group
	for i := 0; i < clients; i++ {
		g.Go(func() error {
			c, err := net.Dial("tcp", ln.Addr().String())
			if err != nil {
				return err
			}
			defer c.Close()
			if _, err = c.Write([]byte("GET /busy HTTP/1.0\r\n\r\n")); err != nil {
				return err
			}
			out, err := io.ReadAll(c)
			if err != nil {
				return err
			}
			if !strings.HasSuffix(string(out), "ok") {
				return io.ErrUnexpectedEOF
			}
			return nil
		})
	}
	assert.NoErr(t, g.Wait())
	assert.True(t, atomic.LoadInt32(&maxActive) <= limit)

	assert.NoErr(t, s.Shutdown())
	assert.NoErr(t, <-serveDone)

	// Idempotent: a second call is a safe no-op.
	assert.NoErr(t, s.Shutdown())

	// No new connections after shutdown.
	c, err := net.Dial("tcp", ln.Addr().String())
	if err == nil {
		_ = c.Close()
		t.Fatal("dial succeeded after shutdown")
	}
}

func TestServeSequentialAtConcurrencyLimit(t *testing.T) {
	r := NewRouter()
	_, err := r.AddRoute("/ping", func(req *Request, resp *Response) error {
		return resp.SendString("ok")
	}, RouteOptions{})
	assert.NoErr(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	assert.NoErr(t, err)
	s := &Server{Router: r, Concurrency: 1, Backlog: 8}
	serveDone := make(chan error, 1)
	go func() { serveDone <- s.Serve(ln) }()

	// Back-to-back exchanges keep hitting the moment the single slot is
	// being recycled; every one must be served and the accept loop must
	// still be running afterwards.
	for i := 0; i < 500; i++ {
		c, err := net.Dial("tcp", ln.Addr().String())
		assert.NoErr(t, err)
		_, err = c.Write([]byte("GET /ping HTTP/1.0\r\n\r\n"))
		assert.NoErr(t, err)
		out, err := io.ReadAll(c)
		assert.NoErr(t, err)
		assert.True(t, strings.HasSuffix(string(out), "ok"))
		_ = c.Close()
	}

	select {
	case err := <-serveDone:
		t.Fatalf("accept loop exited during load: %v", err)
	default:
	}

	assert.NoErr(t, s.Shutdown())
	assert.NoErr(t, <-serveDone)
}

func TestBacklogMustExceedConcurrency(t *testing.T) {
	s := &Server{Router: NewRouter(), Concurrency: 4, Backlog: 4}
	assert.Eq(t, ErrBacklogTooSmall, s.Serve(nil))
	assert.Eq(t, ErrBacklogTooSmall, s.ListenAndServe("127.0.0.1:0"))
}

func TestShutdownClosesLiveConnections(t *testing.T) {
	started := make(chan struct{})
	r := NewRouter()
	_, err := r.AddRoute("/slow", func(req *Request, resp *Response) error {
		close(started)
		time.Sleep(50 * time.Millisecond)
		return resp.SendString("late")
	}, RouteOptions{})
	assert.NoErr(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	assert.NoErr(t, err)
	s := &Server{Router: r, Concurrency: 2, Backlog: 8}
	go func() { _ = s.Serve(ln) }()

	c, err := net.Dial("tcp", ln.Addr().String())
	assert.NoErr(t, err)
	defer c.Close()
	_, err = c.Write([]byte("GET /slow HTTP/1.0\r\n\r\n"))
	assert.NoErr(t, err)
	<-started

	deadline := time.Now().Add(2 * time.Second)
	assert.NoErr(t, s.Shutdown())
	// Shutdown waited for the live connection to finish and closed it.
	assert.True(t, time.Now().Before(deadline))
	_, _ = io.ReadAll(c)
}
