package tinyweb

import (
	"bufio"
	"encoding/json"
	"strconv"

	"github.com/pkg/errors"
	"github.com/valyala/bytebufferpool"
)

type headerField struct {
	name  string
	value string
}

// Response assembles and streams one HTTP response. Status, version and
// headers are mutable until the head is flushed; the started flag then locks
// them and every later send appends body bytes only.
type Response struct {
	// Status is sent with the status line; defaults to 200.
	Status int
	// Version is the HTTP version in the status line, "1.0" unless the
	// matched route is a REST resource (which answers "1.1" plus an
	// explicit Connection: close).
	Version string

	headers []headerField
	started bool

	w *bufio.Writer

	corsEnabled bool
	corsOrigins string
	corsHeaders string

	// copied from the request before header pruning, for SendFile
	acceptsGzip bool
}

func newResponse(w *bufio.Writer) *Response {
	return &Response{Status: StatusOK, Version: "1.0", w: w}
}

// Started reports whether the status line and headers have been flushed.
func (resp *Response) Started() bool { return resp.started }

// AddHeader appends a header. Send order equals insertion order. Fails once
// the head has been flushed.
func (resp *Response) AddHeader(name, value string) error {
	if resp.started {
		return ErrResponseStarted
	}
	resp.headers = append(resp.headers, headerField{name, value})
	return nil
}

// Start flushes the status line and accumulated headers. contentType may be
// empty, in which case no Content-Type header is added. Calling Start twice
// is an error; the head goes on the wire exactly once.
func (resp *Response) Start(contentType string) error {
	if resp.started {
		return ErrResponseStarted
	}
	if resp.corsEnabled {
		resp.headers = append(resp.headers,
			headerField{HeaderACAllowOrigin, resp.corsOrigins},
			headerField{HeaderACAllowHeaders, resp.corsHeaders})
	}
	if contentType != "" {
		resp.headers = append(resp.headers, headerField{HeaderContentType, contentType})
	}
	resp.started = true

	b := bytebufferpool.Get()
	b.B = append(b.B, "HTTP/"...)
	b.B = append(b.B, resp.Version...)
	b.B = append(b.B, ' ')
	b.B = append(b.B, strconv.Itoa(resp.Status)...)
	b.B = append(b.B, ' ')
	b.B = append(b.B, StatusReason(resp.Status)...)
	b.B = append(b.B, strCRLF...)
	for _, h := range resp.headers {
		b.B = append(b.B, h.name...)
		b.B = append(b.B, strColonSpace...)
		b.B = append(b.B, h.value...)
		b.B = append(b.B, strCRLF...)
	}
	b.B = append(b.B, strCRLF...)
	_, err := resp.w.Write(b.B)
	bytebufferpool.Put(b)
	if err != nil {
		return errors.Wrap(err, "write response head")
	}
	return nil
}

// Send writes body bytes, flushing the head first if the handler has not
// done so. Safe to call repeatedly; chunks reach the wire in call order.
func (resp *Response) Send(p []byte) error {
	if !resp.started {
		if err := resp.Start(""); err != nil {
			return err
		}
	}
	if len(p) == 0 {
		return nil
	}
	if _, err := resp.w.Write(p); err != nil {
		return errors.Wrap(err, "write response body")
	}
	return nil
}

// SendString is Send for string bodies.
func (resp *Response) SendString(s string) error {
	return resp.Send([]byte(s))
}

// SendHTML starts a text/html response and sends the given markup.
func (resp *Response) SendHTML(html string) error {
	if err := resp.Start(MIMETextHTMLCharsetUTF8); err != nil {
		return err
	}
	return resp.Send([]byte(html))
}

// SendJSON serializes v and sends it as application/json.
func (resp *Response) SendJSON(v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return errors.Wrap(err, "encode json body")
	}
	if err = resp.Start(MIMEApplicationJSON); err != nil {
		return err
	}
	return resp.Send(body)
}

// Redirect answers with a Location header. The status defaults to 302 but a
// handler that set another 3xx code beforehand keeps it.
func (resp *Response) Redirect(location string) error {
	if resp.started {
		return ErrResponseStarted
	}
	if resp.Status == StatusOK {
		resp.Status = StatusFound
	}
	if err := resp.AddHeader(HeaderLocation, location); err != nil {
		return err
	}
	return resp.Start("")
}

// Error emits a plain-text error response. With an empty message the reason
// phrase doubles as the body. Only usable before the head is flushed; after
// that the caller must abort the connection instead.
func (resp *Response) Error(status int, message string) error {
	if resp.started {
		return ErrResponseStarted
	}
	resp.Status = status
	if message == "" {
		message = StatusReason(status)
	}
	if err := resp.Start(MIMETextPlain); err != nil {
		return err
	}
	return resp.Send([]byte(message))
}

// finish completes the exchange: a handler that never wrote anything still
// produces a well-formed head, and buffered bytes go out.
func (resp *Response) finish() error {
	if !resp.started {
		if err := resp.Start(""); err != nil {
			return err
		}
	}
	return resp.w.Flush()
}
