package tinyweb

import (
	"bufio"
	"bytes"
	"io"
	"net/textproto"
	"net/url"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Request is one parsed HTTP/1.0 request. It is built once per connection
// cycle and not mutated afterwards; handlers treat it as read-only.
//
// Headers holds only the names allow-listed by the matched route. During the
// header phase every header is tentatively retained, then the map is pruned
// right after routing; header lines themselves are still bounded, so the
// transient peak stays small.
type Request struct {
	Method string
	Path   string
	Query  string

	// Params holds the named captures of the matched route pattern,
	// e.g. pattern /user/<id> against /user/42 yields {"id": "42"}.
	Params map[string]string

	// Headers maps canonical header names to values. Duplicate names in
	// the request resolve last-wins; values arrive trimmed.
	Headers map[string]string

	// Body holds at most the matched route's body limit.
	Body []byte

	contentLength int
	acceptsGzip   bool

	form       map[string]string
	formParsed bool
}

var knownMethods = map[string]struct{}{
	"GET": {}, "HEAD": {}, "POST": {}, "PUT": {},
	"DELETE": {}, "OPTIONS": {}, "PATCH": {},
}

// readLine reads one CRLF- or LF-terminated line. The reader's buffer is
// sized to the line limit, so bufio.ErrBufferFull means the peer exceeded it.
func readLine(br *bufio.Reader) ([]byte, error) {
	line, err := br.ReadSlice('\n')
	if err != nil {
		if err == bufio.ErrBufferFull {
			return nil, ErrLineTooLong
		}
		return nil, err
	}
	line = line[:len(line)-1]
	if n := len(line); n > 0 && line[n-1] == '\r' {
		line = line[:n-1]
	}
	return line, nil
}

// parseRequestHead consumes the request line and header block. The body, if
// any, is read separately once the route (and with it the body limit) is
// known.
func parseRequestHead(br *bufio.Reader) (*Request, error) {
	line, err := readLine(br)
	if err != nil {
		if err == ErrLineTooLong || err == io.EOF {
			return nil, err
		}
		return nil, errors.Wrap(err, "read request line")
	}

	req := &Request{contentLength: -1}
	if err = req.parseRequestLine(line); err != nil {
		return nil, err
	}
	if err = req.parseHeaders(br); err != nil {
		return nil, err
	}
	return req, nil
}

func (req *Request) parseRequestLine(line []byte) error {
	sp1 := bytes.IndexByte(line, ' ')
	if sp1 <= 0 {
		return ErrBadRequestLine
	}
	sp2 := bytes.IndexByte(line[sp1+1:], ' ')
	if sp2 <= 0 {
		return ErrBadRequestLine
	}
	sp2 += sp1 + 1

	method := string(line[:sp1])
	target := line[sp1+1 : sp2]
	version := line[sp2+1:]

	if _, ok := knownMethods[method]; !ok {
		return ErrMethodNotSupported
	}
	if !bytes.Equal(version, strHTTP10) && !bytes.Equal(version, strHTTP11) {
		return ErrBadVersion
	}
	if len(target) == 0 || target[0] != '/' {
		return ErrBadRequestLine
	}

	req.Method = method
	if q := bytes.IndexByte(target, '?'); q >= 0 {
		req.Path = string(target[:q])
		req.Query = string(target[q+1:])
	} else {
		req.Path = string(target)
	}
	return nil
}

func (req *Request) parseHeaders(br *bufio.Reader) error {
	req.Headers = make(map[string]string, 8)
	for n := 0; ; n++ {
		line, err := readLine(br)
		if err != nil {
			if err == ErrLineTooLong {
				return ErrHeaderTooLarge
			}
			if err == io.EOF {
				return io.ErrUnexpectedEOF
			}
			return errors.Wrap(err, "read header line")
		}
		if len(line) == 0 {
			return nil
		}
		if n == maxHeaderCount {
			return ErrTooManyHeaders
		}

		colon := bytes.IndexByte(line, ':')
		if colon <= 0 {
			return ErrBadHeader
		}
		name := textproto.CanonicalMIMEHeaderKey(string(bytes.TrimSpace(line[:colon])))
		value := string(bytes.TrimSpace(line[colon+1:]))

		switch name {
		case HeaderContentLength:
			cl, err := strconv.Atoi(value)
			if err != nil || cl < 0 {
				return ErrBadHeader
			}
			req.contentLength = cl
		case HeaderAcceptEncoding:
			if containsToken(value, "gzip") {
				req.acceptsGzip = true
			}
		}
		req.Headers[name] = value
	}
}

// readBody reads exactly the declared Content-Length, capped by the matched
// route's limit. A declared length over the limit fails immediately; none of
// the body is read, leaving the excess unconsumed on a socket that is about
// to close anyway.
func (req *Request) readBody(br *bufio.Reader, maxSize int) error {
	if req.contentLength <= 0 {
		return nil
	}
	if req.contentLength > maxSize {
		return ErrBodyTooLarge
	}
	body := make([]byte, req.contentLength)
	if _, err := io.ReadFull(br, body); err != nil {
		return ErrBodyTruncated
	}
	req.Body = body
	return nil
}

// pruneHeaders drops every header not named by the matched route's
// allow-list. Names are matched canonically.
func (req *Request) pruneHeaders(saveHeaders []string) {
	if len(saveHeaders) == 0 {
		req.Headers = nil
		return
	}
	kept := make(map[string]string, len(saveHeaders))
	for _, name := range saveHeaders {
		name = textproto.CanonicalMIMEHeaderKey(name)
		if v, ok := req.Headers[name]; ok {
			kept[name] = v
		}
	}
	req.Headers = kept
}

// Header returns the retained value for name, or "".
func (req *Request) Header(name string) string {
	return req.Headers[textproto.CanonicalMIMEHeaderKey(name)]
}

// Form parses the body as application/x-www-form-urlencoded on first use and
// caches the result. For repeated field names the first value wins. A body
// that does not parse yields an empty map rather than an error; bad form data
// is a handler-level concern, not a protocol one.
func (req *Request) Form() map[string]string {
	if req.formParsed {
		return req.form
	}
	req.formParsed = true
	req.form = map[string]string{}
	if len(req.Body) == 0 {
		return req.form
	}
	values, err := url.ParseQuery(string(req.Body))
	if err != nil {
		return req.form
	}
	for k, vs := range values {
		if len(vs) > 0 {
			req.form[k] = vs[0]
		}
	}
	return req.form
}

// containsToken reports whether a comma-separated header value contains the
// given token, ignoring optional quality parameters.
func containsToken(value, token string) bool {
	for _, item := range strings.Split(value, ",") {
		if i := strings.IndexByte(item, ';'); i >= 0 {
			item = item[:i]
		}
		if strings.TrimSpace(item) == token {
			return true
		}
	}
	return false
}
