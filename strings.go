package tinyweb

var (
	strCRLF   = []byte("\r\n")
	strHTTP10 = []byte("HTTP/1.0")
	strHTTP11 = []byte("HTTP/1.1")

	strColonSpace = []byte(": ")
)

// Canonical header names used by the engine itself.
const (
	HeaderAllow           = "Allow"
	HeaderAcceptEncoding  = "Accept-Encoding"
	HeaderCacheControl    = "Cache-Control"
	HeaderConnection      = "Connection"
	HeaderContentEncoding = "Content-Encoding"
	HeaderContentLength   = "Content-Length"
	HeaderContentType     = "Content-Type"
	HeaderLocation        = "Location"
	HeaderACAllowOrigin   = "Access-Control-Allow-Origin"
	HeaderACAllowHeaders  = "Access-Control-Allow-Headers"
)

// Content types the helpers emit.
const (
	MIMETextHTMLCharsetUTF8 = "text/html; charset=utf-8"
	MIMETextPlain           = "text/plain; charset=utf-8"
	MIMEApplicationJSON     = "application/json"
	MIMEOctetStream         = "application/octet-stream"
)
