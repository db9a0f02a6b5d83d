package tinyweb

import (
	"io"
	"mime"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/klauspost/compress/gzip"
	"github.com/pkg/errors"
	"github.com/puzpuzpuz/xsync/v3"
)

// Files stream to the wire in chunks of this size; a file is never loaded
// whole.
const fsChunkSize = 4096

// Files smaller than this go out uncompressed even when the peer accepts
// gzip; the writer overhead outweighs the savings.
const minCompressSize = 256

// mimeTypes is the built-in extension table consulted before the platform
// MIME database. It covers what a device UI actually ships.
var mimeTypes = map[string]string{
	".html": MIMETextHTMLCharsetUTF8,
	".htm":  MIMETextHTMLCharsetUTF8,
	".css":  "text/css; charset=utf-8",
	".js":   "application/javascript",
	".json": MIMEApplicationJSON,
	".txt":  MIMETextPlain,
	".xml":  "text/xml; charset=utf-8",
	".csv":  "text/csv; charset=utf-8",
	".png":  "image/png",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".gif":  "image/gif",
	".svg":  "image/svg+xml",
	".ico":  "image/x-icon",
	".pdf":  "application/pdf",
	".gz":   "application/gzip",
	".wasm": "application/wasm",
}

var mimeCache = xsync.NewMapOf[string, string](xsync.WithPresize(32))

// MIMETypeByFilename resolves a content type from the file extension:
// built-in table first, then the platform database, then octet-stream.
// Results are cached per extension.
func MIMETypeByFilename(filename string) string {
	ext := strings.ToLower(filepath.Ext(filename))
	if ext == "" {
		return MIMEOctetStream
	}
	if ct, ok := mimeCache.Load(ext); ok {
		return ct
	}
	ct, ok := mimeTypes[ext]
	if !ok {
		ct = mime.TypeByExtension(ext)
	}
	if ct == "" {
		ct = MIMEOctetStream
	}
	mimeCache.Store(ext, ct)
	return ct
}

func compressibleContentType(ct string) bool {
	return strings.HasPrefix(ct, "text/") ||
		strings.HasPrefix(ct, "application/json") ||
		strings.HasPrefix(ct, "application/javascript") ||
		strings.HasPrefix(ct, "image/svg")
}

var copyBufPool = sync.Pool{
	New: func() any {
		b := make([]byte, fsChunkSize)
		return &b
	},
}

var gzipWriterPool = sync.Pool{
	New: func() any {
		return gzip.NewWriter(io.Discard)
	},
}

// SendFile streams a local file as the response body. The content type
// comes from the filename, Cache-Control from maxAge (0 disables caching),
// and Content-Length from the file size. A missing or unreadable file takes
// the not-found error path. When the request advertised gzip support and the
// content type is compressible, the body is gzip-encoded instead, delimited
// by connection close.
func (resp *Response) SendFile(path string, maxAge int) error {
	if resp.started {
		return ErrResponseStarted
	}

	f, err := os.Open(path)
	if err != nil {
		return resp.Error(StatusNotFound, "")
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil || fi.IsDir() {
		return resp.Error(StatusNotFound, "")
	}

	if maxAge > 0 {
		_ = resp.AddHeader(HeaderCacheControl, "max-age="+strconv.Itoa(maxAge))
	} else {
		_ = resp.AddHeader(HeaderCacheControl, "no-cache")
	}

	ct := MIMETypeByFilename(path)
	if resp.acceptsGzip && fi.Size() >= minCompressSize && compressibleContentType(ct) {
		return resp.sendFileGzip(f, ct)
	}

	_ = resp.AddHeader(HeaderContentLength, strconv.FormatInt(fi.Size(), 10))
	if err = resp.Start(ct); err != nil {
		return err
	}
	return resp.copyChunks(f)
}

func (resp *Response) sendFileGzip(f *os.File, contentType string) error {
	_ = resp.AddHeader(HeaderContentEncoding, "gzip")
	if err := resp.Start(contentType); err != nil {
		return err
	}

	zw := gzipWriterPool.Get().(*gzip.Writer)
	zw.Reset(resp.w)
	defer gzipWriterPool.Put(zw)

	buf := copyBufPool.Get().(*[]byte)
	_, err := io.CopyBuffer(zw, f, *buf)
	copyBufPool.Put(buf)
	if err != nil {
		return errors.Wrap(err, "compress file body")
	}
	if err = zw.Close(); err != nil {
		return errors.Wrap(err, "finish gzip stream")
	}
	return nil
}

// copyChunks streams the file through a pooled bounded buffer.
func (resp *Response) copyChunks(f *os.File) error {
	buf := copyBufPool.Get().(*[]byte)
	defer copyBufPool.Put(buf)
	for {
		n, err := f.Read(*buf)
		if n > 0 {
			if werr := resp.Send((*buf)[:n]); werr != nil {
				return werr
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return errors.Wrapf(ErrFileNotFound, "read file: %v", err)
		}
	}
}
