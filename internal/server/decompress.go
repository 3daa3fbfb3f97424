package server

import (
	"compress/flate"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/labstack/echo/v4"

	"chatgateway/internal/core"
)

// RequestDecompression transparently decodes gzip, deflate and brotli (br)
// request bodies. It must run before the body limit so the limit applies to
// decoded bytes.
func RequestDecompression() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			encoding := strings.ToLower(strings.TrimSpace(req.Header.Get("Content-Encoding")))
			if encoding == "" || encoding == "identity" || req.Body == nil || req.Body == http.NoBody {
				return next(c)
			}

			body, err := decompressBody(req.Body, encoding)
			if err != nil {
				gwErr := core.NewInvalidRequestError(err.Error(), err)
				if errors.Is(err, errUnsupportedEncoding) {
					gwErr.StatusCode = http.StatusUnsupportedMediaType
				}
				return handleError(c, gwErr)
			}
			req.Body = body
			req.Header.Del("Content-Encoding")
			req.Header.Del("Content-Length")
			req.ContentLength = -1
			return next(c)
		}
	}
}

var errUnsupportedEncoding = errors.New("unsupported content encoding")

// decompressedBody closes the decoder and then the wire body.
type decompressedBody struct {
	io.Reader
	decoder io.Closer
	src     io.Closer
}

func (b *decompressedBody) Close() error {
	if b.decoder != nil {
		_ = b.decoder.Close()
	}
	return b.src.Close()
}

func decompressBody(src io.ReadCloser, encoding string) (io.ReadCloser, error) {
	switch encoding {
	case "gzip", "x-gzip":
		zr, err := gzip.NewReader(src)
		if err != nil {
			return nil, fmt.Errorf("malformed gzip body: %w", err)
		}
		return &decompressedBody{Reader: zr, decoder: zr, src: src}, nil
	case "deflate":
		fr := flate.NewReader(src)
		return &decompressedBody{Reader: fr, decoder: fr, src: src}, nil
	case "br":
		return &decompressedBody{Reader: brotli.NewReader(src), src: src}, nil
	default:
		return nil, fmt.Errorf("%w %q", errUnsupportedEncoding, encoding)
	}
}
