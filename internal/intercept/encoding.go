package intercept

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"compress/zlib"
	"fmt"
	"io"
	"strings"
)

// decodeBody undoes the Content-Encoding of a buffered body so its text can
// be extracted. Only the observed copy is decoded; what the client receives
// is left alone. Decoded output is bounded by limit.
func decodeBody(encoding string, body []byte, limit int64) ([]byte, error) {
	codings := strings.Split(encoding, ",")

	// Codings are listed in the order they were applied
	for idx := len(codings) - 1; idx >= 0; idx-- {
		coding := strings.ToLower(strings.TrimSpace(codings[idx]))

		var r io.Reader
		switch coding {
		case "", "identity":
			continue
		case "gzip", "x-gzip":
			zr, err := gzip.NewReader(bytes.NewReader(body))
			if err != nil {
				return nil, fmt.Errorf("gzip: %w", err)
			}
			defer zr.Close()
			r = zr
		case "deflate":
			r = deflateReader(body)
		default:
			return nil, fmt.Errorf("%w: content encoding %q", ErrUnsupported, coding)
		}

		decoded, err := io.ReadAll(io.LimitReader(r, limit+1))
		if err != nil && len(decoded) == 0 {
			return nil, fmt.Errorf("%s: %w", coding, err)
		}
		if int64(len(decoded)) > limit {
			return nil, fmt.Errorf("decoded body exceeds %d bytes", limit)
		}
		body = decoded
	}

	return body, nil
}

// deflateReader accepts both zlib-wrapped and raw deflate, which servers
// send interchangeably under "deflate".
func deflateReader(body []byte) io.Reader {
	if zr, err := zlib.NewReader(bytes.NewReader(body)); err == nil {
		return zr
	}
	return flate.NewReader(bytes.NewReader(body))
}

// decodableEncodings narrows an Accept-Encoding value to the codings
// decodeBody understands, keeping their parameters.
func decodableEncodings(accept string) string {
	var kept []string
	for _, token := range strings.Split(accept, ",") {
		token = strings.TrimSpace(token)
		name, _, _ := strings.Cut(token, ";")
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "gzip", "x-gzip", "deflate", "identity":
			kept = append(kept, token)
		}
	}
	if len(kept) == 0 {
		return "identity"
	}
	return strings.Join(kept, ", ")
}
