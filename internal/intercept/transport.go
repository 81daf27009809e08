package intercept

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"

	"github.com/goodtune/greengpt/internal/metrics"
)

// Transport is an http.RoundTripper that reports chat exchanges to Hooks
// while passing them through unchanged.
type Transport struct {
	Base         http.RoundTripper
	Hooks        Hooks
	MaxBodyBytes int64
}

// RoundTrip implements http.RoundTripper.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}
	if !t.Hooks.Observes(req) {
		return base.RoundTrip(req)
	}

	if req.Body != nil && req.Body != http.NoBody {
		body, rest, complete, err := readLimited(req.Body, t.limit())

		// Callers must not see their request modified
		req = req.Clone(req.Context())
		req.Body = rest
		if err != nil {
			metrics.ExtractionFailures.WithLabelValues("request").Inc()
		} else if complete {
			t.Hooks.OnRequest(req, body)
		}
	}

	resp, err := base.RoundTrip(req)
	if err != nil {
		return nil, err
	}

	contentType := resp.Header.Get("Content-Type")
	encoding := resp.Header.Get("Content-Encoding")
	resp.Body = &observedBody{
		ReadCloser: resp.Body,
		limit:      t.limit(),
		done: func(body []byte) {
			reportResponse(t.Hooks, contentType, encoding, body, t.limit())
		},
	}
	return resp, nil
}

func (t *Transport) limit() int64 {
	if t.MaxBodyBytes <= 0 {
		return DefaultMaxBodyBytes
	}
	return t.MaxBodyBytes
}

// Middleware returns server-side middleware reporting chat exchanges to
// hooks. The wrapped ResponseWriter keeps http.Flusher support so streamed
// responses are not buffered.
func Middleware(hooks Hooks, maxBodyBytes int64) func(http.Handler) http.Handler {
	if maxBodyBytes <= 0 {
		maxBodyBytes = DefaultMaxBodyBytes
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !hooks.Observes(r) {
				next.ServeHTTP(w, r)
				return
			}

			if accept := r.Header.Get("Accept-Encoding"); accept != "" {
				r.Header.Set("Accept-Encoding", decodableEncodings(accept))
			}

			if r.Body != nil && r.Body != http.NoBody {
				body, rest, complete, err := readLimited(r.Body, maxBodyBytes)
				r.Body = rest
				if err != nil {
					// Forwarded as far as it could be read, not counted
					metrics.ExtractionFailures.WithLabelValues("request").Inc()
				} else if complete {
					hooks.OnRequest(r, body)
				}
			}

			tee := &teeWriter{ResponseWriter: w, limit: maxBodyBytes}
			next.ServeHTTP(tee, r)

			if !tee.overflow {
				header := tee.Header()
				reportResponse(hooks, header.Get("Content-Type"), header.Get("Content-Encoding"), tee.buf.Bytes(), maxBodyBytes)
			}
		})
	}
}

// reportResponse hands the decoded body to hooks. Bodies in an encoding that
// cannot be undone are counted as extraction failures.
func reportResponse(hooks Hooks, contentType, encoding string, body []byte, limit int64) {
	decoded, err := decodeBody(encoding, body, limit)
	if err != nil {
		metrics.ExtractionFailures.WithLabelValues("response").Inc()
		return
	}
	hooks.OnResponse(contentType, decoded)
}

// readLimited buffers up to limit bytes of rc. It returns the buffered bytes,
// a replacement body yielding the full original stream, and whether the
// whole body fit. On a read error the replacement still replays what was
// read before the error.
func readLimited(rc io.ReadCloser, limit int64) ([]byte, io.ReadCloser, bool, error) {
	buf, err := io.ReadAll(io.LimitReader(rc, limit+1))
	if err != nil {
		return nil, &replayBody{
			Reader: io.MultiReader(bytes.NewReader(buf), rc),
			closer: rc,
		}, false, err
	}

	if int64(len(buf)) <= limit {
		_ = rc.Close()
		return buf, io.NopCloser(bytes.NewReader(buf)), true, nil
	}

	return nil, &replayBody{
		Reader: io.MultiReader(bytes.NewReader(buf), rc),
		closer: rc,
	}, false, nil
}

type replayBody struct {
	io.Reader
	closer io.Closer
}

func (b *replayBody) Close() error {
	return b.closer.Close()
}

// observedBody hands the bytes read so far to done on EOF or Close,
// whichever happens first. Bodies over the limit are not reported.
type observedBody struct {
	io.ReadCloser
	limit    int64
	buf      bytes.Buffer
	overflow bool
	once     sync.Once
	done     func(body []byte)
}

func (b *observedBody) Read(p []byte) (int, error) {
	n, err := b.ReadCloser.Read(p)
	if n > 0 && !b.overflow {
		if int64(b.buf.Len()+n) > b.limit {
			b.overflow = true
			b.buf = bytes.Buffer{}
		} else {
			b.buf.Write(p[:n])
		}
	}
	if errors.Is(err, io.EOF) {
		b.finish()
	}
	return n, err
}

func (b *observedBody) Close() error {
	err := b.ReadCloser.Close()
	b.finish()
	return err
}

func (b *observedBody) finish() {
	b.once.Do(func() {
		if !b.overflow {
			b.done(b.buf.Bytes())
		}
	})
}

// teeWriter copies the response body, up to limit, as it is written.
type teeWriter struct {
	http.ResponseWriter
	limit    int64
	buf      bytes.Buffer
	overflow bool
}

func (w *teeWriter) Write(p []byte) (int, error) {
	if !w.overflow {
		if int64(w.buf.Len()+len(p)) > w.limit {
			w.overflow = true
			w.buf = bytes.Buffer{}
		} else {
			w.buf.Write(p)
		}
	}
	return w.ResponseWriter.Write(p)
}

func (w *teeWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *teeWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	return h.Hijack()
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (w *teeWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
