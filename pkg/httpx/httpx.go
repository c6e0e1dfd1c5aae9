// Package httpx holds the HTTP helpers shared by exportd handlers.
package httpx

import (
	"encoding/json"
	"mime"
	"net/http"
	"strings"

	"dataexport/pkg/apierr"
)

// SecurityHeadersMiddleware applies baseline hardening headers.
func SecurityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Referrer-Policy", "no-referrer")
		h.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'; base-uri 'none'")
		h.Set("Strict-Transport-Security", "max-age=63072000; includeSubDomains")
		h.Set("Cache-Control", "no-store")
		next.ServeHTTP(w, r)
	})
}

func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func Error(w http.ResponseWriter, status int, msg string) {
	WriteJSON(w, status, map[string]any{"error": msg})
}

// WriteAPIError renders err with its classified status. Unclassified errors
// become a 500 with a generic message.
func WriteAPIError(w http.ResponseWriter, err error) {
	kind := apierr.KindOf(err)
	body := map[string]any{"error": apierr.PublicMessage(err), "kind": string(kind)}
	WriteJSON(w, apierr.StatusOf(kind), body)
}

// MaxBodyMiddleware caps request bodies; form parsing past the cap fails.
func MaxBodyMiddleware(limit int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if limit > 0 && r.Body != nil {
				r.Body = http.MaxBytesReader(w, r.Body, limit)
			}
			next.ServeHTTP(w, r)
		})
	}
}

// Params merges the query string with a url-encoded or multipart form body.
// Form values follow query values for the same name.
func Params(r *http.Request) (map[string][]string, error) {
	out := map[string][]string{}
	for k, v := range r.URL.Query() {
		out[k] = append(out[k], v...)
	}
	if r.Method != http.MethodPost && r.Method != http.MethodPut {
		return out, nil
	}
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch mediaType {
	case "application/x-www-form-urlencoded":
		if err := r.ParseForm(); err != nil {
			return nil, err
		}
	case "multipart/form-data":
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			return nil, err
		}
	default:
		return out, nil
	}
	for k, v := range r.PostForm {
		out[k] = append(out[k], v...)
	}
	return out, nil
}

// CountingWriter counts bytes written through it and flushes after each
// write so streamed chunks reach the client as they are produced.
type CountingWriter struct {
	W       http.ResponseWriter
	N       int64
	flusher http.Flusher
}

func NewCountingWriter(w http.ResponseWriter) *CountingWriter {
	cw := &CountingWriter{W: w}
	cw.flusher, _ = w.(http.Flusher)
	return cw
}

func (c *CountingWriter) Write(p []byte) (int, error) {
	n, err := c.W.Write(p)
	c.N += int64(n)
	if err == nil && c.flusher != nil {
		c.flusher.Flush()
	}
	return n, err
}

// HeaderOrParam reads a credential from the named header, falling back to
// the query/form params. Headers keep secrets out of access logs.
func HeaderOrParam(r *http.Request, header string, params map[string][]string, names ...string) string {
	if v := strings.TrimSpace(r.Header.Get(header)); v != "" {
		return v
	}
	for _, name := range names {
		if vs := params[name]; len(vs) > 0 {
			return vs[0]
		}
	}
	return ""
}
