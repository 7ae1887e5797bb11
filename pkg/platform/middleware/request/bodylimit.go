package request

import (
	"net/http"
)

// BodyLimit wraps the request body so that reading more than maxBytes fails
// with *http.MaxBytesError, which the JSON decoders answer with a 413. Mount
// it ahead of any handler that reads the body.
func BodyLimit(maxBytes int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			next.ServeHTTP(w, r)
		})
	}
}
