package api

import (
	"localai-backend/pkg/httputil"
	"log"
	"mime"
	"net/http"
)

// --- Content-Type Middleware ---

// RequireJSON rejects requests whose body is not declared as application/json.
// Requests without a body pass through.
func RequireJSON(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.ContentLength == 0 {
			next.ServeHTTP(w, r)
			return
		}

		ct := r.Header.Get("Content-Type")
		mediaType, _, err := mime.ParseMediaType(ct)
		if err != nil || mediaType != "application/json" {
			log.Printf("RequireJSON Middleware: Unsupported Content-Type %q on %s %s", ct, r.Method, r.URL.Path)
			httputil.RespondError(w, http.StatusUnsupportedMediaType, "Content-Type must be application/json")
			return
		}

		next.ServeHTTP(w, r)
	})
}
