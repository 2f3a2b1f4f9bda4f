package httpapi

import "net/http"

// RequireAPIKey checks the X-API-Key header against the configured shared
// secret's bcrypt hash. There is no per-user identity in this gateway —
// the check either passes or the whole request is rejected.
func RequireAPIKey(checkFn func(key string) bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" || !checkFn(key) {
				writeError(w, http.StatusUnauthorized, "missing or invalid api key")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
