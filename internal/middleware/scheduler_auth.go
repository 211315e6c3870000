package middleware

import (
	"crypto/subtle"
	"net/http"
)

// SchedulerSecretHeader carries the shared credential on scheduled hook calls.
const SchedulerSecretHeader = "X-Scheduler-Secret"

// SchedulerAuth guards the scheduled hooks (expiration sweep, monthly reset)
// with a shared secret managed by the external scheduler. The compare is
// constant-time.
func SchedulerAuth(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if secret == "" {
				http.Error(w, `{"error":"scheduler hooks disabled"}`, http.StatusForbidden)
				return
			}
			got := r.Header.Get(SchedulerSecretHeader)
			if subtle.ConstantTimeCompare([]byte(got), []byte(secret)) != 1 {
				http.Error(w, `{"error":"invalid scheduler credential"}`, http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
