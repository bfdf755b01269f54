package server

import (
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"

	"github.com/zeusync/notesync/internal/core/observability/log"
)

// authMiddleware requires the configured token as a bearer token. Browsers
// cannot set headers on websocket upgrades, so a token query parameter is
// accepted as well.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	if s.config.Token == "" {
		return next
	}
	want := []byte(s.config.Token)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if token == "" {
			token = r.URL.Query().Get("token")
		}
		if subtle.ConstantTimeCompare([]byte(token), want) != 1 {
			s.logger.Debug("Rejected request", log.String("path", r.URL.Path), log.String("remote_addr", r.RemoteAddr))
			s.writeError(w, fmt.Errorf("%w: missing or wrong token", ErrUnauthorized))
			return
		}
		next.ServeHTTP(w, r)
	})
}
