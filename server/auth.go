package server

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// authenticate accepts the static API key or an HS256 JWT signed with the
// configured secret, both in the Authorization header with the Bearer scheme.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.apiKey == "" && len(s.jwtSecret) == 0 {
			next.ServeHTTP(w, r)
			return
		}

		headerSplit := strings.Split(r.Header.Get("Authorization"), " ")
		if len(headerSplit) != 2 || strings.ToLower(headerSplit[0]) != "bearer" || headerSplit[1] == "" {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		token := headerSplit[1]
		if s.apiKey != "" && subtle.ConstantTimeCompare([]byte(token), []byte(s.apiKey)) == 1 {
			next.ServeHTTP(w, r)
			return
		}
		if len(s.jwtSecret) > 0 {
			err := s.verifyToken(token)
			if err == nil {
				next.ServeHTTP(w, r)
				return
			}
			s.logger.Debugw("Rejected bearer token", "error", err)
		}
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
	})
}

func (s *Server) verifyToken(token string) error {
	_, err := jwt.Parse(
		token,
		func(*jwt.Token) (any, error) { return s.jwtSecret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(s.clock.Now),
		jwt.WithExpirationRequired(),
	)
	return err
}
