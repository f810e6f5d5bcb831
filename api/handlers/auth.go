package handlers

import (
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/BaSui01/serveflow/types"
)

// AuthMiddleware validates JWT bearer tokens on management and inference
// endpoints. Disabled middleware passes every request through.
type AuthMiddleware struct {
	enabled bool
	secret  []byte
	issuer  string
	logger  *zap.Logger
}

// NewAuthMiddleware creates the middleware.
func NewAuthMiddleware(enabled bool, secret, issuer string, logger *zap.Logger) *AuthMiddleware {
	return &AuthMiddleware{
		enabled: enabled,
		secret:  []byte(secret),
		issuer:  issuer,
		logger:  logger.With(zap.String("component", "auth")),
	}
}

// Wrap applies token validation to next.
func (m *AuthMiddleware) Wrap(next http.Handler) http.Handler {
	if !m.enabled {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok {
			WriteErrorMessage(w, http.StatusUnauthorized, types.ErrUnauthorized, "missing bearer token", m.logger)
			return
		}
		if err := m.validate(token); err != nil {
			m.logger.Warn("token rejected", zap.Error(err))
			WriteErrorMessage(w, http.StatusUnauthorized, types.ErrUnauthorized, "invalid token", m.logger)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (m *AuthMiddleware) validate(token string) error {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{"HS256"})}
	if m.issuer != "" {
		opts = append(opts, jwt.WithIssuer(m.issuer))
	}
	_, err := jwt.Parse(token, func(t *jwt.Token) (interface{}, error) {
		return m.secret, nil
	}, opts...)
	return err
}

func bearerToken(r *http.Request) (string, bool) {
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(auth, prefix) {
		return "", false
	}
	return strings.TrimPrefix(auth, prefix), true
}
