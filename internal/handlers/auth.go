package handlers

import (
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/stanstork/bqrunner/internal/authz"
	"github.com/stanstork/bqrunner/internal/models"
)

// AuthHandler issues and verifies HS256 bearer tokens for the API.
type AuthHandler struct {
	jwtSecret []byte
	logger    zerolog.Logger
	now       func() time.Time
}

func NewAuthHandler(secret string, logger zerolog.Logger) *AuthHandler {
	return &AuthHandler{
		jwtSecret: []byte(secret),
		logger:    logger.With().Str("handler", "auth").Logger(),
		now:       time.Now,
	}
}

// IssueToken signs a token for subject carrying roles, valid for ttl.
func (h *AuthHandler) IssueToken(subject string, roles []models.Role, ttl time.Duration) (string, error) {
	if len(h.jwtSecret) == 0 {
		return "", errors.New("jwt_secret is not configured")
	}
	rolesClaim := make([]string, 0, len(roles))
	for _, role := range roles {
		rolesClaim = append(rolesClaim, string(role))
	}
	now := h.now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":   subject,
		"roles": rolesClaim,
		"iat":   now.Unix(),
		"exp":   now.Add(ttl).Unix(),
	})
	return token.SignedString(h.jwtSecret)
}

func (h *AuthHandler) JWTMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		if auth == "" {
			http.Error(w, "Authorization header required", http.StatusUnauthorized)
			return
		}
		parts := strings.SplitN(auth, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			http.Error(w, "Invalid authorization format", http.StatusUnauthorized)
			return
		}
		token, err := jwt.Parse(parts[1], func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, jwt.ErrSignatureInvalid
			}
			return h.jwtSecret, nil
		})
		if err != nil || !token.Valid {
			h.logger.Debug().Err(err).Msg("rejected token")
			http.Error(w, "Invalid token", http.StatusUnauthorized)
			return
		}
		claims, ok := token.Claims.(jwt.MapClaims)
		if !ok || !claims.VerifyExpiresAt(h.now().Unix(), true) {
			http.Error(w, "Token expired", http.StatusUnauthorized)
			return
		}
		roles, ok := extractRolesFromClaims(claims)
		if !ok {
			http.Error(w, "Missing role claim", http.StatusUnauthorized)
			return
		}
		subject, _ := claims["sub"].(string)
		next.ServeHTTP(w, r.WithContext(authz.WithIdentity(r.Context(), subject, roles)))
	})
}

func extractRolesFromClaims(claims jwt.MapClaims) ([]models.Role, bool) {
	raw, ok := claims["roles"].([]interface{})
	if !ok {
		return nil, false
	}
	roles := make([]models.Role, 0, len(raw))
	for _, val := range raw {
		str, ok := val.(string)
		if !ok {
			return nil, false
		}
		role := models.Role(str)
		if !models.IsValidRole(role) {
			return nil, false
		}
		roles = append(roles, role)
	}
	return roles, len(roles) > 0
}
