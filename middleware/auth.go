package middleware

import (
	"errors"
	"fmt"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/loiht2/ml-platform-retrain/apperr"
	"github.com/loiht2/ml-platform-retrain/logger"
	"github.com/loiht2/ml-platform-retrain/response"
)

const (
	// Kubeflow standard header, set by the gateway in front of the web application
	DefaultTrustedHeader = "kubeflow-userid"

	// Context keys
	ActorKey = "actor-id"
)

// AuthConfig selects how the acting user is identified. A bearer token is
// checked first; the trusted header is used only when configured.
type AuthConfig struct {
	JWTSecret     string
	TrustedHeader string
	// HeaderPrefix is stripped from the trusted header value (e.g. "accounts.google.com:").
	HeaderPrefix string
}

// ActorAuthMiddleware resolves the actor of each request and rejects requests
// that carry no identity.
func ActorAuthMiddleware(cfg AuthConfig, log *logger.Logger) gin.HandlerFunc {
	log = log.With("middleware", "auth")
	return func(c *gin.Context) {
		actor, err := resolveActor(c, cfg)
		if err != nil {
			log.Debug("Rejected request", "path", c.Request.URL.Path, "reason", err.Error())
			response.RespondError(c, err)
			return
		}
		c.Set(ActorKey, actor)
		c.Next()
	}
}

func resolveActor(c *gin.Context, cfg AuthConfig) (string, error) {
	if token := bearerToken(c); token != "" {
		if cfg.JWTSecret == "" {
			return "", &apperr.UnauthorizedError{Reason: "bearer tokens are not accepted"}
		}
		return actorFromToken(token, cfg.JWTSecret)
	}

	if cfg.TrustedHeader != "" {
		v := strings.TrimSpace(c.GetHeader(cfg.TrustedHeader))
		if cfg.HeaderPrefix != "" {
			v = strings.TrimPrefix(v, cfg.HeaderPrefix)
		}
		if v != "" {
			return v, nil
		}
	}
	return "", &apperr.UnauthorizedError{Reason: "missing credentials"}
}

// actorFromToken validates an HS256 token and returns its subject.
func actorFromToken(token, secret string) (string, error) {
	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		reason := "invalid token"
		if errors.Is(err, jwt.ErrTokenExpired) {
			reason = "token expired"
		}
		return "", &apperr.UnauthorizedError{Reason: reason}
	}
	sub := strings.TrimSpace(claims.Subject)
	if sub == "" {
		return "", &apperr.UnauthorizedError{Reason: "token has no subject"}
	}
	return sub, nil
}

func bearerToken(c *gin.Context) string {
	h := c.GetHeader("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "Bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}

// GetActor retrieves the authenticated actor from Gin context
func GetActor(c *gin.Context) string {
	v, ok := c.Get(ActorKey)
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

// SignToken issues an HS256 token for subject. Used by tooling and tests.
func SignToken(secret, subject string, claims jwt.RegisteredClaims) (string, error) {
	claims.Subject = subject
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return s, nil
}
