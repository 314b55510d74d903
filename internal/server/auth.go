package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/golang-jwt/jwt/v5"

	"caseline/internal/repo"
	"caseline/internal/tenant"
)

type AuthConfig struct {
	JWTSecret string

	// AllowDevLogin enables the token-minting endpoint. Never on in
	// production.
	AllowDevLogin bool

	// AllowLegacyHeaders accepts X-User-Id/X-Org-Id without credentials.
	AllowLegacyHeaders bool

	Logger *slog.Logger
}

type principalKey struct{}

func (c AuthConfig) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

func withPrincipal(ctx context.Context, p tenant.Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func principalFromContext(ctx context.Context) (tenant.Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(tenant.Principal)
	return p, ok
}

func principalRequired(ctx context.Context) (tenant.Principal, huma.StatusError) {
	if p, ok := principalFromContext(ctx); ok && p.UserID != "" && p.OrgID != "" {
		return p, nil
	}
	return tenant.Principal{}, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
}

type jwtClaims struct {
	jwt.RegisteredClaims
	OrgID string `json:"org_id"`
	Role  string `json:"role,omitempty"`
}

// IssueToken mints an HS256 token carrying the tenant principal. Used by the
// dev login endpoint and the CLI.
func IssueToken(secret, userID, orgID, role string, ttl time.Duration) (string, error) {
	if strings.TrimSpace(secret) == "" {
		return "", errors.New("jwt secret not configured")
	}
	now := time.Now()
	claims := jwtClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		OrgID: orgID,
		Role:  role,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

func authenticateJWT(token string, secret string) (tenant.Principal, error) {
	if strings.TrimSpace(secret) == "" {
		return tenant.Principal{}, errors.New("jwt secret not configured")
	}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	claims := &jwtClaims{}
	parsed, err := parser.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return []byte(secret), nil
	})
	if err != nil {
		return tenant.Principal{}, err
	}
	if !parsed.Valid {
		return tenant.Principal{}, errors.New("invalid token")
	}
	if claims.Subject == "" || claims.OrgID == "" {
		return tenant.Principal{}, errors.New("sub and org_id claims required")
	}
	return tenant.Principal{
		UserID: claims.Subject,
		OrgID:  claims.OrgID,
		Role:   claims.Role,
		Source: "jwt",
	}, nil
}

// authenticateAPIKey resolves a raw key to its owning user, who supplies the
// org and role.
func authenticateAPIKey(ctx context.Context, r repo.Repo, key string) (tenant.Principal, error) {
	if strings.TrimSpace(key) == "" {
		return tenant.Principal{}, errors.New("api key required")
	}
	apiKey, err := r.GetAPIKeyByHash(ctx, repo.HashAPIKey(key))
	if err != nil {
		return tenant.Principal{}, err
	}
	user, err := r.GetUserUnscoped(ctx, apiKey.UserID)
	if err != nil {
		return tenant.Principal{}, err
	}
	return tenant.Principal{
		UserID: user.ID,
		OrgID:  user.OrgID,
		Role:   user.Role,
		Source: "api_key",
	}, nil
}

func bearerToken(authz string) (string, bool) {
	parts := strings.Fields(authz)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", false
	}
	return parts[1], true
}

func newAuthMiddleware(basePath string, cfg AuthConfig, r repo.Repo) func(http.Handler) http.Handler {
	open := map[string]bool{
		path.Join(basePath, "health"):         true,
		path.Join(basePath, "auth/dev/login"): true,
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			// Only enforce under the API base path.
			if basePath != "" && !strings.HasPrefix(req.URL.Path, basePath) {
				next.ServeHTTP(w, req)
				return
			}
			if open[req.URL.Path] {
				next.ServeHTTP(w, req)
				return
			}

			authz := strings.TrimSpace(req.Header.Get("Authorization"))
			apiKeyHeader := strings.TrimSpace(req.Header.Get("X-Api-Key"))

			if authz != "" {
				token, ok := bearerToken(authz)
				if !ok {
					respondStatusError(w, newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil))
					return
				}
				principal, err := authenticateJWT(token, cfg.JWTSecret)
				if err != nil {
					respondStatusError(w, newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil))
					return
				}
				next.ServeHTTP(w, req.WithContext(withPrincipal(req.Context(), principal)))
				return
			}

			if apiKeyHeader != "" {
				principal, err := authenticateAPIKey(req.Context(), r, apiKeyHeader)
				if err != nil {
					respondStatusError(w, newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil))
					return
				}
				next.ServeHTTP(w, req.WithContext(withPrincipal(req.Context(), principal)))
				return
			}

			userHeader := strings.TrimSpace(req.Header.Get("X-User-Id"))
			orgHeader := strings.TrimSpace(req.Header.Get("X-Org-Id"))
			if cfg.AllowLegacyHeaders && userHeader != "" && orgHeader != "" {
				cfg.logger().Warn("using legacy identity headers without auth; deprecated",
					"user_id", userHeader, "org_id", orgHeader)
				principal := tenant.Principal{
					UserID: userHeader,
					OrgID:  orgHeader,
					Role:   strings.TrimSpace(req.Header.Get("X-Role")),
					Source: "legacy_header",
				}
				next.ServeHTTP(w, req.WithContext(withPrincipal(req.Context(), principal)))
				return
			}

			respondStatusError(w, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil))
		})
	}
}

func respondStatusError(w http.ResponseWriter, err huma.StatusError) {
	status := http.StatusInternalServerError
	if e, ok := err.(interface{ GetStatus() int }); ok {
		status = e.GetStatus()
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(err)
}

func registerDevAuth(api huma.API, cfg AuthConfig) {
	huma.Register(api, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev/login",
		Summary:     "Mint a development token",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Body struct {
			UserID string `json:"user_id" minLength:"1"`
			OrgID  string `json:"org_id" minLength:"1"`
			Role   string `json:"role,omitempty"`
		} `json:"body"`
	}) (*struct {
		Body struct {
			Token string `json:"token"`
		} `json:"body"`
	}, error) {
		if !cfg.AllowDevLogin {
			return nil, newAPIError(http.StatusForbidden, "forbidden", "dev login disabled", nil)
		}
		token, err := IssueToken(cfg.JWTSecret, input.Body.UserID, input.Body.OrgID, input.Body.Role, 24*time.Hour)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
		}
		resp := &struct {
			Body struct {
				Token string `json:"token"`
			} `json:"body"`
		}{}
		resp.Body.Token = token
		return resp, nil
	})
}
