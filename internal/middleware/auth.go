package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/signalix/driver/internal/auth"
	"github.com/signalix/driver/internal/model"
	"github.com/signalix/driver/internal/repo"
)

type contextKey string

const driverKey contextKey = "driver"

// AuthMiddleware validates the bearer access token, loads the driver and
// attaches it to the request context
func AuthMiddleware(jwtService *auth.JWTService, driverRepo repo.DriverRepo) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenString, ok := bearerToken(r)
			if !ok {
				respondWithError(w, http.StatusUnauthorized, "missing or malformed authorization header")
				return
			}

			claims, err := jwtService.VerifyToken(tokenString)
			if err != nil {
				respondWithError(w, http.StatusUnauthorized, "invalid or expired token")
				return
			}
			driverID, err := claims.DriverID()
			if err != nil {
				respondWithError(w, http.StatusUnauthorized, "invalid or expired token")
				return
			}

			driver, err := driverRepo.GetByID(r.Context(), driverID)
			if err != nil {
				respondWithError(w, http.StatusUnauthorized, "driver not found")
				return
			}

			ctx := context.WithValue(r.Context(), driverKey, &driver)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func bearerToken(r *http.Request) (string, bool) {
	parts := strings.SplitN(r.Header.Get("Authorization"), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", false
	}
	tok := strings.TrimSpace(parts[1])
	return tok, tok != ""
}

// GetDriver returns the driver attached by AuthMiddleware
func GetDriver(ctx context.Context) (*model.Driver, bool) {
	d, ok := ctx.Value(driverKey).(*model.Driver)
	return d, ok && d != nil
}

// GetDriverID returns the authenticated driver's id
func GetDriverID(ctx context.Context) (uuid.UUID, bool) {
	d, ok := GetDriver(ctx)
	if !ok {
		return uuid.Nil, false
	}
	return d.ID, true
}

// WithDriver attaches d to ctx the way AuthMiddleware does
func WithDriver(ctx context.Context, d *model.Driver) context.Context {
	return context.WithValue(ctx, driverKey, d)
}

// respondWithError sends a JSON error response
func respondWithError(w http.ResponseWriter, statusCode int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
