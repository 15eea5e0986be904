package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/signalix/driver/internal/cache"
	"github.com/signalix/driver/internal/model"
	"github.com/signalix/driver/internal/repo"
)

var (
	// ErrRefreshTokenReuseDetected means a rotated-out refresh token was presented again.
	// Every session of the driver is revoked when this happens.
	ErrRefreshTokenReuseDetected = errors.New("refresh token reuse detected")
	ErrInvalidRefreshToken       = errors.New("invalid or expired refresh token")
	ErrInvalidPhone              = errors.New("phone number is required")
)

// AuthService orchestrates authentication operations
type AuthService struct {
	jwtService  *JWTService
	driverRepo  repo.DriverRepo
	refreshRepo repo.RefreshRepo
	refreshTTL  time.Duration
	rcache      cache.RefreshCache // nil when REDIS_URL is not set
	log         *slog.Logger
	now         func() time.Time
}

// NewAuthService creates a new auth service
func NewAuthService(
	jwtService *JWTService,
	driverRepo repo.DriverRepo,
	refreshRepo repo.RefreshRepo,
	refreshTTL time.Duration,
	log *slog.Logger,
) *AuthService {
	if log == nil {
		log = slog.Default()
	}
	return &AuthService{
		jwtService:  jwtService,
		driverRepo:  driverRepo,
		refreshRepo: refreshRepo,
		refreshTTL:  refreshTTL,
		log:         log,
		now:         time.Now,
	}
}

// SetRefreshCache enables the redis refresh-session cache
func (s *AuthService) SetRefreshCache(c cache.RefreshCache) {
	s.rcache = c
}

// DevLogin gets or creates the driver by phone and issues a fresh token pair.
// Only routed when the server runs in dev mode.
func (s *AuthService) DevLogin(ctx context.Context, phone string) (model.Driver, model.TokenPair, error) {
	phone = strings.TrimSpace(phone)
	if phone == "" {
		return model.Driver{}, model.TokenPair{}, ErrInvalidPhone
	}

	driver, err := s.driverRepo.GetOrCreateByPhone(ctx, phone)
	if err != nil {
		return model.Driver{}, model.TokenPair{}, fmt.Errorf("failed to get or create driver: %w", err)
	}

	pair, _, err := s.issue(ctx, driver)
	if err != nil {
		return model.Driver{}, model.TokenPair{}, err
	}
	return driver, pair, nil
}

// RefreshTokens rotates a refresh token: the presented session is revoked and
// replaced by a new one. Presenting an already revoked token revokes every
// session of its driver and returns ErrRefreshTokenReuseDetected.
func (s *AuthService) RefreshTokens(ctx context.Context, refreshToken string) (model.TokenPair, error) {
	hash := HashRefreshToken(refreshToken)

	if s.rcache != nil {
		if e, ok, err := s.rcache.Get(ctx, hash); err != nil {
			s.log.Warn("refresh cache get failed", slog.String("err", err.Error()))
		} else if ok && e.Revoked {
			return model.TokenPair{}, s.reuseDetected(ctx, e.DriverID)
		}
	}

	session, err := s.refreshRepo.FindByTokenHash(ctx, hash)
	if err != nil {
		if !errors.Is(err, repo.ErrNotFound) {
			return model.TokenPair{}, fmt.Errorf("failed to find refresh session: %w", err)
		}
		old, err := s.refreshRepo.FindByTokenHashIncludeRevoked(ctx, hash)
		if err == nil && old.RevokedAt != nil {
			return model.TokenPair{}, s.reuseDetected(ctx, old.DriverID)
		}
		return model.TokenPair{}, ErrInvalidRefreshToken
	}

	driver, err := s.driverRepo.GetByID(ctx, session.DriverID)
	if err != nil {
		return model.TokenPair{}, fmt.Errorf("failed to load driver: %w", err)
	}

	pair, newID, err := s.issue(ctx, driver)
	if err != nil {
		return model.TokenPair{}, err
	}

	if err := s.refreshRepo.RevokeAndSetReplacedBy(ctx, session.ID, newID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			// A concurrent refresh rotated the same token first.
			_ = s.refreshRepo.Revoke(ctx, newID)
			return model.TokenPair{}, s.reuseDetected(ctx, session.DriverID)
		}
		return model.TokenPair{}, fmt.Errorf("failed to revoke refresh session: %w", err)
	}
	s.markRevoked(ctx, hash)

	return pair, nil
}

// Logout revokes the session behind refreshToken
func (s *AuthService) Logout(ctx context.Context, refreshToken string) error {
	hash := HashRefreshToken(refreshToken)
	session, err := s.refreshRepo.FindByTokenHash(ctx, hash)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return ErrInvalidRefreshToken
		}
		return fmt.Errorf("failed to find refresh session: %w", err)
	}
	if err := s.refreshRepo.Revoke(ctx, session.ID); err != nil && !errors.Is(err, repo.ErrNotFound) {
		return fmt.Errorf("failed to revoke refresh session: %w", err)
	}
	s.markRevoked(ctx, hash)
	return nil
}

// issue signs an access token and persists a new refresh session
func (s *AuthService) issue(ctx context.Context, driver model.Driver) (model.TokenPair, uuid.UUID, error) {
	accessToken, err := s.jwtService.SignAccessToken(driver.ID, driver.PhoneNumber)
	if err != nil {
		return model.TokenPair{}, uuid.Nil, fmt.Errorf("failed to generate access token: %w", err)
	}

	refreshToken, err := NewRefreshToken()
	if err != nil {
		return model.TokenPair{}, uuid.Nil, err
	}
	expiresAt := s.now().Add(s.refreshTTL)
	id, err := s.refreshRepo.Create(ctx, driver.ID, refreshToken.Hash, expiresAt)
	if err != nil {
		return model.TokenPair{}, uuid.Nil, fmt.Errorf("failed to store refresh session: %w", err)
	}

	if s.rcache != nil {
		entry := cache.RefreshEntry{SessionID: id, DriverID: driver.ID, ExpiresAt: expiresAt}
		if err := s.rcache.Set(ctx, refreshToken.Hash, entry); err != nil {
			s.log.Warn("refresh cache set failed", slog.String("err", err.Error()))
		}
	}

	return model.TokenPair{AccessToken: accessToken, RefreshToken: refreshToken.Plain}, id, nil
}

func (s *AuthService) reuseDetected(ctx context.Context, driverID uuid.UUID) error {
	s.log.Warn("refresh token reuse detected", slog.String("driver_id", driverID.String()))
	if err := s.refreshRepo.RevokeAllForDriver(ctx, driverID); err != nil {
		return fmt.Errorf("revoke sessions after reuse: %w", err)
	}
	return ErrRefreshTokenReuseDetected
}

func (s *AuthService) markRevoked(ctx context.Context, hash string) {
	if s.rcache == nil {
		return
	}
	if err := s.rcache.MarkRevoked(ctx, hash); err != nil {
		s.log.Warn("refresh cache revoke failed", slog.String("err", err.Error()))
	}
}
