package service

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/noah-isme/attendance-kiosk/internal/models"
	"github.com/noah-isme/attendance-kiosk/pkg/config"
	appErrors "github.com/noah-isme/attendance-kiosk/pkg/errors"
	"github.com/noah-isme/attendance-kiosk/pkg/storage"
)

const adminIssuer = "attendance-kiosk"

// AdminAuthService gates administrative operations behind the shared PIN.
type AdminAuthService struct {
	pinHash []byte
	secret  []byte
	ttl     time.Duration
	links   *storage.DownloadSigner
	now     func() time.Time
	logger  *zap.Logger
}

// NewAdminAuthService prepares the gate. A plain ADMIN_PIN is hashed once at
// start so the secret is never compared in clear text.
func NewAdminAuthService(cfg config.AdminConfig, logger *zap.Logger) (*AdminAuthService, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.SessionSecret == "" {
		return nil, errors.New("admin session secret is required")
	}

	hash := []byte(strings.TrimSpace(cfg.PINHash))
	if len(hash) == 0 {
		if cfg.PIN == "" {
			return nil, errors.New("admin pin is required")
		}
		generated, err := bcrypt.GenerateFromPassword([]byte(cfg.PIN), bcrypt.DefaultCost)
		if err != nil {
			return nil, fmt.Errorf("hash admin pin: %w", err)
		}
		hash = generated
	} else if _, err := bcrypt.Cost(hash); err != nil {
		return nil, fmt.Errorf("ADMIN_PIN_HASH is not a bcrypt hash: %w", err)
	}

	ttl := cfg.SessionTTL
	if ttl <= 0 {
		ttl = 8 * time.Hour
	}
	return &AdminAuthService{
		pinHash: hash,
		secret:  []byte(cfg.SessionSecret),
		ttl:     ttl,
		links:   storage.NewDownloadSigner(cfg.SessionSecret, cfg.DownloadLinkTTL),
		now:     time.Now,
		logger:  logger,
	}, nil
}

// VerifyPIN compares pin against the configured hash.
func (s *AdminAuthService) VerifyPIN(pin string) error {
	if pin == "" {
		return appErrors.Clone(appErrors.ErrUnauthorized, "Incorrect PIN.")
	}
	if err := bcrypt.CompareHashAndPassword(s.pinHash, []byte(pin)); err != nil {
		s.logger.Warn("admin pin rejected")
		return appErrors.Clone(appErrors.ErrUnauthorized, "Incorrect PIN.")
	}
	return nil
}

// Login checks pin and issues a signed session token.
func (s *AdminAuthService) Login(pin string) (*models.AdminSession, error) {
	if err := s.VerifyPIN(pin); err != nil {
		return nil, err
	}
	issuedAt := s.now().UTC()
	expiresAt := issuedAt.Add(s.ttl)
	claims := &models.AdminClaims{
		Role: models.AdminRole,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    adminIssuer,
			Subject:   "admin",
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			NotBefore: jwt.NewNumericDate(issuedAt),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "sign admin session")
	}
	s.logger.Info("admin session issued", zap.Time("expires_at", expiresAt))
	return &models.AdminSession{Token: signed, ExpiresAt: expiresAt.Unix()}, nil
}

// ValidateToken parses an admin session token.
func (s *AdminAuthService) ValidateToken(tokenString string) (*models.AdminClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &models.AdminClaims{}, func(token *jwt.Token) (interface{}, error) {
		if token.Method != jwt.SigningMethodHS256 {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.secret, nil
	}, jwt.WithIssuer(adminIssuer), jwt.WithTimeFunc(s.now))
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrUnauthorized.Code, appErrors.ErrUnauthorized.Status, "invalid admin session")
	}

	claims, ok := token.Claims.(*models.AdminClaims)
	if !ok || !token.Valid || claims.Role != models.AdminRole {
		return nil, appErrors.Clone(appErrors.ErrUnauthorized, "invalid admin session")
	}
	return claims, nil
}

// SessionTTL is the lifetime of issued tokens.
func (s *AdminAuthService) SessionTTL() time.Duration {
	return s.ttl
}

// DownloadLink signs resource for a time-limited download.
func (s *AdminAuthService) DownloadLink(resource string) (string, time.Time, error) {
	return s.links.Generate(resource)
}

// VerifyDownloadLink checks a token produced by DownloadLink.
func (s *AdminAuthService) VerifyDownloadLink(token, resource string) error {
	if err := s.links.Verify(token, resource); err != nil {
		return appErrors.Wrap(err, appErrors.ErrUnauthorized.Code, appErrors.ErrUnauthorized.Status, "invalid download link")
	}
	return nil
}
