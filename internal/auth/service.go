package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"keyauth/backend/internal/auth/jwt"
	"keyauth/backend/internal/config"
	"keyauth/backend/internal/domain"
	"keyauth/backend/internal/storage"
)

var (
	// ErrInvalidCredentials 用户名或密码错误
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrOTPRequired 已启用两步验证但未提供动态码
	ErrOTPRequired = errors.New("otp code required")
	// ErrInvalidOTP 动态码错误
	ErrInvalidOTP = errors.New("invalid otp code")
	// ErrTokenRevoked 令牌已注销
	ErrTokenRevoked = errors.New("token revoked")
)

// RoleAdmin 管理员角色
const RoleAdmin = "admin"

// Service 管理员认证服务。管理员凭据来自配置，令牌状态只有 JWT 黑名单。
type Service struct {
	cfg       config.AdminConfig
	tokens    *jwt.Manager
	blacklist storage.TokenBlacklist
	logger    *zap.Logger
	now       func() time.Time
}

// NewService 创建认证服务
func NewService(cfg config.AdminConfig, tokens *jwt.Manager, blacklist storage.TokenBlacklist, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		cfg:       cfg,
		tokens:    tokens,
		blacklist: blacklist,
		logger:    logger,
		now:       time.Now,
	}
}

// LoginInput 登录输入
type LoginInput struct {
	Username string
	Password string
	OTP      string
}

// TOTPEnabled 是否启用了两步验证
func (s *Service) TOTPEnabled() bool {
	return s.cfg.TOTPSecret != ""
}

// Login 校验管理员凭据并签发令牌对
func (s *Service) Login(ctx context.Context, input LoginInput) (*jwt.TokenPair, error) {
	username := strings.TrimSpace(input.Username)
	if username == "" {
		username = s.cfg.Username
	}

	userOK := subtle.ConstantTimeCompare([]byte(username), []byte(s.cfg.Username)) == 1
	passOK := CheckPassword(input.Password, s.cfg.PasswordHash)
	if !userOK || !passOK {
		s.logger.Warn("Admin login failed", zap.String("username", username))
		return nil, ErrInvalidCredentials
	}

	if s.TOTPEnabled() {
		code := strings.TrimSpace(input.OTP)
		if code == "" {
			return nil, ErrOTPRequired
		}
		if !totp.Validate(code, s.cfg.TOTPSecret) {
			s.logger.Warn("Admin OTP rejected", zap.String("username", username))
			return nil, ErrInvalidOTP
		}
	}

	pair, err := s.tokens.GenerateTokenPair(username, RoleAdmin)
	if err != nil {
		return nil, err
	}
	s.logger.Info("Admin logged in", zap.String("username", username))
	return pair, nil
}

// Authenticate 验证访问令牌并检查黑名单
func (s *Service) Authenticate(ctx context.Context, token string) (*jwt.Claims, error) {
	claims, err := s.tokens.ValidateTyped(token, jwt.TokenTypeAccess)
	if err != nil {
		return nil, err
	}
	if err := s.checkRevoked(ctx, claims); err != nil {
		return nil, err
	}
	return claims, nil
}

// Refresh 使用刷新令牌换取新的令牌对，旧刷新令牌随即失效
func (s *Service) Refresh(ctx context.Context, refreshToken string) (*jwt.TokenPair, error) {
	claims, err := s.tokens.ValidateTyped(refreshToken, jwt.TokenTypeRefresh)
	if err != nil {
		return nil, err
	}
	if err := s.checkRevoked(ctx, claims); err != nil {
		return nil, err
	}
	if err := s.revoke(ctx, claims); err != nil {
		return nil, err
	}
	return s.tokens.GenerateTokenPair(claims.Subject, claims.Role)
}

// Logout 注销访问令牌，refreshToken 非空时一并注销
func (s *Service) Logout(ctx context.Context, access *jwt.Claims, refreshToken string) error {
	if err := s.revoke(ctx, access); err != nil {
		return err
	}
	if refreshToken == "" {
		return nil
	}
	claims, err := s.tokens.ValidateTyped(refreshToken, jwt.TokenTypeRefresh)
	if err != nil {
		// 刷新令牌无效时无需注销
		return nil
	}
	return s.revoke(ctx, claims)
}

func (s *Service) checkRevoked(ctx context.Context, claims *jwt.Claims) error {
	if s.blacklist == nil || claims.ID == "" {
		return nil
	}
	revoked, err := s.blacklist.IsBlacklisted(ctx, claims.ID)
	if err != nil {
		return fmt.Errorf("check token blacklist: %w", err)
	}
	if revoked {
		return ErrTokenRevoked
	}
	return nil
}

func (s *Service) revoke(ctx context.Context, claims *jwt.Claims) error {
	if s.blacklist == nil || claims == nil || claims.ID == "" {
		return nil
	}
	ttl := claims.Remaining(s.now())
	if ttl <= 0 {
		return nil
	}
	if err := s.blacklist.AddToBlacklist(ctx, claims.ID, ttl); err != nil {
		return fmt.Errorf("blacklist token: %w", err)
	}
	return nil
}

// HashPassword 使用 bcrypt 生成密码哈希
func HashPassword(password string) (string, error) {
	if err := domain.ValidatePasswordError(password); err != nil {
		return "", err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hash), nil
}

// CheckPassword 校验密码
func CheckPassword(password, hash string) bool {
	if hash == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// GenerateTOTP 生成新的 TOTP 密钥
func GenerateTOTP(issuer, account string) (*otp.Key, error) {
	return totp.Generate(totp.GenerateOpts{
		Issuer:      issuer,
		AccountName: account,
	})
}
