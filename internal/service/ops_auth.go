package service

import (
	"errors"
	"strings"
	"time"

	"github.com/classdues/internal/config"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrOpsAuthDisabled = errors.New("ops auth disabled")
	ErrOpsTokenInvalid = errors.New("ops token invalid")
)

// OpsClaims 运维令牌声明
type OpsClaims struct {
	Operator string `json:"operator"`
	jwt.RegisteredClaims
}

// OpsAuthService 运维令牌签发与校验
type OpsAuthService struct {
	secret []byte
	ttl    time.Duration
}

// NewOpsAuthService 创建运维鉴权服务
func NewOpsAuthService(cfg config.OpsConfig) *OpsAuthService {
	ttl := time.Duration(cfg.ExpireHours) * time.Hour
	if ttl <= 0 {
		ttl = 12 * time.Hour
	}
	return &OpsAuthService{secret: []byte(strings.TrimSpace(cfg.JWTSecret)), ttl: ttl}
}

// Enabled 是否配置了签名密钥
func (s *OpsAuthService) Enabled() bool {
	return s != nil && len(s.secret) > 0
}

// Issue 签发运维令牌
func (s *OpsAuthService) Issue(operator string, now time.Time) (string, time.Time, error) {
	if !s.Enabled() {
		return "", time.Time{}, ErrOpsAuthDisabled
	}
	operator = strings.TrimSpace(operator)
	if operator == "" {
		return "", time.Time{}, ErrOpsTokenInvalid
	}
	expiresAt := now.Add(s.ttl)
	claims := OpsClaims{
		Operator: operator,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "ops",
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expiresAt, nil
}

// Parse 校验运维令牌
func (s *OpsAuthService) Parse(tokenString string) (*OpsClaims, error) {
	if !s.Enabled() {
		return nil, ErrOpsAuthDisabled
	}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithSubject("ops"))
	token, err := parser.ParseWithClaims(strings.TrimSpace(tokenString), &OpsClaims{}, func(token *jwt.Token) (interface{}, error) {
		return s.secret, nil
	})
	if err != nil {
		return nil, errors.Join(ErrOpsTokenInvalid, err)
	}
	claims, ok := token.Claims.(*OpsClaims)
	if !ok || !token.Valid || strings.TrimSpace(claims.Operator) == "" {
		return nil, ErrOpsTokenInvalid
	}
	return claims, nil
}
