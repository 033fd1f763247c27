package auth

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"realmnet/protocol"
)

// ErrUnauthorized 令牌缺失或无效
var ErrUnauthorized = errors.New("auth: unauthorized")

// Identity 认证服务返回的账号身份
type Identity struct {
	AccountUUID string
}

// Authenticator 每个连接握手时调用一次
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (Identity, error)
}

// BearerToken 解析 "Authorization: Bearer <token>"
func BearerToken(header string) (string, error) {
	parts := strings.SplitN(strings.TrimSpace(header), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || strings.TrimSpace(parts[1]) == "" {
		return "", ErrUnauthorized
	}
	return strings.TrimSpace(parts[1]), nil
}

// Claims 令牌载荷；Subject 为账号 UUID
type Claims struct {
	jwt.RegisteredClaims
}

const issuer = "realmnet-auth"

// JWTAuthenticator 校验认证服务签发的 EdDSA 令牌。密钥由共享密钥派生。
type JWTAuthenticator struct {
	privateKey ed25519.PrivateKey
	publicKey  ed25519.PublicKey
}

func NewJWTAuthenticator(secret string) (*JWTAuthenticator, error) {
	if secret == "" {
		return nil, errors.New("auth: empty secret")
	}
	seed := sha256.Sum256([]byte(secret))
	priv := ed25519.NewKeyFromSeed(seed[:])
	return &JWTAuthenticator{privateKey: priv, publicKey: priv.Public().(ed25519.PublicKey)}, nil
}

// IssueToken 签发令牌（开发工具与测试使用；生产由认证服务签发）
func (a *JWTAuthenticator) IssueToken(accountUUID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{RegisteredClaims: jwt.RegisteredClaims{
		Subject:   accountUUID,
		Issuer:    issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
	}}
	if ttl != 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	return jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims).SignedString(a.privateKey)
}

func (a *JWTAuthenticator) Authenticate(_ context.Context, token string) (Identity, error) {
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodEd25519); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return a.publicKey, nil
	}, jwt.WithIssuer(issuer))
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid || claims.Subject == "" {
		return Identity{}, ErrUnauthorized
	}
	return Identity{AccountUUID: claims.Subject}, nil
}

// PseudoAuthenticator 关闭认证时使用：任意非空令牌都通过，账号由令牌稳定派生
type PseudoAuthenticator struct{}

func (PseudoAuthenticator) Authenticate(_ context.Context, token string) (Identity, error) {
	if token == "" {
		return Identity{}, ErrUnauthorized
	}
	return Identity{AccountUUID: protocol.PseudoUUID(token)}, nil
}
