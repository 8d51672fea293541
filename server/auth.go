// 本文件实现了 HTTP 服务的认证能力，基于 HMAC 签名的 JWT Token 校验
// 与 user_permissions 表的权限核对。
// 主要功能：
// 1. JWT Token 解析与签名校验
// 2. 已认证身份的请求上下文注入与读取
// 3. Token 签发（运维脚本与测试使用）

package server

import (
	"context"
	"fmt"
	"strings"
	"time"

	jwtgo "github.com/dgrijalva/jwt-go"

	"github.com/Anniext/sqlpilot/core"
)

// Identity 请求中的已认证用户。PermissionLevel 为 none 时拒绝访问。
type Identity struct {
	Username        string   // 用户名
	PermissionLevel string   // 权限级别
	AllowedTables   []string // 允许访问的表，空表示不限制
}

type identityKey struct{}

// WithIdentity 将已认证身份注入请求上下文。
func WithIdentity(ctx context.Context, identity Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, identity)
}

// IdentityFrom 读取请求上下文中的已认证身份。
func IdentityFrom(ctx context.Context) (Identity, bool) {
	identity, ok := ctx.Value(identityKey{}).(Identity)
	return identity, ok
}

// TokenVerifier 校验 HMAC 签名的 JWT Token。
type TokenVerifier struct {
	secret []byte
	logger core.Logger
}

// NewTokenVerifier 创建 Token 校验器。
func NewTokenVerifier(secret string, logger core.Logger) *TokenVerifier {
	return &TokenVerifier{secret: []byte(secret), logger: logger}
}

// Verify 解析并校验 Token，返回其中的用户名。接受带 Bearer 前缀的原始
// Authorization 头取值。
func (v *TokenVerifier) Verify(tokenString string) (string, error) {
	tokenString = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(tokenString), "Bearer "))
	if tokenString == "" {
		return "", core.ErrUnauthorized
	}

	token, err := jwtgo.Parse(tokenString, func(token *jwtgo.Token) (any, error) {
		if _, ok := token.Method.(*jwtgo.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("无效的签名方法: %v", token.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		if ve, ok := err.(*jwtgo.ValidationError); ok && ve.Errors&jwtgo.ValidationErrorExpired != 0 {
			return "", core.ErrTokenExpired
		}
		v.logger.Warn("JWT Token 解析失败", "error", err.Error())
		return "", core.WrapError(core.ErrorTypeAuth, core.CodeUnauthorized, "Token 解析失败", err)
	}
	if !token.Valid {
		return "", core.ErrUnauthorized
	}

	claims, ok := token.Claims.(jwtgo.MapClaims)
	if !ok {
		return "", core.ErrUnauthorized
	}
	if username, ok := claims["username"].(string); ok && username != "" {
		return username, nil
	}
	if sub, ok := claims["sub"].(string); ok && sub != "" {
		return sub, nil
	}
	return "", core.NewError(core.ErrorTypeAuth, core.CodeUnauthorized, "Token 缺少用户标识")
}

// IssueToken 用同一密钥签发 Token。
func (v *TokenVerifier) IssueToken(username string, expiry time.Duration) (string, error) {
	now := time.Now()
	token := jwtgo.NewWithClaims(jwtgo.SigningMethodHS256, jwtgo.MapClaims{
		"username": username,
		"iat":      now.Unix(),
		"exp":      now.Add(expiry).Unix(),
	})
	signed, err := token.SignedString(v.secret)
	if err != nil {
		return "", core.WrapError(core.ErrorTypeInternal, core.CodeInternalError, "Token 签发失败", err)
	}
	return signed, nil
}
