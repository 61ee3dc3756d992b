package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var ErrInvalidToken = errors.New("INVALID_TOKEN")

// Identity 已验证的调用方身份；未认证连接为 nil
type Identity struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
}

type Claims struct {
	UserID   string `json:"userId,omitempty"`
	Username string `json:"username"`
	Type     string `json:"typ,omitempty"`
	jwt.RegisteredClaims
}

type Verifier struct {
	secret []byte
}

func NewVerifier(secret string) *Verifier {
	if secret == "" {
		secret = "dev-secret"
	}
	return &Verifier{secret: []byte(secret)}
}

// Sign 签发访问令牌，测试和本地调试用
func (v *Verifier) Sign(id Identity, ttl time.Duration) (string, error) {
	claims := &Claims{
		UserID:   id.UserID,
		Username: id.Username,
		Type:     "access",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.UserID,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}

// Verify 校验 HS256 令牌并返回身份。refresh 令牌不能用于建立连接。
func (v *Verifier) Verify(tokenString string) (*Identity, error) {
	if tokenString == "" {
		return nil, fmt.Errorf("%w: empty token", ErrInvalidToken)
	}
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	if claims.Type == "refresh" {
		return nil, fmt.Errorf("%w: access token required", ErrInvalidToken)
	}
	id := &Identity{UserID: claims.UserID, Username: claims.Username}
	if id.UserID == "" {
		id.UserID = claims.Subject
	}
	if id.UserID == "" && id.Username == "" {
		return nil, fmt.Errorf("%w: token carries no subject", ErrInvalidToken)
	}
	return id, nil
}

// TokenFromRequest 依次尝试 Authorization 头、?token= 和 Sec-WebSocket-Protocol。
// 浏览器的 WebSocket 无法自定义 Header，所以后两种用于握手。
func TokenFromRequest(r *http.Request) string {
	if tok := extractBearer(r.Header.Get("Authorization")); tok != "" {
		return tok
	}
	if tok := strings.TrimSpace(r.URL.Query().Get("token")); tok != "" {
		return tok
	}
	// 形如 "bearer, <token>" 或 "bearer.<token>"
	protos := websocketProtocols(r)
	for i, p := range protos {
		if strings.HasPrefix(strings.ToLower(p), "bearer.") {
			return strings.TrimSpace(p[len("bearer."):])
		}
		if strings.EqualFold(p, "bearer") && i+1 < len(protos) {
			return protos[i+1]
		}
	}
	return ""
}

func websocketProtocols(r *http.Request) []string {
	var out []string
	for _, h := range r.Header.Values("Sec-WebSocket-Protocol") {
		for _, p := range strings.Split(h, ",") {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
	}
	return out
}

func extractBearer(header string) string {
	if header == "" {
		return ""
	}
	// "Bearer" 前缀大小写不敏感
	const prefix = "Bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}
	return ""
}
