package blob

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// 令牌用途
const (
	OpUpload = "upload"
	OpDelete = "delete"
)

var ErrInvalidToken = errors.New("签名无效或已过期")

// Claims 令牌携带的权限范围
type Claims struct {
	Op           string   `json:"op"`
	Pathname     string   `json:"p"`
	ContentTypes []string `json:"ct,omitempty"`
	MaxSize      int64    `json:"max,omitempty"`
	ExpiresAt    int64    `json:"exp"`
	Payload      string   `json:"cp,omitempty"`
}

// Signer HMAC-SHA256 签名器
// 令牌格式: base64url(claims).base64url(mac)
type Signer struct {
	secret []byte
}

// NewSigner 创建签名器
func NewSigner(secret []byte) *Signer {
	return &Signer{secret: append([]byte(nil), secret...)}
}

// Sign 生成令牌
func (s *Signer) Sign(c Claims) (string, error) {
	body, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("序列化令牌失败: %w", err)
	}
	encoded := base64.RawURLEncoding.EncodeToString(body)
	return encoded + "." + base64.RawURLEncoding.EncodeToString(s.mac(encoded)), nil
}

// Verify 校验令牌的签名、用途、对象名和有效期
func (s *Signer) Verify(token, op, pathname string, now time.Time) (Claims, error) {
	encoded, sig, ok := strings.Cut(token, ".")
	if !ok || encoded == "" || sig == "" {
		return Claims{}, ErrInvalidToken
	}

	got, err := base64.RawURLEncoding.DecodeString(sig)
	if err != nil || !hmac.Equal(got, s.mac(encoded)) {
		return Claims{}, ErrInvalidToken
	}

	body, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return Claims{}, ErrInvalidToken
	}
	var c Claims
	if err := json.Unmarshal(body, &c); err != nil {
		return Claims{}, ErrInvalidToken
	}

	if c.Op != op || c.Pathname != pathname || now.Unix() > c.ExpiresAt {
		return Claims{}, ErrInvalidToken
	}
	return c, nil
}

func (s *Signer) mac(encoded string) []byte {
	h := hmac.New(sha256.New, s.secret)
	h.Write([]byte(encoded))
	return h.Sum(nil)
}
