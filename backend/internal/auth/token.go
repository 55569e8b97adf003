package auth

import (
	"crypto/ecdsa"
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// 入会令牌校验：ES256 签名 + documentName 声明。
// 签发方在别的服务（本服务只持有公钥），这里只做 verify(token, key) → claims。

type Claims struct {
	DocumentName string `json:"documentName"`
	jwt.RegisteredClaims
}

var (
	ErrInvalidToken = errors.New("auth: invalid token")
	ErrMissingClaim = errors.New("auth: documentName claim missing")
)

type Verifier struct {
	pubKey *ecdsa.PublicKey
}

// NewVerifier 从 PEM 编码的公钥构造校验器
func NewVerifier(pubKeyPEM []byte) (*Verifier, error) {
	key, err := jwt.ParseECPublicKeyFromPEM(pubKeyPEM)
	if err != nil {
		return nil, fmt.Errorf("auth: parse public key: %w", err)
	}
	return &Verifier{pubKey: key}, nil
}

// Verify 解析并校验令牌。签名无效和声明缺失都按认证失败处理，
// 调用方回 CLOSE(reason=1) 并断开连接。
func (v *Verifier) Verify(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		return v.pubKey, nil
	}, jwt.WithValidMethods([]string{"ES256"}))
	if err != nil {
		return nil, ErrInvalidToken
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	if claims.DocumentName == "" {
		return nil, ErrMissingClaim
	}
	return claims, nil
}
