package auth

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func genKeyPair(t *testing.T) (*ecdsa.PrivateKey, []byte) {
	t.Helper()
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey error: %v", err)
	}
	der, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	if err != nil {
		t.Fatalf("MarshalPKIXPublicKey error: %v", err)
	}
	pubPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})
	return priv, pubPEM
}

func signToken(t *testing.T, priv *ecdsa.PrivateKey, claims jwt.Claims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodES256, claims).SignedString(priv)
	if err != nil {
		t.Fatalf("SignedString error: %v", err)
	}
	return s
}

func TestVerify_OK(t *testing.T) {
	priv, pubPEM := genKeyPair(t)
	v, err := NewVerifier(pubPEM)
	if err != nil {
		t.Fatalf("NewVerifier error: %v", err)
	}

	token := signToken(t, priv, &Claims{
		DocumentName: "testDoc1",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})
	claims, err := v.Verify(token)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if claims.DocumentName != "testDoc1" {
		t.Fatalf("DocumentName = %q, want %q", claims.DocumentName, "testDoc1")
	}
}

func TestVerify_MissingClaim(t *testing.T) {
	priv, pubPEM := genKeyPair(t)
	v, _ := NewVerifier(pubPEM)

	// 没有 documentName 声明
	token := signToken(t, priv, jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	if _, err := v.Verify(token); err != ErrMissingClaim {
		t.Fatalf("Verify() error = %v, want ErrMissingClaim", err)
	}
}

func TestVerify_WrongKey(t *testing.T) {
	priv, _ := genKeyPair(t)
	_, otherPub := genKeyPair(t)
	v, _ := NewVerifier(otherPub)

	token := signToken(t, priv, &Claims{DocumentName: "testDoc1"})
	if _, err := v.Verify(token); err != ErrInvalidToken {
		t.Fatalf("Verify() error = %v, want ErrInvalidToken", err)
	}
}

func TestVerify_Garbage(t *testing.T) {
	_, pubPEM := genKeyPair(t)
	v, _ := NewVerifier(pubPEM)

	if _, err := v.Verify("not-a-jwt"); err != ErrInvalidToken {
		t.Fatalf("Verify() error = %v, want ErrInvalidToken", err)
	}
}
