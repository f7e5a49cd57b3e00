// Package auth validates bearer tokens issued by the accounts service.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v4"

	"github.com/dkeye/Relay/internal/core"
	"github.com/dkeye/Relay/internal/domain"
)

const accessTokenType = "access"

type accessClaims struct {
	jwt.RegisteredClaims
	UserID    json.Number `json:"user_id"`
	Username  string      `json:"username,omitempty"`
	TokenType string      `json:"token_type,omitempty"`
}

// JWT checks HMAC-signed access tokens carrying a user_id claim.
type JWT struct {
	secret []byte
}

func NewJWT(secret string) *JWT {
	return &JWT{secret: []byte(secret)}
}

func (v *JWT) keyFunc(token *jwt.Token) (interface{}, error) {
	if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
		return nil, jwt.ErrInvalidKey
	}
	return v.secret, nil
}

func (v *JWT) Validate(_ context.Context, token string) (core.Claims, error) {
	if token == "" {
		return core.Claims{}, core.ErrTokenInvalid
	}
	var claims accessClaims
	parsed, err := jwt.ParseWithClaims(token, &claims, v.keyFunc)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return core.Claims{}, core.ErrTokenExpired
		}
		return core.Claims{}, fmt.Errorf("%w: %v", core.ErrTokenInvalid, err)
	}
	if !parsed.Valid {
		return core.Claims{}, core.ErrTokenInvalid
	}
	if claims.TokenType != "" && claims.TokenType != accessTokenType {
		return core.Claims{}, fmt.Errorf("%w: token_type %q", core.ErrTokenInvalid, claims.TokenType)
	}
	id, err := claims.UserID.Int64()
	if err != nil {
		return core.Claims{}, fmt.Errorf("%w: user_id: %v", core.ErrTokenInvalid, err)
	}
	return core.Claims{UserID: domain.UserID(id), Username: claims.Username}, nil
}

// Sign issues an access token in the format Validate accepts.
func (v *JWT) Sign(id domain.UserID, username string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := accessClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		UserID:    json.Number(strconv.FormatInt(int64(id), 10)),
		Username:  username,
		TokenType: accessTokenType,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}
