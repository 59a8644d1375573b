package infra

import (
	"errors"
	"fmt"
	"strconv"

	"coupon-gateway/coupon/domain"

	"github.com/golang-jwt/jwt/v5"
)

// JWTCodec codifica TokenRecord como JWT HS256 com o segredo do servidor.
type JWTCodec struct {
	secret []byte
	issuer string
}

type couponClaims struct {
	TokenNumber int64  `json:"token_number"`
	UserID      string `json:"user_id"`
	jwt.RegisteredClaims
}

func NewJWTCodec(secret, issuer string) (*JWTCodec, error) {
	if secret == "" {
		return nil, errors.New("token secret must not be empty")
	}
	return &JWTCodec{secret: []byte(secret), issuer: issuer}, nil
}

func (c *JWTCodec) Encode(rec domain.TokenRecord) (string, error) {
	claims := couponClaims{
		TokenNumber: rec.Sequence,
		UserID:      rec.OwnerID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    c.issuer,
			Subject:   rec.OwnerID,
			ID:        strconv.FormatInt(rec.Sequence, 10),
			IssuedAt:  jwt.NewNumericDate(rec.IssuedAt),
			ExpiresAt: jwt.NewNumericDate(rec.ExpiresAt),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.secret)
}

// Decode confere assinatura, algoritmo e emissor. A expiração fica com o
// TokenIssuer (que tem o relógio), por isso a validação de claims do jwt é
// desligada aqui.
func (c *JWTCodec) Decode(raw string) (domain.TokenRecord, error) {
	var claims couponClaims
	_, err := jwt.ParseWithClaims(raw, &claims,
		func(*jwt.Token) (any, error) { return c.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithoutClaimsValidation(),
	)
	if err != nil {
		return domain.TokenRecord{}, fmt.Errorf("%w: %w", domain.ErrInvalidCredential, err)
	}
	if claims.IssuedAt == nil || claims.ExpiresAt == nil {
		return domain.TokenRecord{}, fmt.Errorf("%w: missing iat/exp", domain.ErrInvalidCredential)
	}
	if c.issuer != "" && claims.Issuer != c.issuer {
		return domain.TokenRecord{}, fmt.Errorf("%w: unexpected issuer %q", domain.ErrInvalidCredential, claims.Issuer)
	}

	return domain.TokenRecord{
		Sequence:  claims.TokenNumber,
		OwnerID:   claims.UserID,
		IssuedAt:  claims.IssuedAt.UTC(),
		ExpiresAt: claims.ExpiresAt.UTC(),
	}, nil
}
