package auth

import (
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/ProjectDesk-app/ProjectDesk-app/internal/model"
)

type Claims struct {
	UserID                string  `json:"user_id"`
	Role                  string  `json:"role"`
	SubscriptionType      string  `json:"subscription_type"`
	SubscriptionStartedAt *int64  `json:"subscription_started_at,omitempty"`
	SubscriptionExpiresAt *int64  `json:"subscription_expires_at,omitempty"`
	SponsorID             *string `json:"sponsor_id,omitempty"`
	jwt.RegisteredClaims
}

// ClaimsForUser captures the subscription snapshot at issuance; the
// claims are not refreshed until the next login or token refresh.
func ClaimsForUser(user model.User) Claims {
	claims := Claims{
		UserID:           user.ID,
		Role:             string(user.Role),
		SubscriptionType: string(user.SubscriptionType),
		SponsorID:        user.SponsorID,
	}
	if user.SubscriptionStartedAt != nil {
		startedAt := user.SubscriptionStartedAt.Unix()
		claims.SubscriptionStartedAt = &startedAt
	}
	if user.SubscriptionExpiresAt != nil {
		expiresAt := user.SubscriptionExpiresAt.Unix()
		claims.SubscriptionExpiresAt = &expiresAt
	}
	return claims
}

func NewAccessToken(secret, issuer string, ttl time.Duration, claims Claims) (string, error) {
	now := time.Now().UTC()
	claims.RegisteredClaims = jwt.RegisteredClaims{
		Subject:   claims.UserID,
		Issuer:    issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

func ParseToken(secret, tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	})
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, jwt.ErrTokenInvalidClaims
	}
	return claims, nil
}
