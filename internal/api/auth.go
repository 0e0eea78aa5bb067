package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/dhruvsoni1802/portal-gateway/internal/targets"
)

// bearerProtocol is the subprotocol clients offer alongside their token:
// Sec-WebSocket-Protocol: bearer, <token>
const bearerProtocol = "bearer"

var (
	ErrMissingToken = errors.New("missing_token")
	ErrInvalidToken = errors.New("invalid_token")
)

// Claims carried by client tokens
type Claims struct {
	jwt.RegisteredClaims
	UserID  string `json:"userId"`
	StoreID string `json:"storeId"`
}

// SignToken issues an HS256 client token. Used by operators and tests.
func SignToken(secret []byte, userID, storeID string, expiry time.Duration) (string, error) {
	now := time.Now()
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(expiry)),
		},
		UserID:  userID,
		StoreID: storeID,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

// ValidateToken verifies tokenStr and returns the identity it names.
// Only HS256 is accepted.
func ValidateToken(secret []byte, tokenStr string) (targets.Identity, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return secret, nil
	})
	if err != nil {
		return targets.Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return targets.Identity{}, ErrInvalidToken
	}
	if claims.UserID == "" || claims.StoreID == "" {
		return targets.Identity{}, fmt.Errorf("%w: userId and storeId claims are required", ErrInvalidToken)
	}
	return targets.Identity{UserID: claims.UserID, TenantID: claims.StoreID}, nil
}

// bearerToken extracts the client token from the query string, the
// bearer subprotocol or the Authorization header, in that order.
func bearerToken(r *http.Request) string {
	if t := r.URL.Query().Get("token"); t != "" {
		return t
	}

	var protocols []string
	for _, h := range r.Header.Values("Sec-WebSocket-Protocol") {
		for _, p := range strings.Split(h, ",") {
			if p = strings.TrimSpace(p); p != "" {
				protocols = append(protocols, p)
			}
		}
	}
	for i, p := range protocols {
		if strings.EqualFold(p, bearerProtocol) && i+1 < len(protocols) {
			return protocols[i+1]
		}
	}

	auth := r.Header.Get("Authorization")
	if len(auth) > 7 && strings.EqualFold(auth[:7], "bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	return ""
}
