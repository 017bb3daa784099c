package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken is returned for any token that fails verification.
var ErrInvalidToken = errors.New("invalid token")

const contextCallerKey = "caller"

// ParseToken verifies an HS256 token and returns the caller address in its subject.
// When issuer is non-empty the iss claim must match.
func ParseToken(tokenString string, secret []byte, issuer string) (common.Address, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if issuer != "" {
		opts = append(opts, jwt.WithIssuer(issuer))
	}

	var claims jwt.RegisteredClaims
	token, err := jwt.ParseWithClaims(tokenString, &claims, func(*jwt.Token) (interface{}, error) {
		return secret, nil
	}, opts...)
	if err != nil || !token.Valid {
		return common.Address{}, ErrInvalidToken
	}
	if !common.IsHexAddress(claims.Subject) {
		return common.Address{}, ErrInvalidToken
	}
	return common.HexToAddress(claims.Subject), nil
}

// IssueToken signs a token for caller valid for ttl.
func IssueToken(caller common.Address, secret []byte, issuer string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   caller.Hex(),
		Issuer:    issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// ExtractBearer returns the token of an "Authorization: Bearer <token>" header.
func ExtractBearer(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// Authenticate resolves the caller from the bearer token and aborts with 401 otherwise.
func Authenticate(secret []byte, issuer string) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := ExtractBearer(c.GetHeader("Authorization"))
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, errorBody{Error: "Unauthorized", Message: "missing token"})
			return
		}

		caller, err := ParseToken(token, secret, issuer)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, errorBody{Error: "Unauthorized", Message: err.Error()})
			return
		}

		c.Set(contextCallerKey, caller)
		c.Next()
	}
}

func callerOf(c *gin.Context) common.Address {
	v, _ := c.Get(contextCallerKey)
	caller, _ := v.(common.Address)
	return caller
}
