package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	RoleDevice = "device"
	RoleUser   = "user"

	DeviceTokenTTL = 24 * time.Hour
	UserTokenTTL   = 7 * 24 * time.Hour
)

var ErrInvalidToken = errors.New("invalid token")

// JWTClaims represents the claims in our JWT token
type JWTClaims struct {
	DeviceID string `json:"device_id"`
	UserID   string `json:"user_id,omitempty"`
	Role     string `json:"role"` // "device" or "user"
	jwt.RegisteredClaims
}

// Issuer signs and validates HS256 tokens with one secret.
type Issuer struct {
	secret []byte
	now    func() time.Time
}

func NewIssuer(secret string) *Issuer {
	return &Issuer{secret: []byte(secret), now: time.Now}
}

// GenerateDeviceToken generates a JWT token for device authentication. It
// returns the token and its expiry.
func (i *Issuer) GenerateDeviceToken(deviceID string) (string, time.Time, error) {
	return i.sign(&JWTClaims{DeviceID: deviceID, Role: RoleDevice}, DeviceTokenTTL)
}

// GenerateUserToken generates a JWT token for user authentication
func (i *Issuer) GenerateUserToken(userID string) (string, time.Time, error) {
	return i.sign(&JWTClaims{UserID: userID, Role: RoleUser}, UserTokenTTL)
}

func (i *Issuer) sign(claims *JWTClaims, ttl time.Duration) (string, time.Time, error) {
	now := i.now()
	expiresAt := now.Add(ttl)
	claims.RegisteredClaims = jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(expiresAt),
		IssuedAt:  jwt.NewNumericDate(now),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(i.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, expiresAt, nil
}

// ValidateToken validates a JWT token and returns the claims
func (i *Issuer) ValidateToken(tokenString string) (*JWTClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &JWTClaims{}, func(token *jwt.Token) (any, error) {
		return i.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(i.now))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	if claims, ok := token.Claims.(*JWTClaims); ok && token.Valid {
		return claims, nil
	}
	return nil, ErrInvalidToken
}

// ValidateDeviceToken accepts only device tokens that carry a device id.
func (i *Issuer) ValidateDeviceToken(tokenString string) (*JWTClaims, error) {
	claims, err := i.ValidateToken(tokenString)
	if err != nil {
		return nil, err
	}
	if claims.Role != RoleDevice {
		return nil, fmt.Errorf("%w: role %q", ErrInvalidToken, claims.Role)
	}
	if claims.DeviceID == "" {
		return nil, fmt.Errorf("%w: missing device id", ErrInvalidToken)
	}
	return claims, nil
}
