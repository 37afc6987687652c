package services

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"spatialsync/pkg/clock"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
)

// DeviceClaims identify the capture device behind an upload.
type DeviceClaims struct {
	DeviceName string `json:"device_name"`
	jwt.RegisteredClaims
}

// DeviceAuth signs and checks the bearer tokens devices attach to uploads.
// Both sides share one HMAC secret.
type DeviceAuth struct {
	secret []byte
	ttl    time.Duration
	clock  clock.Clock
}

func NewDeviceAuth(secret string, ttl time.Duration, clk clock.Clock) *DeviceAuth {
	if clk == nil {
		clk = clock.Real()
	}
	return &DeviceAuth{secret: []byte(secret), ttl: ttl, clock: clk}
}

func (a *DeviceAuth) GenerateToken(deviceName string) (string, error) {
	now := a.clock.Now()
	claims := &DeviceClaims{
		DeviceName: deviceName,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   deviceName,
			ExpiresAt: jwt.NewNumericDate(now.Add(a.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(a.secret)
}

func (a *DeviceAuth) ValidateToken(tokenString string) (*DeviceClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &DeviceClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return a.secret, nil
	}, jwt.WithTimeFunc(a.clock.Now))

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}

	if claims, ok := token.Claims.(*DeviceClaims); ok && token.Valid {
		return claims, nil
	}

	return nil, ErrInvalidToken
}
