package auth

import (
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	ErrInvalidToken = errors.New("invalid token")
)

// Claims holds the teacher capability carried by a token.
type Claims struct {
	TeacherID string `json:"teacher_id"`
	jwt.RegisteredClaims
}

// JWTService issues and validates teacher tokens.
type JWTService struct {
	secret      []byte
	expireHours int
}

// NewJWTService creates a JWT service.
func NewJWTService(secret string, expireHours int) *JWTService {
	return &JWTService{
		secret:      []byte(secret),
		expireHours: expireHours,
	}
}

// Generate creates a token for teacherID and returns it with its expiry.
func (s *JWTService) Generate(teacherID string) (string, time.Time, error) {
	if strings.TrimSpace(teacherID) == "" {
		return "", time.Time{}, ErrInvalidToken
	}
	now := time.Now()
	expires := now.Add(time.Duration(s.expireHours) * time.Hour)
	claims := Claims{
		TeacherID: teacherID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   teacherID,
			ExpiresAt: jwt.NewNumericDate(expires),
			IssuedAt:  jwt.NewNumericDate(now),
			ID:        uuid.New().String(),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expires, nil
}

// Validate parses and validates a JWT, returning claims or error.
func (s *JWTService) Validate(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return s.secret, nil
	})
	if err != nil {
		return nil, ErrInvalidToken
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.TeacherID == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// TeacherID validates tokenString and returns the teacher it grants. It
// matches realtime.TokenValidator.
func (s *JWTService) TeacherID(tokenString string) (string, error) {
	claims, err := s.Validate(tokenString)
	if err != nil {
		return "", err
	}
	return claims.TeacherID, nil
}
