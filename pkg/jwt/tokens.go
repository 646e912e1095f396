package jwt

import (
	"errors"
	"strings"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
)

// VideoGrant mirrors the LiveKit room permission block.
type VideoGrant struct {
	RoomJoin       bool   `json:"roomJoin,omitempty"`
	Room           string `json:"room,omitempty"`
	CanPublish     *bool  `json:"canPublish,omitempty"`
	CanSubscribe   *bool  `json:"canSubscribe,omitempty"`
	CanPublishData *bool  `json:"canPublishData,omitempty"`
}

// RoomClaims defines the LiveKit access token payload.
type RoomClaims struct {
	Name     string      `json:"name,omitempty"`
	Video    *VideoGrant `json:"video,omitempty"`
	Metadata string      `json:"metadata,omitempty"`
	jwtlib.RegisteredClaims
}

// RoomTokenInput describes the participant a token is minted for.
type RoomTokenInput struct {
	APIKey    string
	APISecret string
	Room      string
	Identity  string
	Name      string
	Metadata  string
	TTL       time.Duration
}

var (
	errMissingCredentials = errors.New("api key and secret are required")
	errMissingRoom        = errors.New("room is required")
	errMissingIdentity    = errors.New("identity is required")
)

// GenerateRoomToken issues a signed join token for a single room.
func GenerateRoomToken(input RoomTokenInput) (string, error) {
	if strings.TrimSpace(input.APIKey) == "" || strings.TrimSpace(input.APISecret) == "" {
		return "", errMissingCredentials
	}
	if strings.TrimSpace(input.Room) == "" {
		return "", errMissingRoom
	}
	if strings.TrimSpace(input.Identity) == "" {
		return "", errMissingIdentity
	}
	ttl := input.TTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	allow := true
	now := time.Now()
	claims := RoomClaims{
		Name:     input.Name,
		Metadata: input.Metadata,
		Video: &VideoGrant{
			RoomJoin:       true,
			Room:           input.Room,
			CanPublish:     &allow,
			CanSubscribe:   &allow,
			CanPublishData: &allow,
		},
		RegisteredClaims: jwtlib.RegisteredClaims{
			Issuer:    input.APIKey,
			Subject:   input.Identity,
			ID:        input.Identity,
			NotBefore: jwtlib.NewNumericDate(now),
			ExpiresAt: jwtlib.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims)
	return token.SignedString([]byte(input.APISecret))
}

// ParseRoomToken validates and extracts claims from token.
func ParseRoomToken(token string, secret string) (*RoomClaims, error) {
	parsed, err := jwtlib.ParseWithClaims(token, &RoomClaims{}, func(t *jwtlib.Token) (interface{}, error) {
		return []byte(secret), nil
	}, jwtlib.WithValidMethods([]string{jwtlib.SigningMethodHS256.Name}))
	if err != nil {
		return nil, err
	}
	claims, ok := parsed.Claims.(*RoomClaims)
	if !ok || !parsed.Valid {
		return nil, jwtlib.ErrTokenInvalidClaims
	}
	return claims, nil
}
