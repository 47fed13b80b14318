package sync

import (
	"fmt"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
)

const AuthTokenNone = "None"
const AuthTokenUser = "User"
const AuthTokenAdmin = "Admin"

// an identity for the session. the value is an opaque bearer token
// issued by the auth provider; acquisition is out of scope here.
type AuthToken struct {
	Kind  string
	Value string
}

func UserAuthToken(value string) AuthToken {
	return AuthToken{
		Kind:  AuthTokenUser,
		Value: value,
	}
}

// a deployment admin token. not typically used outside development
// flows.
func AdminAuthToken(value string) AuthToken {
	return AuthToken{
		Kind:  AuthTokenAdmin,
		Value: value,
	}
}

// reads the expiry claim without verifying the signature.
// verification happens on the server; the client only needs the expiry
// to decide when to fetch a fresh token.
func (self AuthToken) ExpiresAt() (time.Time, error) {
	if self.Kind != AuthTokenUser {
		return time.Time{}, fmt.Errorf("token kind %s has no expiry", self.Kind)
	}

	parser := gojwt.NewParser()
	token, _, err := parser.ParseUnverified(self.Value, gojwt.MapClaims{})
	if err != nil {
		return time.Time{}, err
	}

	expiresAt, err := token.Claims.GetExpirationTime()
	if err != nil {
		return time.Time{}, err
	}
	if expiresAt == nil {
		return time.Time{}, fmt.Errorf("token has no expiry claim")
	}
	return expiresAt.Time, nil
}

func (self AuthToken) IsExpired(now time.Time) bool {
	expiresAt, err := self.ExpiresAt()
	if err != nil {
		return false
	}
	return expiresAt.Before(now)
}
