package replicant

import (
	"fmt"

	gojwt "github.com/golang-jwt/jwt/v5"
)

// the synthetic event the auth callback sees when a socket connects, before
// any envelope arrives
const EventConnection = "connection"

// AuthCallback gates socket connections and individual events. Returning
// false on EventConnection closes the socket; returning false on any other
// event drops it as if it were never received. Access decisions are external
// to the engine; this is the whole interface.
type AuthCallback func(event string, socket *Socket) bool

// AllowAll admits every socket and event.
func AllowAll() AuthCallback {
	return func(event string, socket *Socket) bool {
		return true
	}
}

// NewJwtAuth verifies the socket token as an HS256 JWT signed with secret.
// The client_id claim is attached to the socket. Events on a connected
// socket are admitted; the socket was vetted at connection.
func NewJwtAuth(secret []byte) AuthCallback {
	return func(event string, socket *Socket) bool {
		if event != EventConnection {
			return true
		}

		token, err := gojwt.Parse(
			socket.Token(),
			func(token *gojwt.Token) (any, error) {
				if _, ok := token.Method.(*gojwt.SigningMethodHMAC); !ok {
					return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
				}
				return secret, nil
			},
		)
		if err != nil || !token.Valid {
			return false
		}

		if claims, ok := token.Claims.(gojwt.MapClaims); ok {
			if clientIdStr, ok := claims["client_id"].(string); ok {
				if clientId, err := ParseId(clientIdStr); err == nil {
					socket.SetClientId(clientId)
				}
			}
		}
		return true
	}
}
