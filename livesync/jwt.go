package livesync

import (
	"strings"

	gojwt "github.com/golang-jwt/jwt/v5"
)

// The bearer token is consumed as opaque credentials. The claims are only
// recovered best effort for logging and diagnostics; nothing here
// verifies the signature.

type SessionToken struct {
	MemberId    Id
	SessionId   Id
	DisplayName string
}

func ParseSessionTokenUnverified(token string) (*SessionToken, error) {
	token = strings.TrimPrefix(token, "Bearer ")

	parser := gojwt.NewParser()
	parsed, _, err := parser.ParseUnverified(token, gojwt.MapClaims{})
	if err != nil {
		return nil, err
	}

	claims := parsed.Claims.(gojwt.MapClaims)

	sessionToken := &SessionToken{}

	if memberIdStr, ok := claims["member_id"].(string); ok {
		if memberId, err := ParseId(memberIdStr); err == nil {
			sessionToken.MemberId = memberId
		}
	}
	if sessionIdStr, ok := claims["session_id"].(string); ok {
		if sessionId, err := ParseId(sessionIdStr); err == nil {
			sessionToken.SessionId = sessionId
		}
	}
	if displayName, ok := claims["name"].(string); ok {
		sessionToken.DisplayName = displayName
	}

	return sessionToken, nil
}
