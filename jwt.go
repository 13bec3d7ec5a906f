package converge

import (
	gojwt "github.com/golang-jwt/jwt/v5"
)

// claims of the externally-issued session token.
// session issuance and verification are out of scope; the engine only
// extracts the local actor identity for speculative authorship.
type SessionToken struct {
	UserId      Id
	ClientId    Id
	NetworkName string
}

func ParseSessionTokenUnverified(byJwt string) (*SessionToken, error) {
	parser := gojwt.NewParser()
	token, _, err := parser.ParseUnverified(byJwt, gojwt.MapClaims{})
	if err != nil {
		return nil, err
	}

	claims := token.Claims.(gojwt.MapClaims)

	sessionToken := &SessionToken{}

	if userIdStr, ok := claims["user_id"]; ok {
		if userId, err := ParseId(userIdStr.(string)); err == nil {
			sessionToken.UserId = userId
		}
	}
	if clientIdStr, ok := claims["client_id"]; ok {
		if clientId, err := ParseId(clientIdStr.(string)); err == nil {
			sessionToken.ClientId = clientId
		}
	}
	if networkName, ok := claims["network_name"]; ok {
		sessionToken.NetworkName = networkName.(string)
	}

	return sessionToken, nil
}
