package credential

// Credential is the token set for the signed-in user. An empty string is an
// absent token. Values are replaced as a whole: callers never mutate a
// Credential held by the Store.
type Credential struct {
	AccessToken  string `json:"accessToken,omitempty"`
	RefreshToken string `json:"refreshToken,omitempty"`
	IDToken      string `json:"idToken,omitempty"`
}

// Empty reports whether no token at all is held.
func (c Credential) Empty() bool {
	return c.AccessToken == "" && c.RefreshToken == "" && c.IDToken == ""
}

// Merge applies a token endpoint response to the prior credential. The access
// token is always replaced. A missing refresh token means the provider did not
// roll the refresh token this time, so the prior one is kept; a missing id
// token likewise keeps the prior one, which is still needed for logout.
func Merge(prior Credential, response Credential) Credential {
	merged := Credential{
		AccessToken:  response.AccessToken,
		RefreshToken: response.RefreshToken,
		IDToken:      response.IDToken,
	}

	if merged.RefreshToken == "" {
		merged.RefreshToken = prior.RefreshToken
	}
	if merged.IDToken == "" {
		merged.IDToken = prior.IDToken
	}

	return merged
}
