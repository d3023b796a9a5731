package api

// Credentials is the login request body.
type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// TokenPair is the response of the login and refresh endpoints. The
// refresh endpoint may omit the refresh token, in which case the
// previously issued one remains valid.
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	Role         string `json:"role,omitempty"`
}

// Identity is the profile object returned by the identity endpoint.
type Identity struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Role string `json:"role"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}
