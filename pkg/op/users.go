package op

import (
	"crypto/subtle"
	"fmt"

	"github.com/authlab/oidp/pkg/claims"
)

// ClaimsSource authenticates resource owners and releases their claims.
// The authorizer never sees passwords or attribute storage directly.
type ClaimsSource interface {
	// Authenticate checks the credentials and returns the subject
	// identifier on success.
	Authenticate(username, password string) (string, error)
	// Claims returns the claims released for the subject: the ones the
	// granted scopes unlock plus the individually requested ones, in that
	// order. Unknown requested claims are silently omitted.
	Claims(subject string, scopes []string, requested []string) (*claims.Set, error)
}

// User is a statically configured resource owner. Claims holds the
// released attribute values; multivalued claims are lists and keep their
// configured order.
type User struct {
	Subject  string         `yaml:"subject" json:"subject" validate:"required"`
	Username string         `yaml:"username" json:"username" validate:"required"`
	Password string         `yaml:"password" json:"-"`
	Claims   map[string]any `yaml:"claims" json:"claims,omitempty"`
}

// scopeClaims maps the standard OpenID Connect scopes to the claims they
// release.
var scopeClaims = map[string][]string{
	"profile": {
		"name", "family_name", "given_name", "middle_name", "nickname",
		"preferred_username", "profile", "picture", "website", "gender",
		"birthdate", "zoneinfo", "locale", "updated_at",
	},
	"email":   {"email", "email_verified"},
	"address": {"address"},
	"phone":   {"phone_number", "phone_number_verified"},
}

// StaticClaimsSource serves users from configuration.
type StaticClaimsSource struct {
	Users []*User `yaml:"users" validate:"dive,required"`
}

func (s *StaticClaimsSource) Authenticate(username, password string) (string, error) {
	for _, user := range s.Users {
		if user.Username != username {
			continue
		}
		if subtle.ConstantTimeCompare([]byte(user.Password), []byte(password)) == 1 {
			return user.Subject, nil
		}
		break
	}
	return "", fmt.Errorf("invalid credentials")
}

func (s *StaticClaimsSource) Claims(subject string, scopes []string, requested []string) (*claims.Set, error) {
	var user *User
	for _, u := range s.Users {
		if u.Subject == subject {
			user = u
			break
		}
	}
	if user == nil {
		return nil, fmt.Errorf("unknown subject '%s'", subject)
	}

	set := claims.NewSet()
	set.Set("sub", subject)
	release := func(name string) {
		if set.Has(name) {
			return
		}
		if value, ok := user.Claims[name]; ok {
			set.Set(name, value)
		}
	}
	for _, scope := range scopes {
		for _, name := range scopeClaims[scope] {
			release(name)
		}
	}
	for _, name := range requested {
		release(name)
	}
	return set, nil
}
