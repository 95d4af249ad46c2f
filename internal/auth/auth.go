// Package auth authenticates operator requests to the admin API.
//
// Two shared secrets map to two roles:
//   - X-Admin-Secret    -> super_admin (may run remediation)
//   - X-Operator-Secret -> operator (read-only admin views, job triggers)
//
// The caller names itself with X-Actor; it is recorded in the remediation log.
package auth

import (
	"crypto/subtle"
	"errors"
)

var (
	ErrNoCredentials      = errors.New("admin credentials required")
	ErrInvalidCredentials = errors.New("invalid admin credentials")
)

// Role is an operator privilege tier.
type Role string

const (
	RoleSuperAdmin Role = "super_admin"
	RoleOperator   Role = "operator"
)

// Secrets holds the configured shared secrets. An empty secret disables that role.
type Secrets struct {
	Admin    string
	Operator string
}

// Principal is an authenticated operator.
type Principal struct {
	Actor string `json:"actor"`
	Role  Role   `json:"role"`
}

// Authenticate resolves the role for the presented secrets. The admin secret
// wins when both are present.
func (s Secrets) Authenticate(adminSecret, operatorSecret string) (Role, error) {
	if adminSecret == "" && operatorSecret == "" {
		return "", ErrNoCredentials
	}
	if adminSecret != "" {
		if secretEqual(s.Admin, adminSecret) {
			return RoleSuperAdmin, nil
		}
		return "", ErrInvalidCredentials
	}
	if secretEqual(s.Operator, operatorSecret) {
		return RoleOperator, nil
	}
	return "", ErrInvalidCredentials
}

func secretEqual(configured, presented string) bool {
	if configured == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(configured), []byte(presented)) == 1
}
