// Package domain contains entity without logic, just meta-data
package domain

import "errors"

const MaxUserIDLen = 64

var (
	ErrUserIDEmpty   = errors.New("user id empty")
	ErrUserIDTooLong = errors.New("user id too long")
	ErrBadRole       = errors.New("unknown role")
)

type UserID string

type Role string

const (
	RoleEvaluator Role = "evaluator"
	RoleClient    Role = "client"
)

// ParseRole rejects anything outside the two wire values so adapters
// never carry an unchecked role string past the boundary.
func ParseRole(s string) (Role, error) {
	switch Role(s) {
	case RoleEvaluator, RoleClient:
		return Role(s), nil
	}
	return "", ErrBadRole
}

func ValidateUserID(id UserID) error {
	if len(id) == 0 {
		return ErrUserIDEmpty
	}
	if len(id) > MaxUserIDLen {
		return ErrUserIDTooLong
	}
	return nil
}
