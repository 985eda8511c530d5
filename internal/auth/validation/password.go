// Package validation enforces password strength at provisioning time.
package validation

import (
	"errors"
	"strings"
	"unicode"
)

var (
	ErrPasswordTooShort = errors.New("password is too short")
	ErrPasswordTooLong  = errors.New("password is too long")
	ErrMissingUppercase = errors.New("password must contain at least one uppercase letter")
	ErrMissingLowercase = errors.New("password must contain at least one lowercase letter")
	ErrMissingNumber    = errors.New("password must contain at least one number")
	ErrContainsUsername = errors.New("password cannot contain the username")
	ErrRepeatedChars    = errors.New("password contains too many repeated characters")
)

type Policy struct {
	MinLength         int
	MaxLength         int
	RequireUppercase  bool
	RequireLowercase  bool
	RequireNumbers    bool
	MaxRepeatingChars int
}

func DefaultPolicy() Policy {
	return Policy{
		MinLength:         10,
		MaxLength:         128,
		RequireUppercase:  true,
		RequireLowercase:  true,
		RequireNumbers:    true,
		MaxRepeatingChars: 3,
	}
}

type Validator struct {
	policy Policy
}

func NewValidator(policy Policy) *Validator {
	return &Validator{policy: policy}
}

func (v *Validator) Validate(password, username string) error {
	if len(password) < v.policy.MinLength {
		return ErrPasswordTooShort
	}
	if v.policy.MaxLength > 0 && len(password) > v.policy.MaxLength {
		return ErrPasswordTooLong
	}

	var hasUpper, hasLower, hasNumber bool
	for _, r := range password {
		switch {
		case unicode.IsUpper(r):
			hasUpper = true
		case unicode.IsLower(r):
			hasLower = true
		case unicode.IsNumber(r):
			hasNumber = true
		}
	}

	if v.policy.RequireUppercase && !hasUpper {
		return ErrMissingUppercase
	}
	if v.policy.RequireLowercase && !hasLower {
		return ErrMissingLowercase
	}
	if v.policy.RequireNumbers && !hasNumber {
		return ErrMissingNumber
	}

	if v.policy.MaxRepeatingChars > 0 && longestRun(password) > v.policy.MaxRepeatingChars {
		return ErrRepeatedChars
	}

	if len(username) >= 3 && strings.Contains(strings.ToLower(password), strings.ToLower(username)) {
		return ErrContainsUsername
	}

	return nil
}

func longestRun(s string) int {
	var best, run int
	var last rune
	for i, r := range s {
		if i == 0 || r != last {
			last, run = r, 1
		} else {
			run++
		}
		if run > best {
			best = run
		}
	}
	return best
}
