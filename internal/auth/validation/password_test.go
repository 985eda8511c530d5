package validation

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidate(t *testing.T) {
	v := NewValidator(DefaultPolicy())

	tests := []struct {
		name     string
		password string
		username string
		wantErr  error
	}{
		{"acceptable", "Correct7Horse", "alice", nil},
		{"too short", "Ab1", "alice", ErrPasswordTooShort},
		{"no uppercase", "correct7horse", "alice", ErrMissingUppercase},
		{"no lowercase", "CORRECT7HORSE", "alice", ErrMissingLowercase},
		{"no number", "CorrectHorses", "alice", ErrMissingNumber},
		{"contains username", "Alice7Wonders", "alice", ErrContainsUsername},
		{"repeated run", "Caaaarrot77xY", "alice", ErrRepeatedChars},
		{"short username not matched", "Absolute7Power", "ab", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.Validate(tt.password, tt.username)
			if tt.wantErr == nil {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, tt.wantErr)
			}
		})
	}
}

func TestValidateMaxLength(t *testing.T) {
	v := NewValidator(Policy{MinLength: 4, MaxLength: 8})
	assert.ErrorIs(t, v.Validate("abcdefghij", ""), ErrPasswordTooLong)
}
