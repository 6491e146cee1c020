package profile

import (
	"errors"
	"strings"
	"testing"
)

func TestValidateName(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr string
	}{
		{"plain name", "alice", ""},
		{"name with inner spaces", "work account 2", ""},
		{"unicode name", "профиль", ""},
		{"exactly max length", strings.Repeat("a", MaxNameLength), ""},
		{"empty", "", "Profile name cannot be empty"},
		{"too long", strings.Repeat("a", MaxNameLength+1), "Profile name must be 64 characters or less"},
		{"invalid characters listed in order", "a<b>c", "Name contains invalid characters: <, >"},
		{"repeated invalid character", "x/y/z", "Name contains invalid characters: /, /"},
		{"backslash", `dir\name`, `Name contains invalid characters: \`},
		{"trailing space", "foo ", "Name cannot start or end with spaces"},
		{"leading space", " foo", "Name cannot start or end with spaces"},
		{"reserved CON", "CON", "'CON' is a reserved system name"},
		{"reserved lowercase", "lpt9", "'lpt9' is a reserved system name"},
		{"reserved COM1", "Com1", "'Com1' is a reserved system name"},
		{"not reserved COM10", "COM10", ""},
		{"single dot", ".", "Name cannot consist only of dots"},
		{"double dot", "..", "Name cannot consist only of dots"},
		{"many dots", "....", "Name cannot consist only of dots"},
		{"dotted name", ".hidden", ""},
		{"trailing dot", "v1.", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateName(tt.input)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("ValidateName(%q) returned error: %v", tt.input, err)
				}
				return
			}

			if err == nil {
				t.Fatalf("ValidateName(%q) expected error %q, got nil", tt.input, tt.wantErr)
			}
			if err.Error() != tt.wantErr {
				t.Errorf("ValidateName(%q) = %q, want %q", tt.input, err.Error(), tt.wantErr)
			}

			var vErr *ValidationError
			if !errors.As(err, &vErr) {
				t.Errorf("expected *ValidationError, got %T", err)
			}
		})
	}
}
