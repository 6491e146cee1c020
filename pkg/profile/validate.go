package profile

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// MaxNameLength is the longest accepted profile name, in characters.
const MaxNameLength = 64

const invalidNameChars = `<>:"/\|?*`

var reservedNames = map[string]bool{
	"CON": true, "PRN": true, "AUX": true, "NUL": true,
}

func init() {
	for i := 1; i <= 9; i++ {
		reservedNames[fmt.Sprintf("COM%d", i)] = true
		reservedNames[fmt.Sprintf("LPT%d", i)] = true
	}
}

// ValidateName checks that name can serve as both a record key and a data
// directory name on every supported OS. The returned *ValidationError names
// the specific problem.
func ValidateName(name string) error {
	if name == "" {
		return &ValidationError{Field: "name", Message: "Profile name cannot be empty"}
	}

	if utf8.RuneCountInString(name) > MaxNameLength {
		return &ValidationError{Field: "name", Message: fmt.Sprintf("Profile name must be %d characters or less", MaxNameLength)}
	}

	var found []string
	for _, r := range name {
		if strings.ContainsRune(invalidNameChars, r) {
			found = append(found, string(r))
		}
	}
	if len(found) > 0 {
		return &ValidationError{Field: "name", Message: "Name contains invalid characters: " + strings.Join(found, ", ")}
	}

	if strings.Trim(name, ".") == "" {
		return &ValidationError{Field: "name", Message: "Name cannot consist only of dots"}
	}

	if strings.TrimSpace(name) != name {
		return &ValidationError{Field: "name", Message: "Name cannot start or end with spaces"}
	}

	if reservedNames[strings.ToUpper(name)] {
		return &ValidationError{Field: "name", Message: fmt.Sprintf("'%s' is a reserved system name", name)}
	}

	return nil
}
