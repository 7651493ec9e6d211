package addressbook

import "github.com/google/uuid"

// isUUID reports whether the value is a canonical UUID string, which is how
// reference-table identifiers are distinguished from typed-in names.
func isUUID(s string) bool {
	if len(s) != 36 {
		return false
	}
	_, err := uuid.Parse(s)
	return err == nil
}
