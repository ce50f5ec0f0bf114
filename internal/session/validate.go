package session

import (
	"fmt"
	"regexp"
	"strings"
)

// Session names are usually derived from the account ("alice.hotmail"), so
// dots are allowed anywhere but the first character.
var nameRegexp = regexp.MustCompile(`^[a-z0-9][a-z0-9._-]{0,63}$`)

// ValidateName checks that name conforms to session naming rules.
func ValidateName(name string) error {
	if !nameRegexp.MatchString(name) {
		return fmt.Errorf("invalid session name %q: lowercase letters, digits, '._-', max 64 chars, must not start with a separator", name)
	}
	return nil
}

// NameForAccount derives a default session name from a sign-in account.
func NameForAccount(account string) string {
	name := strings.ToLower(account)
	name = strings.NewReplacer("@", ".", " ", "_").Replace(name)
	if len(name) > 64 {
		name = name[:64]
	}
	return name
}
