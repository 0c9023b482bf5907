package reconcile

import (
	"regexp"
	"strconv"
	"strings"
)

// Key emails are generated by the purchase path as
// "user<id>_<slug>@..." — the embedded numeric token is the only way to
// recover ownership of an account the panel has but the local store lost.
var userIDPattern = regexp.MustCompile(`user(\d+)`)

// NormalizeEmail lower-cases and trims an email so local and remote
// representations compare equal. Every comparison in this package goes
// through it.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// ExtractUserID recovers the owning user id from a generated key email.
// Returns false when no usable id token is present; callers must never
// invent an owner for such accounts.
func ExtractUserID(email string) (int64, bool) {
	m := userIDPattern.FindStringSubmatch(email)
	if m == nil {
		return 0, false
	}
	id, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}
