package types

import (
	"regexp"
	"strings"
	"time"
	"unicode"
)

// FUNCTIONAL DISCOVERY: Regex compiled once at package initialization
// for better performance in high-frequency validation scenarios
var (
	// "1º ESO A", "2° BACH B", "3 ESO C" and the compact seed form "1A"
	classIDRegex  = regexp.MustCompile(`(?i)^\d(\s*[º°]?\s*(ESO|BACH)\s+[A-Z]|[A-Z])$`)
	identityRegex = regexp.MustCompile(`^\S{1,254}$`)
)

const forbiddenKeyChars = ".#$[]/"

// IsValidClassID checks a class name against the controlled vocabulary
func IsValidClassID(classID string) bool {
	return classIDRegex.MatchString(strings.TrimSpace(classID))
}

// CanonicalClassID collapses whitespace and upper-cases a class name, so "1º eso a"
// and "1º ESO A" name the same class
func CanonicalClassID(classID string) string {
	return strings.ToUpper(strings.Join(strings.Fields(classID), " "))
}

// IsValidHour checks that hour is one of the six class periods
func IsValidHour(hour int) bool {
	return hour >= MinHour && hour <= MaxHour
}

// IsValidIdentity checks an actor identity (account email or uid)
func IsValidIdentity(identity string) bool {
	return identityRegex.MatchString(identity)
}

// ParseDate parses a CalendarDate in loc, rejecting anything that is not a real date
// TECHNICAL DISCOVERY: time.Parse normalizes nothing, "2024-02-30" fails here
// instead of silently rolling over into March
func ParseDate(date string, loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.Local
	}
	t, err := time.ParseInLocation(DateLayout, date, loc)
	if err != nil {
		return time.Time{}, ErrInvalidDate
	}
	return t, nil
}

// FormatDate renders t as a CalendarDate in its own location
func FormatDate(t time.Time) string {
	return t.Format(DateLayout)
}

// Slugify derives a StudentID from a display name: whitespace becomes an
// underscore and punctuation is stripped, letters keep their accents
func Slugify(displayName string) string {
	fields := strings.Fields(displayName)
	var b strings.Builder
	for i, field := range fields {
		if i > 0 {
			b.WriteByte('_')
		}
		for _, r := range field {
			if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_' || r == '-' {
				b.WriteRune(r)
			}
		}
	}
	return strings.Trim(b.String(), "_")
}

// SanitizeKey makes an arbitrary string (typically an email) usable as a path segment
func SanitizeKey(key string) string {
	return strings.Map(func(r rune) rune {
		if strings.ContainsRune(forbiddenKeyChars, r) {
			return '_'
		}
		return r
	}, key)
}

// NormalizePath trims surrounding slashes and validates every segment.
// The empty string denotes the root.
func NormalizePath(path string) (string, error) {
	path = strings.Trim(path, "/")
	if path == "" {
		return "", nil
	}
	for _, segment := range strings.Split(path, "/") {
		if !IsValidSegment(segment) {
			return "", ErrInvalidPath
		}
	}
	return path, nil
}

// IsValidSegment reports whether s can be used as a single path key
func IsValidSegment(s string) bool {
	if s == "" || strings.TrimSpace(s) != s {
		return false
	}
	return !strings.ContainsAny(s, forbiddenKeyChars)
}

// JoinPath joins segments with slashes
func JoinPath(segments ...string) string {
	return strings.Join(segments, "/")
}

// PathsOverlap reports whether a change at one path affects a value at the other:
// equal paths, or one is an ancestor of the other. The root overlaps everything.
func PathsOverlap(a, b string) bool {
	if a == "" || b == "" || a == b {
		return true
	}
	return strings.HasPrefix(a, b+"/") || strings.HasPrefix(b, a+"/")
}

// RecordPath returns records/{classID}/{studentID}/{date}
func RecordPath(classID, studentID, date string) string {
	return JoinPath(PathRecords, classID, studentID, date)
}

// StudentPath returns students/{classID}/{studentID}
func StudentPath(classID, studentID string) string {
	return JoinPath(PathStudents, classID, studentID)
}
