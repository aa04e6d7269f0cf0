package uws

import (
	"regexp"
	"strconv"
)

var versionPattern = regexp.MustCompile(`(\d+)\.(\d+)`)

// Version is a UWS major.minor version.
type Version struct {
	Major int
	Minor int
}

// ParseVersion extracts the first major.minor pair from s.
// It is lenient: "1.1", "v1.1" and "1.1-draft" all parse.
func ParseVersion(s string) (Version, bool) {
	m := versionPattern.FindStringSubmatch(s)
	if m == nil {
		return Version{}, false
	}
	major, err1 := strconv.Atoi(m[1])
	minor, err2 := strconv.Atoi(m[2])
	if err1 != nil || err2 != nil {
		return Version{}, false
	}
	return Version{Major: major, Minor: minor}, true
}

// AtLeast reports whether v >= major.minor.
func (v Version) AtLeast(major, minor int) bool {
	if v.Major != major {
		return v.Major > major
	}
	return v.Minor >= minor
}

// supportsBlocking reports whether the version string allows WAIT reads.
func supportsBlocking(version string) bool {
	v, ok := ParseVersion(version)
	return ok && v.AtLeast(1, 1)
}
