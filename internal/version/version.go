// Package version implements parsing, ordering, and constraint
// satisfaction for RaePkg package versions.
//
// A version is a dotted tuple of up to four non-negative integers
// (major.minor[.patch[.build]]) optionally followed by a pre-release
// tag ("-rc.1") and build metadata ("+20240110"). Ordering is
// lexicographic over the numeric tuple; a pre-release version orders
// before its release; build metadata never participates in ordering.
package version

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrParse is returned when a version string cannot be parsed.
var ErrParse = errors.New("invalid version")

// Version is a parsed package version.
type Version struct {
	Major      uint64
	Minor      uint64
	Patch      uint64
	Build      uint64
	PreRelease string
	Metadata   string

	// numeric components present in the source text (2..4); String
	// re-emits exactly that many so parsing and formatting round-trip
	parts int
}

// Parse parses a version string. At least major.minor is required.
func Parse(s string) (Version, error) {
	if s == "" {
		return Version{}, fmt.Errorf("%w: empty string", ErrParse)
	}

	rest := s
	var v Version

	if i := strings.IndexByte(rest, '+'); i >= 0 {
		v.Metadata = rest[i+1:]
		rest = rest[:i]
		if v.Metadata == "" {
			return Version{}, fmt.Errorf("%w: %q has empty build metadata", ErrParse, s)
		}
	}
	if i := strings.IndexByte(rest, '-'); i >= 0 {
		v.PreRelease = rest[i+1:]
		rest = rest[:i]
		if v.PreRelease == "" {
			return Version{}, fmt.Errorf("%w: %q has empty pre-release tag", ErrParse, s)
		}
	}

	fields := strings.Split(rest, ".")
	if len(fields) < 2 {
		return Version{}, fmt.Errorf("%w: %q needs at least major.minor", ErrParse, s)
	}
	if len(fields) > 4 {
		return Version{}, fmt.Errorf("%w: %q has more than four numeric components", ErrParse, s)
	}

	nums := make([]uint64, len(fields))
	for i, f := range fields {
		n, err := strconv.ParseUint(f, 10, 64)
		if err != nil {
			return Version{}, fmt.Errorf("%w: %q component %q is not a number", ErrParse, s, f)
		}
		nums[i] = n
	}

	v.Major, v.Minor = nums[0], nums[1]
	if len(nums) > 2 {
		v.Patch = nums[2]
	}
	if len(nums) > 3 {
		v.Build = nums[3]
	}
	v.parts = len(nums)
	return v, nil
}

// MustParse parses s and panics on error. For tests and literals.
func MustParse(s string) Version {
	v, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return v
}

// String formats the version with the same number of numeric
// components it was parsed with, plus pre-release and metadata.
func (v Version) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d.%d", v.Major, v.Minor)
	parts := v.parts
	if parts == 0 {
		// zero-value or hand-built version: print the shortest form
		// that loses nothing
		parts = 2
		if v.Build > 0 {
			parts = 4
		} else if v.Patch > 0 {
			parts = 3
		}
	}
	if parts >= 3 {
		fmt.Fprintf(&b, ".%d", v.Patch)
	}
	if parts >= 4 {
		fmt.Fprintf(&b, ".%d", v.Build)
	}
	if v.PreRelease != "" {
		b.WriteByte('-')
		b.WriteString(v.PreRelease)
	}
	if v.Metadata != "" {
		b.WriteByte('+')
		b.WriteString(v.Metadata)
	}
	return b.String()
}

// Compare returns -1, 0, or +1 as v orders before, equal to, or after o.
// Build metadata is ignored.
func (v Version) Compare(o Version) int {
	if c := compareUint(v.Major, o.Major); c != 0 {
		return c
	}
	if c := compareUint(v.Minor, o.Minor); c != 0 {
		return c
	}
	if c := compareUint(v.Patch, o.Patch); c != 0 {
		return c
	}
	if c := compareUint(v.Build, o.Build); c != 0 {
		return c
	}
	return comparePreRelease(v.PreRelease, o.PreRelease)
}

// Equal reports whether v and o order equal. Build metadata is ignored.
func (v Version) Equal(o Version) bool { return v.Compare(o) == 0 }

// Less reports whether v orders strictly before o.
func (v Version) Less(o Version) bool { return v.Compare(o) < 0 }

// IsPreRelease reports whether v carries a pre-release tag.
func (v Version) IsPreRelease() bool { return v.PreRelease != "" }

func compareUint(a, b uint64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

// comparePreRelease orders pre-release tags. An empty tag (a release)
// orders after any non-empty tag with the same numeric tuple.
// Non-empty tags compare by dot-separated identifiers: numeric
// identifiers numerically, alphanumerics lexicographically, numeric
// before alphanumeric; a tag that is a strict prefix orders first.
func comparePreRelease(a, b string) int {
	switch {
	case a == "" && b == "":
		return 0
	case a == "":
		return 1
	case b == "":
		return -1
	}

	as := strings.Split(a, ".")
	bs := strings.Split(b, ".")
	for i := 0; i < len(as) && i < len(bs); i++ {
		if c := compareIdentifier(as[i], bs[i]); c != 0 {
			return c
		}
	}
	switch {
	case len(as) < len(bs):
		return -1
	case len(as) > len(bs):
		return 1
	}
	return 0
}

func compareIdentifier(a, b string) int {
	an, aNum := parseNumericIdentifier(a)
	bn, bNum := parseNumericIdentifier(b)
	switch {
	case aNum && bNum:
		return compareUint(an, bn)
	case aNum:
		return -1
	case bNum:
		return 1
	}
	return strings.Compare(a, b)
}

func parseNumericIdentifier(s string) (uint64, bool) {
	if s == "" {
		return 0, false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return 0, false
		}
	}
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}
