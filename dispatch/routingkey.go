package dispatch

import (
	"fmt"

	"golang.org/x/mod/semver"
)

// ErrInvalidVersion is returned by Engine.Register when a routing key's
// Version field is not a syntactically well-formed semantic version.
// Equality of RoutingKey remains exact byte comparison regardless; this
// only guards what may be registered.
type ErrInvalidVersion struct {
	Version string
}

func (e *ErrInvalidVersion) Error() string {
	return fmt.Sprintf("dispatch: invalid routing key version %q", e.Version)
}

// ValidateVersion reports whether version is a well-formed semantic
// version, tolerating a bare "MAJOR.MINOR" or "MAJOR.MINOR.PATCH" form
// without the "v" prefix golang.org/x/mod/semver requires.
func ValidateVersion(version string) error {
	if semver.IsValid(normalizeSemver(version)) {
		return nil
	}
	return &ErrInvalidVersion{Version: version}
}

// normalizeSemver adds the "v" prefix golang.org/x/mod/semver requires.
// semver.IsValid already accepts the MAJOR[.MINOR[.PATCH]] forms this
// domain's routing keys use (e.g. "v1.0"), so no further rewriting is
// needed once the prefix is in place.
func normalizeSemver(version string) string {
	if version == "" || version[0] == 'v' {
		return version
	}
	return "v" + version
}
