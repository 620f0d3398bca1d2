package gc

import (
	"strings"

	"golang.org/x/mod/semver"
)

// Version information for the zmark mark engine.
const (
	// Version is the current version of the engine.
	Version = "0.1.0"

	// VersionMajor is the major version number.
	VersionMajor = 0

	// VersionMinor is the minor version number.
	VersionMinor = 1

	// VersionPatch is the patch version number.
	VersionPatch = 0
)

// Info provides runtime information about the engine.
type Info struct {
	// Version is the engine version string.
	Version string

	// Algorithm is the marking algorithm used.
	Algorithm string

	// Generational reports whether young and old generations are marked
	// separately.
	Generational bool
}

// GetInfo returns information about the engine.
//
// Example:
//
//	info := gc.GetInfo()
//	fmt.Printf("zmark %s (%s)\n", info.Version, info.Algorithm)
func GetInfo() Info {
	return Info{
		Version:      Version,
		Algorithm:    "colored pointers, striped work stealing",
		Generational: true,
	}
}

// Compatible reports whether input written for version v can be used by
// this engine: v must be a valid semantic version with the engine's major
// version and must not be newer than the engine. The leading "v" is
// optional.
func Compatible(v string) bool {
	if !strings.HasPrefix(v, "v") {
		v = "v" + v
	}
	if !semver.IsValid(v) {
		return false
	}
	self := "v" + Version
	return semver.Major(v) == semver.Major(self) && semver.Compare(v, self) <= 0
}
