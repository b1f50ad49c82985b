// Package version reports the syncagent build version.
package version

import "runtime/debug"

// version is set at build time via -ldflags "-X .../internal/version.version=v1.2.3".
var version = "" //nolint:gochecknoglobals // ldflags requires package-level var

// readBuildInfo is replaced in tests.
var readBuildInfo = debug.ReadBuildInfo //nolint:gochecknoglobals // test seam

// String returns the ldflags version, else the module version recorded by
// `go install`, else "dev".
func String() string {
	if version != "" {
		return version
	}
	if info, ok := readBuildInfo(); ok && info.Main.Version != "" && info.Main.Version != "(devel)" {
		return info.Main.Version
	}
	return "dev"
}
