// Package version carries the build identity of the gavel binary. The
// Git* and BuildDate variables are empty in plain `go build` binaries
// and injected with -ldflags by the release makefile.
package version

import (
	"bytes"
	"fmt"
	"time"
)

var (
	// BuildDate is the commit time of the build, RFC3339.
	BuildDate string

	GitCommit   string
	GitDescribe string

	// Version is the base semantic version.
	Version = "1.2.0"

	// VersionPrerelease is "" for a final release, otherwise a marker
	// such as "dev", "beta" or "rc1".
	VersionPrerelease = "dev"

	// VersionMetadata further qualifies the build type.
	VersionMetadata = ""
)

// VersionInfo describes the running build.
type VersionInfo struct {
	BuildDate         time.Time
	Revision          string
	Version           string
	VersionPrerelease string
	VersionMetadata   string
}

// GetVersion resolves the injected variables into a VersionInfo,
// preferring `git describe` output over the hardcoded version.
func GetVersion() *VersionInfo {
	ver := Version
	rel := VersionPrerelease
	if GitDescribe != "" {
		ver = GitDescribe
		rel = ""
	}

	// An unparsable BuildDate stays the zero time and is not printed.
	built, _ := time.Parse(time.RFC3339, BuildDate)

	return &VersionInfo{
		BuildDate:         built,
		Revision:          GitCommit,
		Version:           ver,
		VersionPrerelease: rel,
		VersionMetadata:   VersionMetadata,
	}
}

// VersionNumber renders the short form, e.g. "1.2.0-dev".
func (v *VersionInfo) VersionNumber() string {
	version := v.Version
	if v.VersionPrerelease != "" {
		version = fmt.Sprintf("%s-%s", version, v.VersionPrerelease)
	}
	if v.VersionMetadata != "" {
		version = fmt.Sprintf("%s+%s", version, v.VersionMetadata)
	}
	return version
}

// FullVersionNumber renders the banner printed by `gavel version`,
// with build date and, when rev is set, the commit.
func (v *VersionInfo) FullVersionNumber(rev bool) string {
	var out bytes.Buffer

	fmt.Fprintf(&out, "Gavel v%s", v.Version)
	if v.VersionPrerelease != "" {
		fmt.Fprintf(&out, "-%s", v.VersionPrerelease)
	}
	if v.VersionMetadata != "" {
		fmt.Fprintf(&out, "+%s", v.VersionMetadata)
	}
	if !v.BuildDate.IsZero() {
		fmt.Fprintf(&out, "\nBuildDate %s", v.BuildDate.Format(time.RFC3339))
	}
	if rev && v.Revision != "" {
		fmt.Fprintf(&out, "\nRevision %s", v.Revision)
	}

	return out.String()
}
