// Package buildinfo exposes version metadata stamped at build time.
package buildinfo

import (
	"runtime"
	"runtime/debug"
	"strings"
)

// Set with -ldflags "-X .../buildinfo.Version=... -X .../buildinfo.Commit=...".
var (
	Version = "0.1.0-dev"
	Commit  = ""
)

// Info is normalized build metadata for display.
type Info struct {
	Version   string
	Commit    string
	GoVersion string
}

// String renders the metadata as a single display line, omitting the
// commit when none was recorded.
func (i Info) String() string {
	var b strings.Builder
	b.WriteString(i.Version)
	if i.Commit != "" {
		b.WriteString(" (")
		b.WriteString(i.Commit)
		b.WriteString(")")
	}
	b.WriteString(" ")
	b.WriteString(i.GoVersion)
	return b.String()
}

// Current returns build metadata from linker overrides, falling back to
// module build settings embedded by the toolchain.
func Current() Info {
	info := Info{
		Version:   strings.TrimSpace(Version),
		Commit:    strings.TrimSpace(Commit),
		GoVersion: runtime.Version(),
	}

	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return info
	}
	if strings.HasSuffix(info.Version, "-dev") && bi.Main.Version != "" && bi.Main.Version != "(devel)" {
		info.Version = bi.Main.Version
	}
	if info.Commit == "" {
		var revision string
		dirty := false
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				revision = strings.TrimSpace(s.Value)
			case "vcs.modified":
				dirty = strings.EqualFold(strings.TrimSpace(s.Value), "true")
			}
		}
		if len(revision) > 12 {
			revision = revision[:12]
		}
		info.Commit = revision
		if info.Commit != "" && dirty {
			info.Commit += "-dirty"
		}
	}
	return info
}
