// Package version reports the shellwarden build.
package version

import (
	"runtime/debug"
	"strings"
	"time"
)

const defaultModule = "pkt.systems/shellwarden"

// buildVersion is set via -ldflags "-X pkt.systems/shellwarden/internal/version.buildVersion=...".
var buildVersion = ""

// Info summarizes the running binary.
type Info struct {
	Module    string
	Version   string
	Revision  string
	Modified  bool
	GoVersion string
}

// Current returns the best available version string.
func Current() string {
	return Read().Version
}

// Read collects build information for the running binary.
func Read() Info {
	info, _ := debug.ReadBuildInfo()
	return fromBuildInfo(info, buildVersion)
}

func fromBuildInfo(info *debug.BuildInfo, override string) Info {
	out := Info{Module: defaultModule, Version: "v0.0.0-unknown"}
	if info == nil {
		if v := strings.TrimSpace(override); v != "" {
			out.Version = v
		}
		return out
	}
	if path := strings.TrimSpace(info.Main.Path); path != "" {
		out.Module = path
	}
	out.GoVersion = info.GoVersion
	vcs := readVCS(info.Settings)
	out.Revision = vcs.revision
	out.Modified = vcs.modified

	switch {
	case strings.TrimSpace(override) != "":
		out.Version = strings.TrimSpace(override)
	case info.Main.Version != "" && info.Main.Version != "(devel)":
		out.Version = info.Main.Version
	case vcs.pseudo() != "":
		out.Version = vcs.pseudo()
	}
	return out
}

type vcsInfo struct {
	revision string
	time     time.Time
	modified bool
}

func readVCS(settings []debug.BuildSetting) vcsInfo {
	var vcs vcsInfo
	for _, setting := range settings {
		switch setting.Key {
		case "vcs.revision":
			vcs.revision = setting.Value
		case "vcs.time":
			if parsed, err := time.Parse(time.RFC3339, setting.Value); err == nil {
				vcs.time = parsed
			}
		case "vcs.modified":
			vcs.modified = setting.Value == "true"
		}
	}
	return vcs
}

// pseudo renders a Go-style pseudo version from VCS stamps.
func (v vcsInfo) pseudo() string {
	if v.revision == "" || v.time.IsZero() {
		return ""
	}
	rev := v.revision
	if len(rev) > 12 {
		rev = rev[:12]
	}
	out := "v0.0.0-" + v.time.UTC().Format("20060102150405") + "-" + rev
	if v.modified {
		out += "+dirty"
	}
	return out
}
