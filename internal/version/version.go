package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"strings"
)

const defaultModule = "pkt.systems/kmdash"

// buildVersion is set via -ldflags "-X pkt.systems/kmdash/internal/version.buildVersion=...".
var buildVersion = ""

// Info describes the running binary.
type Info struct {
	Module    string `json:"module" yaml:"module"`
	Version   string `json:"version" yaml:"version"`
	Revision  string `json:"revision,omitempty" yaml:"revision,omitempty"`
	Modified  bool   `json:"modified,omitempty" yaml:"modified,omitempty"`
	GoVersion string `json:"go_version" yaml:"go_version"`
	Platform  string `json:"platform" yaml:"platform"`
}

// Current returns the linked version, the module version, or "devel".
func Current() string {
	info, _ := debug.ReadBuildInfo()
	return fromBuildInfo(info).Version
}

// Module returns the module path from build info when available.
func Module() string {
	info, _ := debug.ReadBuildInfo()
	return fromBuildInfo(info).Module
}

// Describe returns the binary's version information.
func Describe() Info {
	info, _ := debug.ReadBuildInfo()
	return fromBuildInfo(info)
}

func fromBuildInfo(info *debug.BuildInfo) Info {
	out := Info{
		Module:    defaultModule,
		Version:   strings.TrimSpace(buildVersion),
		GoVersion: runtime.Version(),
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
	}
	if info != nil {
		if path := strings.TrimSpace(info.Main.Path); path != "" {
			out.Module = path
		}
		if v := strings.TrimSpace(info.Main.Version); out.Version == "" && v != "(devel)" {
			out.Version = v
		}
		for _, setting := range info.Settings {
			switch setting.Key {
			case "vcs.revision":
				out.Revision = setting.Value
				if len(out.Revision) > 12 {
					out.Revision = out.Revision[:12]
				}
			case "vcs.modified":
				out.Modified = setting.Value == "true"
			}
		}
	}
	if out.Version == "" {
		out.Version = "devel"
	}
	return out
}

// String formats the info as a single line.
func (i Info) String() string {
	version := i.Version
	if i.Revision != "" {
		version += " " + i.Revision
		if i.Modified {
			version += "+dirty"
		}
	}
	return fmt.Sprintf("%s %s (%s, %s)", i.Module, version, i.GoVersion, i.Platform)
}
