package info

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"strings"
	"sync"
)

var (
	name    string
	license string

	version = "dev build"

	info     *Info
	loadInfo sync.Once
)

// Info holds the programs meta information.
type Info struct {
	Name    string
	Version string
	License string

	GoVersion string
	Module    string
	CGO       bool

	Commit     string
	CommitTime string
	Dirty      bool
}

// Set sets meta information via the main routine. This should be the first thing your program calls.
// An empty version keeps the build version.
func Set(setName string, setVersion string, setLicenseName string) {
	name = setName
	license = setLicenseName

	if setVersion != "" {
		version = setVersion
	}
}

// GetInfo returns all the meta information about the program.
func GetInfo() *Info {
	loadInfo.Do(func() {
		info = &Info{
			Name:      name,
			Version:   version,
			License:   license,
			GoVersion: runtime.Version(),
			Commit:    "unknown",
		}

		buildInfo, ok := debug.ReadBuildInfo()
		if !ok {
			return
		}
		info.Module = buildInfo.Main.Path
		for _, setting := range buildInfo.Settings {
			switch setting.Key {
			case "CGO_ENABLED":
				info.CGO = setting.Value == "1"
			case "vcs.revision":
				info.Commit = setting.Value
			case "vcs.time":
				info.CommitTime = setting.Value
			case "vcs.modified":
				info.Dirty = setting.Value == "true"
			}
		}
		if buildInfo.Main.Version != "" && buildInfo.Main.Version != "(devel)" && version == "dev build" {
			info.Version = strings.TrimPrefix(buildInfo.Main.Version, "v")
		}
	})

	return info
}

// Version returns the annotated version.
func Version() string {
	return GetInfo().Version
}

// FullVersion returns the full and detailed version string.
func FullVersion() string {
	info := GetInfo()
	builder := new(strings.Builder)

	// Name and version.
	fmt.Fprintf(builder, "%s %s\n", info.Name, info.Version)

	// Build info.
	cgoInfo := "-cgo"
	if info.CGO {
		cgoInfo = "+cgo"
	}
	fmt.Fprintf(builder, "\nbuilt with %s (%s %s) for %s/%s\n", info.GoVersion, runtime.Compiler, cgoInfo, runtime.GOOS, runtime.GOARCH)
	if info.Module != "" {
		fmt.Fprintf(builder, "  from %s\n", info.Module)
	}

	// Commit info.
	dirtyInfo := "clean"
	if info.Dirty {
		dirtyInfo = "dirty"
	}
	fmt.Fprintf(builder, "\ncommit %s (%s)\n", info.Commit, dirtyInfo)
	if info.CommitTime != "" {
		fmt.Fprintf(builder, "  at %s\n", info.CommitTime)
	}

	fmt.Fprintf(builder, "\nLicensed under the %s license.", license)

	return builder.String()
}
