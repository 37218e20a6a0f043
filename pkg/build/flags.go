// SPDX-License-Identifier: MIT
//
// Package build carries the metadata embedded into the binary at link time:
// application name, build timestamp, Git commit and semantic version.
//
//	go build -ldflags "-X loopviz/pkg/build.buildName=loopviz -X loopviz/pkg/build.buildVersion=0.2.0 ..."
//
// Development builds without ldflags report "unknown" for every field.
package build

import (
	"errors"
	"fmt"
	"io"
)

// Description is the one-line summary shown by the CLI.
const Description = "Loopback audio capture and real-time spectrum analysis"

type ldFlags struct {
	Name    string
	Time    string
	Commit  string
	Version string
}

// Package-level variables for build information. These are populated by -ldflags
// during compilation. Default values of "unknown" are used during development.
var (
	buildName    string
	buildTime    string
	buildCommit  string
	buildVersion string
	buildFlags   = &ldFlags{
		Name:    "unknown",
		Time:    "unknown",
		Commit:  "unknown",
		Version: "unknown",
	}
)

// Initialize validates and copies build information from ldflags variables
// into the buildFlags struct. Every missing flag is reported; on error the
// build information is left untouched.
func Initialize() error {
	var err error
	if buildName == "" {
		err = errors.Join(err, errors.New("BuildName is required"))
	}
	if buildTime == "" {
		err = errors.Join(err, errors.New("BuildTime is required"))
	}
	if buildCommit == "" {
		err = errors.Join(err, errors.New("BuildCommit is required"))
	}
	if buildVersion == "" {
		err = errors.Join(err, errors.New("BuildVersion is required"))
	}
	if err != nil {
		return err
	}

	buildFlags.Name = buildName
	buildFlags.Time = buildTime
	buildFlags.Commit = buildCommit
	buildFlags.Version = buildVersion

	return nil
}

// GetBuildFlags returns the current build information.
func GetBuildFlags() *ldFlags {
	return buildFlags
}

// Print writes the build information for the version command.
func Print(w io.Writer) {
	f := GetBuildFlags()
	fmt.Fprintf(w, "%s %s\n", f.Name, f.Version)
	fmt.Fprintf(w, "  commit: %s\n", f.Commit)
	fmt.Fprintf(w, "  built:  %s\n", f.Time)
}
