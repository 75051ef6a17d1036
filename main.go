// fortify is an admission engine which protects onion services from
// request floods. It sits behind a reverse proxy and decides whether a
// request is admitted, challenged, redirected to a peer, deferred or
// rejected.
package main

import (
	"fmt"
	"runtime/debug"

	"github.com/alecthomas/kong"
	"github.com/fortify-onion/fortify/internal/cli"
)

var version = "dev" // has to be set by ldflags

func getVersion() string {
	buildInfo, ok := debug.ReadBuildInfo()
	if !ok || version != "dev" {
		return version
	}

	for _, setting := range buildInfo.Settings {
		if setting.Key == "vcs.revision" {
			return fmt.Sprintf("%s (%s)", version, setting.Value)
		}
	}

	return version
}

func main() {
	version := getVersion()
	cli := &cli.CLI{}
	ctx := kong.Parse(cli, kong.Vars{
		"version": version,
	})

	ctx.FatalIfErrorf(ctx.Run(cli, version))
}
