// Command zipstream serves zip archives assembled from remote files.
package main

import (
	"context"
	_ "embed"
	"os"
	"os/signal"
	"syscall"

	"github.com/meigma/zipstream/cmd/zipstream/commands"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

//go:embed sample.json
var sample []byte

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cli := commands.New(commands.Build{Version: version, Sample: sample})
	cli.SetArgs(args)
	if err := cli.Execute(ctx); err != nil {
		_, _ = os.Stderr.WriteString("Error: " + err.Error() + "\n")
		return 1
	}
	return 0
}
