// Command blobfsctl inspects and edits blobfs images, either offline
// against the image file or through a running server.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/pflag"

	"github.com/Alexander-D-Karpov/blobfs/internal/config"
	"github.com/Alexander-D-Karpov/blobfs/internal/logger"
)

type command struct {
	name    string
	usage   string
	summary string
	run     func(g *globals, args []string) error
}

// commands is filled in init: subFlags reads it from inside the run
// functions, which would otherwise be an initialization cycle.
var commands []command

func init() {
	commands = []command{
		{"format", "format [--block-size N] [--inodes N] [--blocks N] [--force]", "write a fresh empty image", runFormat},
		{"info", "info", "show superblock and usage", runInfo},
		{"ls", "ls [-l] [PATH]", "list a directory", runLs},
		{"cat", "cat PATH", "print a file", runCat},
		{"put", "put [--verify] LOCAL PATH", "copy a host file into the image", runPut},
		{"get", "get PATH LOCAL", "copy a file out of the image", runGet},
		{"mkdir", "mkdir [-p] PATH", "create a directory", runMkdir},
		{"rm", "rm [-r] PATH", "remove a file or directory", runRm},
		{"mv", "mv OLD NEW", "rename a file or directory", runMv},
		{"stat", "stat PATH", "show the stat record of a path", runStat},
		{"salvage", "salvage --out NEW", "rebuild a damaged image into a new one", runSalvage},
		{"export", "export --out FILE", "write a compressed snapshot", runExport},
		{"import", "import --in FILE [--force]", "restore a snapshot into the image", runImport},
	}
}

// globals are flags accepted before the subcommand.
type globals struct {
	image   string
	backend string
	addr    string
	token   string
	key     string
	verbose bool
}

func main() {
	if err := run(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "blobfsctl: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	var g globals
	flagSet := pflag.NewFlagSet("blobfsctl", pflag.ContinueOnError)
	flagSet.SetInterspersed(false)
	flagSet.StringVarP(&g.image, "image", "i", os.Getenv(config.Prefix+"STORAGE"), "image path")
	flagSet.StringVar(&g.backend, "backend", envOr(config.Prefix+"BACKEND", "file"), "image backend: file or bolt")
	flagSet.StringVar(&g.addr, "addr", "", "talk to a running server at this address instead of the image")
	flagSet.StringVar(&g.token, "token", os.Getenv(config.Prefix+"TOKEN"), "server auth token")
	flagSet.StringVar(&g.key, "key", os.Getenv(config.Prefix+"KEY"), "server encryption passphrase")
	flagSet.BoolVarP(&g.verbose, "verbose", "v", false, "debug logging")
	flagSet.Usage = func() { printUsage(flagSet) }

	if err := flagSet.Parse(args); err != nil {
		return err
	}

	level := config.LogLevelWarn
	if g.verbose {
		level = config.LogLevelDebug
	}
	logger.Setup(level)

	rest := flagSet.Args()
	if len(rest) == 0 {
		printUsage(flagSet)
		return errors.New("missing command")
	}
	for _, c := range commands {
		if c.name == rest[0] {
			return c.run(&g, rest[1:])
		}
	}
	return fmt.Errorf("unknown command %q", rest[0])
}

func printUsage(flagSet *pflag.FlagSet) {
	fmt.Fprintf(os.Stderr, "Usage: blobfsctl [global flags] COMMAND [args]\n\nCommands:\n")
	for _, c := range commands {
		fmt.Fprintf(os.Stderr, "  %-10s %s\n", c.name, c.summary)
	}
	fmt.Fprintf(os.Stderr, "\nGlobal flags:\n%s", flagSet.FlagUsages())
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// subFlags builds the flag set for one command.
func subFlags(name string) *pflag.FlagSet {
	var usage string
	for _, c := range commands {
		if c.name == name {
			usage = c.usage
		}
	}
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: blobfsctl %s\n%s", usage, fs.FlagUsages())
	}
	return fs
}

func wantArgs(fs *pflag.FlagSet, n int) error {
	if fs.NArg() != n {
		fs.Usage()
		return fmt.Errorf("%s: expected %d argument(s), got %d", fs.Name(), n, fs.NArg())
	}
	return nil
}
