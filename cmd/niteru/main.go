// Package main is the niteru CLI entry point.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/hyperjump/niteru/internal/config"
	"github.com/hyperjump/niteru/pkg/utils"
	"go.uber.org/zap"
)

var version = "dev"

const (
	toolName          = "niteru"
	defaultConfigPath = "/usr/local/etc/niteru/config.yaml"
)

// loadConfig loads config from path. When path is the default, it first looks for
// config.yaml in the current directory (for development). A missing default
// config is not an error: the built-in defaults are used and the returned path is empty.
// Returns the config and the path that was actually loaded (for saving, etc.).
func loadConfig(path string) (*config.Config, string, error) {
	if path == defaultConfigPath {
		if cwd, err := os.Getwd(); err == nil {
			fallback := filepath.Join(cwd, "config.yaml")
			if _, err := os.Stat(fallback); err == nil {
				cfg, err := config.Load(fallback)
				if err != nil {
					return nil, "", err
				}
				return cfg, fallback, nil
			}
		}
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			return config.Default(), "", nil
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, "", err
	}
	return cfg, path, nil
}

// configPathFromArgs returns the value of -config/--config from args if present, else defaultPath.
// Flag defaults come from the config, so it has to be found before the flags are parsed.
func configPathFromArgs(args []string, defaultPath string) string {
	for i, a := range args {
		switch {
		case (a == "-config" || a == "--config") && i+1 < len(args):
			return args[i+1]
		case strings.HasPrefix(a, "-config="):
			return strings.TrimPrefix(a, "-config=")
		case strings.HasPrefix(a, "--config="):
			return strings.TrimPrefix(a, "--config=")
		}
	}
	return defaultPath
}

// parseInterspersed parses fs from args, allowing flags after positional
// arguments. Go's flag package stops at the first non-flag argument, so
// "niteru search photo.png -x" would otherwise leave -x unparsed. It returns
// the positional arguments in order.
func parseInterspersed(fs *flag.FlagSet, args []string) ([]string, error) {
	var positional []string
	for {
		if err := fs.Parse(args); err != nil {
			return nil, err
		}
		args = fs.Args()
		for len(args) > 0 && !isFlagArg(args[0]) {
			positional = append(positional, args[0])
			args = args[1:]
		}
		if len(args) == 0 {
			return positional, nil
		}
	}
}

func isFlagArg(a string) bool {
	return len(a) > 1 && a[0] == '-'
}

// env is what every command needs after flags are parsed.
type env struct {
	cfg        *config.Config
	configPath string
	logger     *zap.Logger
	stdout     io.Writer
	stderr     io.Writer
}

func newEnv(cfg *config.Config, configPath string, debug, quiet bool, stdout, stderr io.Writer) (*env, error) {
	logger, err := utils.NewLogger(cfg.Debug || debug, quiet)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}
	return &env{cfg: cfg, configPath: configPath, logger: logger, stdout: stdout, stderr: stderr}, nil
}

// stringList is a repeatable string flag.
type stringList []string

func (s *stringList) String() string { return strings.Join(*s, ",") }

func (s *stringList) Set(v string) error {
	*s = append(*s, v)
	return nil
}

// flagSet returns a FlagSet that reports errors instead of exiting.
func flagSet(name string, stderr io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	return fs
}

// explicitFlags returns the names of flags set on the command line.
func explicitFlags(fs *flag.FlagSet) map[string]bool {
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })
	return set
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

// run executes one command and returns the process exit status.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 {
		printUsage(stderr)
		return 1
	}
	command, rest := args[0], args[1:]
	if isFlagArg(command) && !isInfoFlag(command) {
		// Flags without a command run onflight.
		command, rest = "onflight", args
	}
	var err error
	switch command {
	case "precalculate":
		err = runPrecalculate(ctx, rest, stdout, stderr)
	case "search":
		err = runSearch(ctx, rest, stdout, stderr)
	case "onflight":
		err = runOnflight(ctx, rest, stdout, stderr)
	case "serve":
		err = runServe(ctx, rest, stdout, stderr)
	case "watch":
		err = runWatch(ctx, rest, stdout, stderr)
	case "status":
		err = runStatus(ctx, rest, stdout, stderr)
	case "version", "--version", "-v":
		fmt.Fprintf(stdout, "%s version %s\n", toolName, version)
	case "help", "--help", "-h":
		printUsage(stdout)
	default:
		fmt.Fprintf(stderr, "Unknown command: %s\n", command)
		printUsage(stderr)
		return 1
	}
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		fmt.Fprintf(stderr, "%s: %v\n", toolName, err)
		return 1
	}
	return 0
}

func isInfoFlag(a string) bool {
	switch a {
	case "-v", "--version", "-h", "--help":
		return true
	}
	return false
}

func printUsage(w io.Writer) {
	fmt.Fprintf(w, `niteru - find the images that look most like a target image

Usage:
  niteru precalculate [flags] [dir...]   Compute signatures for a directory tree into a storage file
  niteru search [flags] [target]         Rank stored images by similarity to a target image
  niteru onflight [flags] [target]       Precalculate a directory and search it in one go
  niteru [flags] [target]                Same as onflight
  niteru serve [flags]                   Start the HTTP API (optionally watching directories)
  niteru watch [flags] [dir...]          Keep a storage file in sync with directories
  niteru watch <add|remove|list> [path]  Manage the directories watched by a running server
  niteru status [flags]                  Show storage, journal and configuration status
  niteru version                         Show version
  niteru help                            Show this help

Common Flags:
  -config string    Config file path (default: %s, or ./config.yaml when present)
  -debug            Enable debug logging
  -storage string   Storage file path (default from config)

Precalculation Flags:
  -dir string       Directory to scan (repeatable; positional directories work too)
  -split-depth int  Grid size S: each image is reduced to S x S average colors (default 4)
  -fork int         Number of parallel workers (default 1)
  -overwrite        Replace the storage instead of merging into it
  -auto-orient      Apply EXIF orientation before computing signatures
  -quiet            No progress bar and warnings-only logging

Search Output Flags:
  -target string      Target image
  -filter string      Only rank images whose file or directory names match these words
  -limit int          Number of results (0 = all)
  -best-only          Only print the closest image
  -no-notes           Don't print the notes around the table
  -table-fmt string   github, plain or json
  -no-headers         Don't print table headers
  -no-index           Don't print the rank column
  -no-error-rate      Don't print the error rate column
  -reverse            Print the closest image last
  -x, -suppress-extras  Only print the path of the closest image

Examples:
  niteru precalculate -storage ~/photos.json -dir ~/Pictures -fork 8
  niteru search -storage ~/photos.json ~/Downloads/cat.png
  niteru search -storage ~/photos.json -target cat.png -filter holiday -limit 5
  niteru onflight -dir ~/Pictures -target cat.png -x
  niteru -dir ~/Pictures -target cat.png -x
  niteru serve -storage ~/photos.json -watch -dir ~/Pictures
`, defaultConfigPath)
}
