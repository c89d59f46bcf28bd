package cli

import (
	"context"
	"os/signal"
	"strings"
	"syscall"
)

// Run is the main CLI entry point. It parses args and dispatches to the
// appropriate subcommand, returning a process exit code.
func Run(args []string) int {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if len(args) == 0 || (strings.HasPrefix(args[0], "-") && !isHelpOrVersion(args[0])) {
		return runServe(ctx, args)
	}

	switch args[0] {
	case "serve":
		return runServe(ctx, args[1:])
	case "certs":
		return runCerts(ctx, args[1:])
	case "version", "--version", "-v":
		printVersion()
		return 0
	case "-h", "--help", "help":
		printUsage()
		return 0
	default:
		printUsage()
		return 2
	}
}

func isHelpOrVersion(arg string) bool {
	switch arg {
	case "-h", "--help", "--version", "-v":
		return true
	}
	return false
}
