package main

import (
	"fmt"
	"os"

	"github.com/sheerbytes/fetchmux/internal/termio"
)

const version = "v0.1.0"

func main() {
	termio.Init()
	code := run(os.Args[1:])
	termio.Flush()
	os.Exit(code)
}

func run(args []string) int {
	if len(args) == 0 {
		printUsage()
		return 2
	}
	if hasVersionFlag(args[:1]) {
		fmt.Fprintln(termio.Stdout(), version)
		return 0
	}

	cmdName := args[0]
	switch cmdName {
	case "get":
		return runGet(args[1:])
	case "version":
		fmt.Fprintln(termio.Stdout(), version)
		return 0
	default:
		if hasHelpFlag(args) {
			printUsage()
			return 0
		}
		fmt.Fprintf(termio.Stderr(), "unknown command: %s\n", cmdName)
		printUsage()
		return 2
	}
}

func printUsage() {
	fmt.Fprintln(termio.Stderr(), "usage: fetchmux <command> [args]")
	fmt.Fprintln(termio.Stderr(), "commands:")
	fmt.Fprintln(termio.Stderr(), "  get      download URLs concurrently over one multiplexer")
	fmt.Fprintln(termio.Stderr(), "  version  print the version")
	fmt.Fprintln(termio.Stderr(), "quick examples:")
	fmt.Fprintln(termio.Stderr(), "  fetchmux get https://example.com/a https://example.com/b")
	fmt.Fprintln(termio.Stderr(), "  fetchmux get -out ./downloads -parallel 4 <url>...")
	fmt.Fprintln(termio.Stderr(), "  fetchmux get -metrics-addr :9090 wss://example.com/feed")
	fmt.Fprintln(termio.Stderr(), "to learn detailed usage:")
	fmt.Fprintln(termio.Stderr(), "  fetchmux get --help")
}

func hasHelpFlag(args []string) bool {
	for _, arg := range args {
		if arg == "--help" || arg == "-h" {
			return true
		}
	}
	return false
}

func hasVersionFlag(args []string) bool {
	for _, arg := range args {
		if arg == "--version" || arg == "-v" {
			return true
		}
	}
	return false
}
