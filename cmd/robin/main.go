package main

import (
	"fmt"
	"os"

	"github.com/sheerbytes/robin/internal/cli/probe"
	"github.com/sheerbytes/robin/internal/cli/receiver"
	"github.com/sheerbytes/robin/internal/cli/sender"
	"github.com/sheerbytes/robin/internal/termio"
)

const version = "v0.1.0"

const banner = `robin ` + version + `
fountain-coded file delivery over datagrams
`

func main() {
	termio.Init()
	args := os.Args[1:]
	if len(args) == 0 {
		printBanner()
		printUsage()
		return
	}

	cmdName := args[0]
	switch cmdName {
	case "send":
		sender.Run(args[1:])
	case "recv":
		receiver.Run(args[1:])
	case "probe":
		probe.Run(args[1:])
	case "help", "--help", "-h":
		printUsage()
	case "version", "--version", "-v":
		printBanner()
	default:
		fmt.Fprintf(termio.Stderr(), "unknown command: %s\n", cmdName)
		printUsage()
		termio.Flush()
		os.Exit(2)
	}
	termio.Flush()
}

func printUsage() {
	fmt.Fprintln(termio.Stderr(), "usage: robin <command> [args]")
	fmt.Fprintln(termio.Stderr(), "commands:")
	fmt.Fprintln(termio.Stderr(), "  send    stream a file to receivers until interrupted")
	fmt.Fprintln(termio.Stderr(), "  recv    receive files and write them to a directory")
	fmt.Fprintln(termio.Stderr(), "  probe   print this host's public UDP address via STUN")
	fmt.Fprintln(termio.Stderr(), "  version print the version")
	fmt.Fprintln(termio.Stderr(), "quick examples:")
	fmt.Fprintln(termio.Stderr(), "  robin recv 12233 --out ./downloads")
	fmt.Fprintln(termio.Stderr(), "  robin send 192.168.1.255:12233 report.pdf --broadcast")
	fmt.Fprintln(termio.Stderr(), "  robin send 239.1.2.3:12233 image.iso -e zstd --rate 20000")
	fmt.Fprintln(termio.Stderr(), "  robin recv -g 239.1.2.3 --exit-after 1")
	fmt.Fprintln(termio.Stderr(), "  robin send -t relay --relay https://relay.example --channel team notes.txt")
	fmt.Fprintln(termio.Stderr(), "to learn detailed usage:")
	fmt.Fprintln(termio.Stderr(), "  robin send --help")
	fmt.Fprintln(termio.Stderr(), "  robin recv --help")
}

func printBanner() {
	fmt.Fprint(termio.Stdout(), banner)
}
