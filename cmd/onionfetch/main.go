// Package main provides the entry point for the onionfetch CLI.
//
// onionfetch fetches one URL through the Tor network and shows, while the
// fetch runs, where the relays of the circuit are located.
//
// Usage:
//
//	onionfetch fetch <url>
//	onionfetch history
//
// See --help for all available options.
package main

func main() {
	Execute()
}
