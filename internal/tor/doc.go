// Package tor builds the circuit client used for a single onionfetch run.
//
// A Factory bootstraps Tor either by starting an embedded daemon through
// tornago or by probing an already running SOCKS5 proxy. The resulting
// CircuitClient opens exactly one isolated tunnel per Connect call and asks
// the Tor control port which relays carry it, so the hop path can be shown
// next to the fetched response.
//
// Onion addresses are checked against an AddressPolicy before any traffic
// leaves the process.
package tor
