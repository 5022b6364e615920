// Package pipeline supervises one fetch run in the background.
//
// A run is a fixed sequence of steps sharing a Session: bootstrap a Tor
// circuit client, open the tunnel to the destination, then inspect the
// circuit and fetch over it concurrently. Every step reports its stage on the
// notification sink, and a fatal error ends the run with a Failure event.
// The Runner closes the sink when it returns, so the receiver sees the end of
// the event stream.
package pipeline
