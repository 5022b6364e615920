// Package geo resolves the geographic location of relay IP addresses.
//
// The Locator interface is the only thing the circuit inspector depends on.
// IPAPI implements it against the ip-api.com JSON endpoint, which needs no
// API key and answers with the queried address, city and country.
//
// Lookups are best-effort: callers are expected to substitute a placeholder
// on any error rather than propagate it.
package geo
