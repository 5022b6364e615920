// Package inspect enriches a circuit path with relay geolocation.
//
// The Inspector walks hop descriptors in traversal order, extracts the
// address-shaped tokens of each hop, and resolves them with a geo.Locator.
// A failed lookup never escapes: it is replaced by model.SentinelRecord so
// that the record list keeps exactly one entry per candidate address.
// Hops that describe an aggregate or unresolvable entry (they contain the
// '>' marker) contribute exactly one sentinel and cause no lookup.
package inspect
