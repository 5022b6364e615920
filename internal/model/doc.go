// Package model defines the core data structures used throughout onionfetch.
//
// This package contains the following main types:
//   - Endpoint: The destination derived from the target URL
//   - HopDescriptor: The textual description of one relay hop
//   - RelayGeoRecord: Geolocation enrichment for one relay address
//   - HTTPResponseSnapshot: The incrementally built fetch result
//   - Event: Messages carried from the background pipeline to the view
//   - FetchReport: The summary of a complete run, used by reports and history
//
// Design decision: We separate models into their own package to avoid circular
// dependencies. The tor, inspect, fetch, pipeline and ui packages all exchange
// these types, so centralizing them prevents import cycles.
package model
