package model

// HopDescriptor is the opaque textual description of one negotiated relay hop.
// A circuit path is a slice of descriptors in traversal order, with the hop
// nearest the client first.
type HopDescriptor string

// String implements fmt.Stringer.
func (h HopDescriptor) String() string {
	return string(h)
}

// Sentinel values used when enrichment of a relay cannot complete.
const (
	// UnknownIPAddress is the placeholder address of a sentinel record.
	UnknownIPAddress = "x.x.x.x"

	// UnknownLocation is the placeholder city and country of a sentinel record.
	UnknownLocation = "UNKNOWN"
)

// RelayGeoRecord is the geolocation of one relay address on the circuit.
type RelayGeoRecord struct {
	IPAddress string `json:"ip_address"`
	City      string `json:"city"`
	Country   string `json:"country"`
}

// SentinelRecord is substituted whenever a lookup cannot complete, so that the
// record list keeps one entry per discovered candidate.
var SentinelRecord = RelayGeoRecord{
	IPAddress: UnknownIPAddress,
	City:      UnknownLocation,
	Country:   UnknownLocation,
}

// IsSentinel reports whether the record is the unknown placeholder.
func (r RelayGeoRecord) IsSentinel() bool {
	return r == SentinelRecord
}
