package model

import "time"

// FetchReport summarizes a single run: the destination, the fetch result and
// the circuit enrichment. It is the unit written by report writers and stored
// in the history database.
type FetchReport struct {
	// ID is the history database identifier. Zero when not persisted.
	ID int64 `json:"id,omitempty"`

	// URL is the canonical target URL.
	URL string `json:"url"`

	// FetchedAt is when the run started.
	FetchedAt time.Time `json:"fetched_at"`

	// StatusCode is the HTTP status, or zero if headers never arrived.
	StatusCode int `json:"status_code"`

	// BodySize is the number of body bytes received.
	BodySize int `json:"body_size"`

	// Truncated is true when the body deadline cut the read short.
	Truncated bool `json:"truncated"`

	// Title is the HTML <title> of the body, when there is one.
	Title string `json:"title,omitempty"`

	// Body is the received body. Not serialized; printed only on request.
	Body []byte `json:"-"`

	// Hops is the ordered relay enrichment list.
	Hops []RelayGeoRecord `json:"hops"`

	// ErrorKind and ErrorMessage describe the failure that ended the run, if any.
	ErrorKind    ErrorKind `json:"error_kind,omitempty"`
	ErrorMessage string    `json:"error,omitempty"`
}

// NewFetchReport creates an empty report for the given URL.
func NewFetchReport(url string) *FetchReport {
	return &FetchReport{
		URL:       url,
		FetchedAt: time.Now().UTC(),
		Hops:      make([]RelayGeoRecord, 0),
	}
}

// Failed reports whether the run ended with an error.
func (r *FetchReport) Failed() bool {
	return r.ErrorMessage != ""
}

// KnownHops returns the number of hop records that were resolved.
func (r *FetchReport) KnownHops() int {
	n := 0
	for _, h := range r.Hops {
		if !h.IsSentinel() {
			n++
		}
	}
	return n
}
