package model

import (
	"errors"
	"fmt"
)

// ErrorKind classifies failures of the background pipeline.
// The kind decides how a failure propagates: GeoLookupError is always
// recovered in place, every other kind ends the background unit and is
// published to the view as a Failure event.
type ErrorKind string

const (
	// KindUnknown is used for errors that carry no classification.
	KindUnknown ErrorKind = "UnknownError"

	// KindBootstrap means the Tor network could not be reached or the
	// consensus could not be obtained.
	KindBootstrap ErrorKind = "BootstrapError"

	// KindAddressRejected means the address policy refused the destination
	// or could not be constructed.
	KindAddressRejected ErrorKind = "AddressRejected"

	// KindTunnel means the circuit or stream to the destination failed.
	KindTunnel ErrorKind = "TunnelError"

	// KindGeoLookup means a relay geolocation lookup failed.
	KindGeoLookup ErrorKind = "GeoLookupError"

	// KindTLSHandshake means the TLS upgrade of the tunnel failed.
	KindTLSHandshake ErrorKind = "TlsHandshakeError"

	// KindFetch means the HTTP exchange failed before the body deadline.
	KindFetch ErrorKind = "FetchError"

	// KindChannelSend means an event could not be delivered to the view.
	KindChannelSend ErrorKind = "ChannelSendError"
)

// String implements fmt.Stringer.
func (k ErrorKind) String() string {
	return string(k)
}

// Recoverable reports whether errors of this kind are handled in place
// instead of ending the background unit.
func (k ErrorKind) Recoverable() bool {
	return k == KindGeoLookup
}

// KindError attaches an ErrorKind to an underlying error.
// It supports errors.Is and errors.As through Unwrap.
type KindError struct {
	Kind ErrorKind
	Err  error
}

// NewKindError wraps err with the given kind. A nil err yields nil.
func NewKindError(kind ErrorKind, err error) error {
	if err == nil {
		return nil
	}
	return &KindError{Kind: kind, Err: err}
}

// Error implements the error interface.
func (e *KindError) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

// Unwrap returns the underlying error.
func (e *KindError) Unwrap() error {
	return e.Err
}

// KindOf returns the kind of the outermost KindError in err's chain,
// or KindUnknown when there is none.
func KindOf(err error) ErrorKind {
	var ke *KindError
	if errors.As(err, &ke) {
		return ke.Kind
	}
	return KindUnknown
}
