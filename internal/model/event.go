package model

// Event is a message carried on the notification channel from the
// background pipeline to the owner of the view state.
// The set of events is closed; each concrete type implements isEvent.
type Event interface {
	isEvent()
}

// Stage names reported through Progress events.
const (
	StageBootstrapping = "bootstrapping"
	StageConnecting    = "connecting"
	StageInspecting    = "inspecting"
	StageUpgrading     = "upgrading"
	StageFetching      = "fetching"
	StageDone          = "done"
)

// CircuitInformation carries the complete, ordered enrichment list for the
// circuit, one record per discovered relay address.
type CircuitInformation struct {
	Records []RelayGeoRecord
}

// StatusReceived is published as soon as response headers arrive.
type StatusReceived struct {
	StatusCode int
}

// BodyReceived carries one body frame as soon as it is read. Frames arrive
// in order; FetchCompleted still carries the whole body.
type BodyReceived struct {
	Frame []byte
}

// FetchCompleted carries the final snapshot of the fetch.
type FetchCompleted struct {
	Snapshot HTTPResponseSnapshot
}

// Progress reports that the pipeline entered a new stage.
type Progress struct {
	Stage string
}

// Failure reports a fatal error of the background unit.
type Failure struct {
	Kind ErrorKind
	Err  error
}

// Error returns the failure message, or an empty string when Err is nil.
func (f Failure) Error() string {
	if f.Err == nil {
		return ""
	}
	return f.Err.Error()
}

func (CircuitInformation) isEvent() {}
func (StatusReceived) isEvent()     {}
func (BodyReceived) isEvent()       {}
func (FetchCompleted) isEvent()     {}
func (Progress) isEvent()           {}
func (Failure) isEvent()            {}
