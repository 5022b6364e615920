package ui

import "github.com/nao1215/onionfetch/internal/model"

// State is everything the view shows about a run.
type State struct {
	// StatusCode is the HTTP status, zero until headers arrive.
	StatusCode int

	// Body is the received body. It grows frame by frame while the fetch
	// runs and is replaced by the final snapshot when it completes.
	Body []byte

	// Truncated is true when the body deadline cut the read short.
	Truncated bool

	// HopRecords is the ordered circuit enrichment list.
	HopRecords []model.RelayGeoRecord

	// Stage is the last stage the pipeline reported.
	Stage string

	// Failure is the fatal error of the run, if any.
	Failure *model.Failure

	// Done is true once the run finished, successfully or not.
	Done bool
}

// Apply folds ev into the state.
func (s *State) Apply(ev model.Event) {
	switch e := ev.(type) {
	case model.CircuitInformation:
		s.HopRecords = e.Records
	case model.StatusReceived:
		s.StatusCode = e.StatusCode
	case model.BodyReceived:
		s.Body = append(s.Body, e.Frame...)
	case model.FetchCompleted:
		s.StatusCode = e.Snapshot.StatusCode
		s.Body = e.Snapshot.Body
		s.Truncated = e.Snapshot.Truncated
	case model.Progress:
		s.Stage = e.Stage
		if e.Stage == model.StageDone {
			s.Done = true
		}
	case model.Failure:
		f := e
		s.Failure = &f
		s.Done = true
	}
}

// LocatedHops returns the number of hop records with a known location.
func (s *State) LocatedHops() int {
	n := 0
	for _, r := range s.HopRecords {
		if !r.IsSentinel() {
			n++
		}
	}
	return n
}
