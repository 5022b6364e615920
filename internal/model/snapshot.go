package model

// HTTPResponseSnapshot is the result of the single fetch.
// It is filled incrementally: StatusCode as soon as headers arrive, Body as
// frames arrive, and Truncated when the body deadline fires before the end
// of the stream.
type HTTPResponseSnapshot struct {
	StatusCode int    `json:"status_code"`
	Body       []byte `json:"-"`
	Truncated  bool   `json:"truncated"`
}

// BodySize returns the number of body bytes accumulated so far.
func (s *HTTPResponseSnapshot) BodySize() int {
	if s == nil {
		return 0
	}
	return len(s.Body)
}
