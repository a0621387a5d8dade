// Package query defines the transport-neutral request payloads of the
// create, learn and infer operations.
package query

import "errors"

// ErrEmptyQuery is returned when a query carries no image payload at index 0.
var ErrEmptyQuery = errors.New("query has no image payload")

// Input is one content item of a query.
type Input struct {
	Type string   `json:"type"`
	Data [][]byte `json:"data"`
	Tags []string `json:"tags,omitempty"`
}

// Spec is the payload of every operation.
type Spec struct {
	Name    string  `json:"name,omitempty"`
	Content []Input `json:"content"`
}

// FirstImage returns Content[0].Data[0]. Further items and payloads are not
// consulted: one request classifies exactly one image.
func (s *Spec) FirstImage() ([]byte, error) {
	if s == nil || len(s.Content) == 0 || len(s.Content[0].Data) == 0 || len(s.Content[0].Data[0]) == 0 {
		return nil, ErrEmptyQuery
	}
	return s.Content[0].Data[0], nil
}

// ImageSpec wraps raw image bytes into a single-item query.
func ImageSpec(image []byte) *Spec {
	return &Spec{Content: []Input{{Type: "image", Data: [][]byte{image}}}}
}
