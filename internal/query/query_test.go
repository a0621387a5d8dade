package query

import (
	"errors"
	"testing"
)

func TestFirstImageUsesOnlyIndexZero(t *testing.T) {
	spec := &Spec{Content: []Input{
		{Type: "image", Data: [][]byte{[]byte("first"), []byte("second")}},
		{Type: "image", Data: [][]byte{[]byte("other")}},
	}}

	got, err := spec.FirstImage()
	if err != nil {
		t.Fatalf("expected payload, got error: %v", err)
	}
	if string(got) != "first" {
		t.Fatalf("expected first payload, got %q", got)
	}
}

func TestFirstImageRejectsEmptyQueries(t *testing.T) {
	cases := map[string]*Spec{
		"nil":           nil,
		"no content":    {},
		"no data":       {Content: []Input{{Type: "image"}}},
		"empty payload": {Content: []Input{{Type: "image", Data: [][]byte{{}}}}},
	}
	for name, spec := range cases {
		if _, err := spec.FirstImage(); !errors.Is(err, ErrEmptyQuery) {
			t.Fatalf("%s: expected ErrEmptyQuery, got %v", name, err)
		}
	}
}

func TestImageSpecRoundTrip(t *testing.T) {
	got, err := ImageSpec([]byte("jpeg")).FirstImage()
	if err != nil || string(got) != "jpeg" {
		t.Fatalf("expected wrapped payload, got %q (%v)", got, err)
	}
}
