package util

import "testing"

func TestNewIDIsValid(t *testing.T) {
	id := NewID()
	if !IsID(id) {
		t.Fatalf("IsID(%q) = false, want true", id)
	}
	if other := NewID(); other == id {
		t.Fatalf("NewID() returned duplicate %q", id)
	}
}

func TestIsID(t *testing.T) {
	cases := []struct {
		value string
		want  bool
	}{
		{value: "3f1c2a34-9b7e-4d0f-8c1a-2b3c4d5e6f70", want: true},
		{value: "3F1C2A34-9B7E-4D0F-8C1A-2B3C4D5E6F70", want: true},
		{value: "", want: false},
		{value: "not-a-uuid", want: false},
		{value: "urn:uuid:3f1c2a34-9b7e-4d0f-8c1a-2b3c4d5e6f70", want: false},
		{value: "{3f1c2a34-9b7e-4d0f-8c1a-2b3c4d5e6f70}", want: false},
	}
	for _, tc := range cases {
		if got := IsID(tc.value); got != tc.want {
			t.Errorf("IsID(%q) = %v, want %v", tc.value, got, tc.want)
		}
	}
}
