package blobstore

import "testing"

func TestPublicURLFormat(t *testing.T) {
	s := &Store{bucket: "camera-captures"}
	got := s.PublicURL("captures/AABBCCDDEEFF/2026/07/31/image_17.jpg")
	want := "https://camera-captures.s3.amazonaws.com/captures/AABBCCDDEEFF/2026/07/31/image_17.jpg"
	if got != want {
		t.Errorf("PublicURL = %q, want %q", got, want)
	}
}
