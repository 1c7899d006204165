package patch

import "testing"

func TestInspectHeaders(t *testing.T) {
	h := InspectHeaders([]byte("From: =?utf-8?q?Jos=C3=A9?= <jose@example.org>\r\nSubject: [PATCH]\r\n  wrapped subject\r\nMessage-Id: <x@y>\r\n\r\nno diff here\r\n"))

	if h.From != "José <jose@example.org>" {
		t.Errorf("From = %q", h.From)
	}
	if h.Subject != "[PATCH] wrapped subject" {
		t.Errorf("Subject = %q", h.Subject)
	}
	if h.MessageID != "x@y" {
		t.Errorf("MessageID = %q", h.MessageID)
	}

	if got := InspectHeaders([]byte("garbage")); got != (Headers{}) {
		t.Errorf("InspectHeaders(garbage) = %+v, want zero value", got)
	}
}

func TestRawFingerprint(t *testing.T) {
	a := RawFingerprint([]byte("From: a\nSubject: b\n\nbody\n"))
	b := RawFingerprint([]byte("From: a\r\nSubject: b\r\n\r\nbody\r\n"))
	if a != b {
		t.Error("line endings changed the raw fingerprint")
	}
	if a == RawFingerprint([]byte("From: a\nSubject: b\n\nother\n")) {
		t.Error("different bodies share a raw fingerprint")
	}
	if len(a) != 64 {
		t.Errorf("len = %d, want 64", len(a))
	}
}
