package mqtt

import "testing"

func TestTopicForFormat(t *testing.T) {
	got := topicFor("abc123")
	want := "dm/abc123"
	if got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}
}
