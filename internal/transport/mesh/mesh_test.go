package mesh

import "testing"

func TestContentTopicFormat(t *testing.T) {
	got := contentTopic("abc123")
	want := "/broadcast/1/dm-abc123/proto"
	if got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}
}
