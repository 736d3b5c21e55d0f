package utils

import (
	"strings"
	"testing"
)

func TestNewTag(t *testing.T) {
	tag := NewTag("room-alice")
	if !strings.HasPrefix(tag, "room-alice-") {
		t.Fatalf("unexpected tag %q", tag)
	}
	if NewTag("room-alice") == tag {
		t.Fatalf("tags must be unique")
	}
	if NewTag("") == "" {
		t.Fatalf("empty prefix must still yield an id")
	}
}
