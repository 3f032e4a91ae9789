package trigger

import (
	"fmt"
	"testing"
)

func TestDedupSeen(t *testing.T) {
	d := newDedupCache(8)

	if d.Seen("a") {
		t.Error("first sighting of a reported as seen")
	}
	if !d.Seen("a") {
		t.Error("second sighting of a not reported as seen")
	}
	if d.Seen("b") {
		t.Error("first sighting of b reported as seen")
	}
}

func TestDedupEviction(t *testing.T) {
	d := newDedupCache(3)

	for i := 0; i < 3; i++ {
		d.Seen(fmt.Sprintf("id-%d", i))
	}
	// id-3 evicts id-0, the oldest.
	d.Seen("id-3")

	if d.Len() != 3 {
		t.Errorf("Len = %d, want 3", d.Len())
	}
	if d.Seen("id-0") {
		t.Error("evicted id-0 still reported as seen")
	}
	if !d.Seen("id-3") {
		t.Error("id-3 not reported as seen")
	}
}
