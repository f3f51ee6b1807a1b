package review

import (
	"testing"

	"storymill/internal/types"
)

func poolThemes(ids ...string) []*types.RawTheme {
	themes := make([]*types.RawTheme, len(ids))
	for i, id := range ids {
		themes[i] = &types.RawTheme{ConversationID: id, IssueSignature: "sig"}
	}
	return themes
}

func TestPoolTakeIsExactlyOnce(t *testing.T) {
	pool := NewConversationPool(poolThemes("c1", "c2", "c3"))

	conv, ok := pool.Take("c2")
	if !ok {
		t.Fatal("first Take(c2) should succeed")
	}
	if conv.ConversationID != "c2" {
		t.Errorf("got %s, want c2", conv.ConversationID)
	}

	// Second claim for the same ID gets nothing.
	if _, ok := pool.Take("c2"); ok {
		t.Error("second Take(c2) should fail")
	}
	if pool.Len() != 2 {
		t.Errorf("Len() = %d, want 2", pool.Len())
	}
}

func TestPoolTakeUnknownID(t *testing.T) {
	pool := NewConversationPool(poolThemes("c1"))
	if _, ok := pool.Take("invented"); ok {
		t.Error("Take of an unknown ID should fail")
	}
	if pool.Len() != 1 {
		t.Errorf("Len() = %d, want 1", pool.Len())
	}
}

func TestPoolDrainRemainingSorted(t *testing.T) {
	pool := NewConversationPool(poolThemes("c3", "c1", "c2", "c4"))
	pool.Take("c2")

	remaining := pool.DrainRemaining()
	want := []string{"c1", "c3", "c4"}
	if len(remaining) != len(want) {
		t.Fatalf("drained %d, want %d", len(remaining), len(want))
	}
	for i, conv := range remaining {
		if conv.ConversationID != want[i] {
			t.Errorf("remaining[%d] = %s, want %s", i, conv.ConversationID, want[i])
		}
	}
	if pool.Len() != 0 {
		t.Errorf("Len() after drain = %d, want 0", pool.Len())
	}
}
