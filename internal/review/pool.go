package review

import (
	"sort"

	"storymill/internal/types"
)

// ConversationPool enforces the exactly-once assignment invariant when a
// split verdict distributes conversations into sub-groups. Take is an
// ownership transfer: the first caller gets the conversation and removes it;
// later callers asking for the same ID get nothing. The uniqueness guarantee
// lives here, not in the LLM's compliance with its instructions.
type ConversationPool struct {
	conversations map[string]*types.RawTheme
}

// NewConversationPool builds a pool from a group's conversations.
func NewConversationPool(conversations []*types.RawTheme) *ConversationPool {
	pool := &ConversationPool{
		conversations: make(map[string]*types.RawTheme, len(conversations)),
	}
	for _, conv := range conversations {
		pool.conversations[conv.ConversationID] = conv
	}
	return pool
}

// Take removes and returns the conversation with the given ID. The second
// return is false if the ID was never in the pool or was already taken.
func (p *ConversationPool) Take(id string) (*types.RawTheme, bool) {
	conv, ok := p.conversations[id]
	if !ok {
		return nil, false
	}
	delete(p.conversations, id)
	return conv, true
}

// Len returns the number of conversations still unclaimed.
func (p *ConversationPool) Len() int {
	return len(p.conversations)
}

// DrainRemaining removes and returns all unclaimed conversations, ordered by
// conversation ID for determinism.
func (p *ConversationPool) DrainRemaining() []*types.RawTheme {
	remaining := make([]*types.RawTheme, 0, len(p.conversations))
	for _, conv := range p.conversations {
		remaining = append(remaining, conv)
	}
	p.conversations = make(map[string]*types.RawTheme)
	sort.Slice(remaining, func(i, j int) bool {
		return remaining[i].ConversationID < remaining[j].ConversationID
	})
	return remaining
}
