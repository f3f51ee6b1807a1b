package types

import (
	"errors"
	"testing"
)

func TestRawThemeValidate(t *testing.T) {
	theme := &RawTheme{ConversationID: "c1", IssueSignature: "pin_failure"}
	if err := theme.Validate(); err != nil {
		t.Fatalf("Validate() = %v, want nil", err)
	}

	missing := []*RawTheme{
		{IssueSignature: "pin_failure"},
		{ConversationID: "c1"},
		{ConversationID: "  ", IssueSignature: "pin_failure"},
	}
	for _, m := range missing {
		if err := m.Validate(); !IsValidation(err) {
			t.Errorf("Validate(%+v) = %v, want ValidationError", m, err)
		}
	}
}

func TestParseRelationshipCategory(t *testing.T) {
	for _, input := range []string{"SIMILAR_UX", "similar_ux", " Different_Model "} {
		if _, err := ParseRelationshipCategory(input); err != nil {
			t.Errorf("ParseRelationshipCategory(%q) = %v, want nil", input, err)
		}
	}

	_, err := ParseRelationshipCategory("KIND_OF_SIMILAR")
	var ce *ConfigurationError
	if !errors.As(err, &ce) {
		t.Fatalf("expected ConfigurationError, got %v", err)
	}
}

func TestCanonicalSignatureAliases(t *testing.T) {
	sig := &CanonicalSignature{Name: "scheduled_pin_failure"}

	if !sig.HasAlias("scheduled_pin_failure") {
		t.Error("canonical name should count as its own alias")
	}

	sig.AddAlias("pin_schedule_broken")
	sig.AddAlias("pin_schedule_broken") // duplicate
	sig.AddAlias("")                    // empty ignored

	if len(sig.Aliases) != 1 {
		t.Fatalf("aliases = %v, want exactly one", sig.Aliases)
	}
	if !sig.HasAlias("pin_schedule_broken") {
		t.Error("added alias not found")
	}
}

func TestCandidateGroupValidate(t *testing.T) {
	valid := &CandidateGroup{
		Signature: &CanonicalSignature{Name: "sig"},
		Conversations: []*RawTheme{
			{ConversationID: "c1", IssueSignature: "sig"},
			{ConversationID: "c2", IssueSignature: "sig"},
		},
	}
	if err := valid.Validate(); err != nil {
		t.Fatalf("Validate() = %v, want nil", err)
	}

	testCases := []struct {
		name  string
		group *CandidateGroup
	}{
		{
			name:  "nil signature",
			group: &CandidateGroup{Conversations: valid.Conversations},
		},
		{
			name:  "no conversations",
			group: &CandidateGroup{Signature: &CanonicalSignature{Name: "sig"}},
		},
		{
			name: "duplicate conversation",
			group: &CandidateGroup{
				Signature: &CanonicalSignature{Name: "sig"},
				Conversations: []*RawTheme{
					{ConversationID: "c1", IssueSignature: "sig"},
					{ConversationID: "c1", IssueSignature: "sig"},
				},
			},
		},
		{
			name: "nil conversation",
			group: &CandidateGroup{
				Signature:     &CanonicalSignature{Name: "sig"},
				Conversations: []*RawTheme{nil},
			},
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if err := tc.group.Validate(); !IsValidation(err) {
				t.Errorf("Validate() = %v, want ValidationError", err)
			}
		})
	}
}

func TestConversationIDsSorted(t *testing.T) {
	group := &CandidateGroup{
		Signature: &CanonicalSignature{Name: "sig"},
		Conversations: []*RawTheme{
			{ConversationID: "c3", IssueSignature: "sig"},
			{ConversationID: "c1", IssueSignature: "sig"},
			{ConversationID: "c2", IssueSignature: "sig"},
		},
	}
	ids := group.ConversationIDs()
	want := []string{"c1", "c2", "c3"}
	for i := range want {
		if ids[i] != want[i] {
			t.Fatalf("ids = %v, want %v", ids, want)
		}
	}
}

func TestErrorHelpers(t *testing.T) {
	wrapped := &ExternalServiceError{Service: "llm", Op: "review", Err: errors.New("boom")}
	if !IsExternal(wrapped) {
		t.Error("IsExternal should match ExternalServiceError")
	}
	if IsValidation(wrapped) || IsConfiguration(wrapped) {
		t.Error("helpers should not cross-match error kinds")
	}
	if !errors.Is(wrapped, wrapped.Err) {
		t.Error("ExternalServiceError should unwrap to its cause")
	}
}
