package gates

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"storymill/internal/types"
)

func TestExcerptValidatorCountsProblems(t *testing.T) {
	v := NewExcerptValidator()

	group := makeGroup("sig",
		makeTheme("c1", "sig", "the scheduled pin failed with a timeout in the publish worker", ""),
		makeTheme("c2", "sig", "Thanks!", "publish queue shows the pin stuck in pending state"),
		makeTheme("c3", "sig", "+1"),
	)

	quality := v.Validate(group)
	assert.Equal(t, 5, quality.TotalExcerpts)
	assert.Equal(t, 1, quality.EmptyExcerpts)
	assert.Equal(t, 2, quality.BoilerplateCount)
	assert.Equal(t, 1, quality.ConversationsBare, "c3 has no usable excerpt")
	assert.InDelta(t, 0.4, quality.UsableRatio, 1e-9)
	assert.False(t, quality.Passed, "usable ratio below the minimum")
}

func TestExcerptValidatorPasses(t *testing.T) {
	v := NewExcerptValidator()

	group := makeGroup("sig",
		makeTheme("c1", "sig", "scheduled pin stuck in pending, no error shown"),
		makeTheme("c2", "sig", "pin queued for 9am never published to the board"),
		makeTheme("c3", "sig", "thanks", "publish worker logs show a timeout for my pin"),
	)

	quality := v.Validate(group)
	assert.True(t, quality.Passed)
	assert.InDelta(t, 0.75, quality.UsableRatio, 1e-9)
}

func TestExcerptValidatorNoExcerptsFails(t *testing.T) {
	v := NewExcerptValidator()
	group := makeGroup("sig", &types.RawTheme{ConversationID: "c1", IssueSignature: "sig"})
	quality := v.Validate(group)
	assert.False(t, quality.Passed)
	assert.Equal(t, 0, quality.TotalExcerpts)
}

func TestIsBoilerplate(t *testing.T) {
	testCases := []struct {
		excerpt string
		want    bool
	}{
		{"thanks", true},
		{"Thanks!", true},
		{"it doesn't work", true},
		{"+1", true},
		{"any update?", true},
		{"it doesn't work when I schedule a pin for 9am", false},
		{"thanks for checking, the pin still fails on retry", false},
	}
	for _, tc := range testCases {
		assert.Equal(t, tc.want, isBoilerplate(tc.excerpt), "excerpt: %q", tc.excerpt)
	}
}
