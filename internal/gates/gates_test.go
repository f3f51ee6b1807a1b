package gates

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"storymill/internal/types"
)

func makeGroup(name string, themes ...*types.RawTheme) *types.CandidateGroup {
	return &types.CandidateGroup{
		Signature:     &types.CanonicalSignature{Name: name},
		Conversations: themes,
	}
}

func makeTheme(id, signature string, excerpts ...string) *types.RawTheme {
	return &types.RawTheme{
		ConversationID: id,
		IssueSignature: signature,
		KeyExcerpts:    excerpts,
	}
}

func TestEvaluateInsufficientVolume(t *testing.T) {
	eval, err := NewEvaluator(DefaultConfig(), nil)
	require.NoError(t, err)

	group := makeGroup("pin_failure",
		makeTheme("c1", "pin_failure", "my scheduled pin silently failed to publish this morning"),
		makeTheme("c2", "pin_failure", "scheduled pin never went live even though it shows as queued"),
	)

	result, err := eval.Evaluate(group)
	require.NoError(t, err)
	assert.False(t, result.Passed)
	assert.Equal(t, ReasonInsufficientVolume, result.FailureReason)
	assert.False(t, result.ValidationPassed, "size check fails before evidence validation runs")
}

func TestEvaluateWeakEvidence(t *testing.T) {
	eval, err := NewEvaluator(DefaultConfig(), NewExcerptValidator())
	require.NoError(t, err)

	group := makeGroup("pin_failure",
		makeTheme("c1", "pin_failure", "thanks"),
		makeTheme("c2", "pin_failure", "+1"),
		makeTheme("c3", "pin_failure", "me too"),
	)

	result, err := eval.Evaluate(group)
	require.NoError(t, err)
	assert.False(t, result.Passed)
	assert.Equal(t, ReasonWeakEvidence, result.FailureReason)
	require.NotNil(t, result.Evidence)
	assert.Equal(t, 3, result.Evidence.BoilerplateCount)
}

func TestEvaluatePassing(t *testing.T) {
	eval, err := NewEvaluator(DefaultConfig(), NewExcerptValidator())
	require.NoError(t, err)

	var themes []*types.RawTheme
	for i := 0; i < 8; i++ {
		themes = append(themes, makeTheme(
			fmt.Sprintf("c%d", i),
			"scheduled_pin_failure",
			"my scheduled pin was queued for nine am but never published and the dashboard still shows it as pending with no error message anywhere",
		))
	}

	result, err := eval.Evaluate(makeGroup("scheduled_pin_failure", themes...))
	require.NoError(t, err)
	assert.True(t, result.Passed, "reason: %s, score: %.1f", result.FailureReason, result.ConfidenceScore)
	assert.True(t, result.ValidationPassed)
	assert.True(t, result.ScoringPassed)
	assert.Greater(t, result.ConfidenceScore, 50.0)
}

// TestConfidenceBoundary pins the boundary semantics: a score exactly at the
// threshold passes; only a score strictly below fails. Stability-only weights
// make the score exactly the dominant raw-signature percentage, so a 2-of-4
// dominant group scores exactly 50.0.
func TestConfidenceBoundary(t *testing.T) {
	group := makeGroup("mixed_group",
		makeTheme("c1", "sig_a", "detailed excerpt describing the scheduled publishing failure in depth"),
		makeTheme("c2", "sig_a", "detailed excerpt describing the scheduled publishing failure in depth"),
		makeTheme("c3", "sig_b", "detailed excerpt describing the scheduled publishing failure in depth"),
		makeTheme("c4", "sig_c", "detailed excerpt describing the scheduled publishing failure in depth"),
	)

	testCases := []struct {
		threshold  float64
		wantPassed bool
	}{
		{49.9, true},
		{50.0, true}, // boundary inclusive
		{50.1, false},
	}

	for _, tc := range testCases {
		t.Run(fmt.Sprintf("threshold_%.1f", tc.threshold), func(t *testing.T) {
			eval, err := NewEvaluator(Config{
				MinGroupSize:        3,
				ConfidenceThreshold: tc.threshold,
				StabilityWeight:     1.0,
			}, nil)
			require.NoError(t, err)

			result, err := eval.Evaluate(group)
			require.NoError(t, err)
			assert.InDelta(t, 50.0, result.ConfidenceScore, 1e-9)
			assert.Equal(t, tc.wantPassed, result.Passed)
			if !tc.wantPassed {
				assert.Equal(t, ReasonLowConfidence, result.FailureReason)
			}
		})
	}
}

func TestEvaluateRejectsMalformedGroup(t *testing.T) {
	eval, err := NewEvaluator(DefaultConfig(), nil)
	require.NoError(t, err)

	_, err = eval.Evaluate(&types.CandidateGroup{
		Signature: &types.CanonicalSignature{Name: "sig"},
	})
	assert.True(t, types.IsValidation(err))
}

func TestConfigValidate(t *testing.T) {
	testCases := []struct {
		name string
		cfg  Config
		ok   bool
	}{
		{"default", DefaultConfig(), true},
		{"zero group size", Config{MinGroupSize: 0, ConfidenceThreshold: 50, VolumeWeight: 1}, false},
		{"threshold above 100", Config{MinGroupSize: 3, ConfidenceThreshold: 101, VolumeWeight: 1}, false},
		{"negative threshold", Config{MinGroupSize: 3, ConfidenceThreshold: -1, VolumeWeight: 1}, false},
		{"zero weights", Config{MinGroupSize: 3, ConfidenceThreshold: 50}, false},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.cfg.Validate()
			if tc.ok {
				assert.NoError(t, err)
			} else {
				assert.True(t, types.IsConfiguration(err))
			}
		})
	}
}

func TestVolumeScoreSaturates(t *testing.T) {
	assert.Equal(t, 0.0, volumeScore(0))
	assert.Less(t, volumeScore(3), volumeScore(10))
	assert.InDelta(t, 100.0, volumeScore(50), 1e-9)
	assert.Equal(t, 100.0, volumeScore(500), "score caps at 100 past saturation")
}

func TestStabilityScore(t *testing.T) {
	uniform := makeGroup("sig",
		makeTheme("c1", "same_sig"),
		makeTheme("c2", "same_sig"),
		makeTheme("c3", "Same_Sig "), // normalization folds case and whitespace
	)
	assert.InDelta(t, 100.0, stabilityScore(uniform), 1e-9)

	fragmented := makeGroup("sig",
		makeTheme("c1", "sig_a"),
		makeTheme("c2", "sig_b"),
		makeTheme("c3", "sig_c"),
		makeTheme("c4", "sig_d"),
	)
	assert.InDelta(t, 25.0, stabilityScore(fragmented), 1e-9)
}
