package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"storymill/internal/ai"
	"storymill/internal/canonical"
	"storymill/internal/config"
	"storymill/internal/embedding"
	"storymill/internal/gates"
	"storymill/internal/orphan"
	"storymill/internal/pipeline"
	"storymill/internal/review"
	"storymill/internal/story"
	"storymill/internal/types"
	"storymill/internal/vocabulary"
)

var runCmd = &cobra.Command{
	Use:   "run <themes.json>",
	Short: "Run one consolidation pass over extracted themes",
	Long: `Read a JSON array of extracted themes (one per conversation) and run the
full consolidation pipeline: canonicalization, grouping, quality gate,
coherence review, and story/orphan routing.

Runs degrade gracefully without credentials: no ANTHROPIC_API_KEY skips the
coherence review (groups are kept together), and no OPENAI_API_KEY skips
embedding clustering (unrecognized signatures stay distinct).`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		themes, err := loadThemes(args[0])
		if err != nil {
			return err
		}

		p, err := buildPipeline(cfg)
		if err != nil {
			return err
		}

		result, err := p.Run(cmd.Context(), themes)
		if err != nil {
			return err
		}
		printRunSummary(result)
		return nil
	},
}

func loadThemes(path string) ([]*types.RawTheme, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read themes: %w", err)
	}
	var themes []*types.RawTheme
	if err := json.Unmarshal(data, &themes); err != nil {
		return nil, fmt.Errorf("parse themes: %w", err)
	}
	if len(themes) == 0 {
		return nil, &types.ValidationError{Reason: fmt.Sprintf("%s contains no themes", path)}
	}
	return themes, nil
}

func buildPipeline(cfg *config.Config) (*pipeline.Pipeline, error) {
	vocab := vocabulary.Empty()
	if cfg.VocabularyPath != "" {
		var err error
		vocab, err = vocabulary.Load(cfg.VocabularyPath)
		if err != nil {
			return nil, err
		}
	}

	var supervisor *ai.Supervisor
	if cfg.AnthropicAPIKey != "" || os.Getenv("ANTHROPIC_API_KEY") != "" {
		var err error
		supervisor, err = ai.NewSupervisor(&ai.Config{
			APIKey:      cfg.AnthropicAPIKey,
			Model:       cfg.Model,
			SimpleModel: cfg.SimpleModel,
		})
		if err != nil {
			return nil, err
		}
	}

	// Nil interface values must stay nil: a typed nil *ai.Supervisor would
	// defeat the collaborators' nil checks.
	var judge canonical.AliasJudge
	var reviewer review.CoherenceReviewer
	if supervisor != nil {
		judge = supervisor
		if !cfg.ReviewDisabled {
			reviewer = supervisor
		}
	}

	var embedder embedding.Embedder
	if !cfg.EmbedDisabled {
		apiKey := cfg.OpenAIAPIKey
		if apiKey == "" {
			apiKey = os.Getenv("OPENAI_API_KEY")
		}
		if apiKey != "" {
			client, err := embedding.NewClient(apiKey, cfg.EmbedBaseURL, cfg.EmbedModel)
			if err != nil {
				return nil, err
			}
			embedder = client
		}
	}

	canonicalizer, err := canonical.New(vocab, embedder, judge, canonical.Config{
		SimilarityThreshold: cfg.SimilarityThreshold,
		AmbiguityBand:       cfg.AmbiguityBand,
		AliasConfidence:     cfg.AliasConfidence,
	})
	if err != nil {
		return nil, err
	}

	gate, err := gates.NewEvaluator(gates.Config{
		MinGroupSize:        cfg.MinGroupSize,
		ConfidenceThreshold: cfg.ConfidenceThreshold,
		VolumeWeight:        cfg.VolumeWeight,
		SpecificityWeight:   cfg.SpecificityWeight,
		StabilityWeight:     cfg.StabilityWeight,
	}, &gates.ExcerptValidator{
		MinUsableRatio:       cfg.MinUsableExcerptRatio,
		MaxBareConversations: cfg.MaxBareConversations,
	})
	if err != nil {
		return nil, err
	}

	router, err := orphan.NewRouter(store, nil)
	if err != nil {
		return nil, err
	}
	writer, err := story.NewWriter(store)
	if err != nil {
		return nil, err
	}

	return pipeline.New(store, canonicalizer, gate, review.NewCoordinator(reviewer), router, writer)
}

func printRunSummary(result *types.ProcessingResult) {
	cyan := color.New(color.FgCyan, color.Bold).SprintFunc()
	green := color.New(color.FgGreen).SprintFunc()
	yellow := color.New(color.FgYellow).SprintFunc()
	red := color.New(color.FgRed).SprintFunc()

	fmt.Printf("\n%s\n\n", cyan("=== Consolidation Run ==="))
	fmt.Printf("  Run ID:          %s\n", result.RunID)
	fmt.Printf("  Duration:        %s\n", result.FinishedAt.Sub(result.StartedAt).Round(1e6))
	fmt.Printf("  Conversations:   %d\n", result.ConversationsProcessed)
	fmt.Printf("  Groups formed:   %d (reviewed %d, split %d)\n",
		result.GroupsFormed, result.GroupsReviewed, result.GroupsSplit)
	fmt.Printf("  Stories:         %s created, %s updated\n",
		green(fmt.Sprintf("%d", result.StoriesCreated)),
		green(fmt.Sprintf("%d", result.StoriesUpdated)))
	fmt.Printf("  Orphans updated: %s\n", yellow(fmt.Sprintf("%d", result.OrphansUpdated)))

	if result.OrphanFallbacks > 0 {
		fmt.Printf("  Orphan fallbacks: %s\n", red(fmt.Sprintf("%d", result.OrphanFallbacks)))
	}
	if result.ReviewErrors > 0 {
		fmt.Printf("  Review errors:    %s\n", red(fmt.Sprintf("%d", result.ReviewErrors)))
	}
	if result.InvariantViolations > 0 {
		fmt.Printf("  Invariant violations: %s\n", red(fmt.Sprintf("%d", result.InvariantViolations)))
	}
	fmt.Println()
}
