package main

import (
	"fmt"
	"os"
	"sort"

	"github.com/fatih/color"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"storymill/internal/types"
	"storymill/internal/vocabulary"
)

var vocabWrite bool

var vocabCmd = &cobra.Command{
	Use:   "vocab",
	Short: "Manage the term-distinction vocabulary",
}

var vocabClassifyCmd = &cobra.Command{
	Use:   "classify <themes.json>",
	Short: "Suggest term distinctions from a theme corpus",
	Long: `Analyze signature co-occurrence across a theme corpus and suggest
relationship categories (SIMILAR_UX, DIFFERENT_MODEL, NAME_CONFUSION) for
term pairs. Suggestions are starting points for human curation, not verdicts.

With --write, non-DISTINCT suggestions are appended to the configured
vocabulary file, skipping pairs already curated.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		themes, err := loadThemes(args[0])
		if err != nil {
			return err
		}

		pairs := signaturePairs(themes)
		if len(pairs) == 0 {
			fmt.Println("Fewer than two distinct signatures in corpus, nothing to classify")
			return nil
		}

		stats := vocabulary.BuildPairStats(themes, pairs)
		suggestions := vocabulary.Classify(stats)

		yellow := color.New(color.FgYellow).SprintFunc()
		fmt.Printf("\n%s\n", yellow(fmt.Sprintf("Suggestions over %d pairs:", len(suggestions))))
		t := table.NewWriter()
		t.SetOutputMirror(os.Stdout)
		t.AppendHeader(table.Row{"Term A", "Term B", "Category", "Jaccard", "Exclusivity"})
		for _, s := range suggestions {
			t.AppendRow(table.Row{
				s.Stats.TermA, s.Stats.TermB, string(s.Category),
				fmt.Sprintf("%.2f", s.Stats.Jaccard()),
				fmt.Sprintf("%.2f", s.Stats.Exclusivity()),
			})
		}
		t.SetStyle(table.StyleLight)
		t.Render()
		fmt.Println()

		if !vocabWrite {
			return nil
		}
		if cfg.VocabularyPath == "" {
			return &types.ConfigurationError{Reason: "vocabulary_path must be set to use --write"}
		}
		written := 0
		for _, s := range suggestions {
			if s.Category == types.RelDistinct {
				continue
			}
			err := vocabulary.Append(cfg.VocabularyPath, vocabulary.Entry{
				TermA:    s.Stats.TermA,
				TermB:    s.Stats.TermB,
				Category: string(s.Category),
				Guidance: s.Guidance,
			})
			if err != nil {
				return err
			}
			written++
		}
		fmt.Printf("Appended %d suggestions to %s\n", written, cfg.VocabularyPath)
		return nil
	},
}

func init() {
	vocabClassifyCmd.Flags().BoolVar(&vocabWrite, "write", false, "append non-DISTINCT suggestions to the vocabulary file")
	vocabCmd.AddCommand(vocabClassifyCmd)
}

// signaturePairs lists all unordered pairs of distinct raw signatures in the
// corpus, capped to keep the pass tractable on large corpora.
func signaturePairs(themes []*types.RawTheme) [][2]string {
	const maxTerms = 60

	seen := make(map[string]bool)
	var terms []string
	for _, theme := range themes {
		if !seen[theme.IssueSignature] {
			seen[theme.IssueSignature] = true
			terms = append(terms, theme.IssueSignature)
		}
	}
	sort.Strings(terms)
	if len(terms) > maxTerms {
		terms = terms[:maxTerms]
	}

	var pairs [][2]string
	for i := 0; i < len(terms); i++ {
		for j := i + 1; j < len(terms); j++ {
			pairs = append(pairs, [2]string{terms[i], terms[j]})
		}
	}
	return pairs
}
