package pipeline

import (
	"fmt"
	"strings"

	"github.com/trialdex/extract-cli/internal/model"
	"github.com/trialdex/extract-cli/pkg/anthropic"
)

const extractionSystemPrompt = `You are a clinical trial data extraction specialist. You read published
trial reports and transcribe reported values exactly as printed. You never
estimate, never extrapolate, and never fill a gap with a typical value; a
value the paper does not report for the requested arm is omitted. You answer
with JSON only, no commentary before or after it.`

// paperContext renders the paper's metadata and full text into the static
// system block every stage shares. The text never changes during a run, so
// the rendered block is byte-stable and the cache hint pays off across
// stages and arms. Tables are delivered per stage instead, because the
// table list narrows after the filtering phase.
func paperContext(p *model.Paper) string {
	var b strings.Builder

	b.WriteString("PAPER\n")
	if p.Meta.Title != "" {
		fmt.Fprintf(&b, "Title: %s\n", p.Meta.Title)
	}
	if p.Meta.Journal != "" {
		fmt.Fprintf(&b, "Journal: %s", p.Meta.Journal)
		if p.Meta.Year > 0 {
			fmt.Fprintf(&b, " (%d)", p.Meta.Year)
		}
		b.WriteString("\n")
	}
	if p.Meta.PMCID != "" {
		fmt.Fprintf(&b, "PMCID: %s\n", p.Meta.PMCID)
	}
	if len(p.Meta.MeshTerms) > 0 {
		fmt.Fprintf(&b, "MeSH terms: %s\n", strings.Join(p.Meta.MeshTerms, "; "))
	}

	b.WriteString("\nFULL TEXT\n")
	b.WriteString(p.Content)
	return b.String()
}

// buildSystemBlocks assembles the extraction persona plus the cached paper
// context block.
func buildSystemBlocks(p *model.Paper) []anthropic.SystemBlock {
	return anthropic.BuildCachedSystemBlocks(extractionSystemPrompt, paperContext(p))
}

// renderTables formats the named tables for inclusion in a stage prompt.
// Labels with no matching table are skipped. A byte cap keeps runaway
// tables from blowing out the prompt; zero means no cap.
func renderTables(p *model.Paper, labels []string, maxBytes int) string {
	var b strings.Builder
	for _, label := range labels {
		t, ok := p.TableByLabel(label)
		if !ok {
			continue
		}
		content := t.Content
		if maxBytes > 0 && len(content) > maxBytes {
			content = content[:maxBytes] + "\n[truncated]"
		}
		fmt.Fprintf(&b, "=== %s ===\n%s\n\n", t.Label, content)
	}
	return strings.TrimRight(b.String(), "\n")
}

// renderAllTables formats every table currently on the paper.
func renderAllTables(p *model.Paper, maxBytes int) string {
	return renderTables(p, p.TableLabels(), maxBytes)
}
