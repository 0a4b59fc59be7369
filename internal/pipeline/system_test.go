package pipeline

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trialdex/extract-cli/internal/model"
)

func TestPaperContextIsByteStable(t *testing.T) {
	paper := testPaper()
	first := paperContext(paper)
	for i := 0; i < 5; i++ {
		assert.Equal(t, first, paperContext(paper), "repeated renders must hit the same cache entry")
	}

	assert.Contains(t, first, "Title: Obinutuzumab for the treatment of active lupus nephritis")
	assert.Contains(t, first, "Journal: Ann Rheum Dis (2022)")
	assert.Contains(t, first, "PMCID: PMC9046749")
	assert.Contains(t, first, "MeSH terms: Humans; Female")
	assert.Contains(t, first, "FULL TEXT\n")
	assert.Contains(t, first, "(NCT02550652)")
	assert.NotContains(t, first, "=== Table", "tables ride in stage prompts, not the cached block")
}

func TestPaperContextOmitsEmptyMetadata(t *testing.T) {
	paper := testPaper()
	paper.Meta = model.PaperMeta{}

	out := paperContext(paper)
	assert.NotContains(t, out, "Title:")
	assert.NotContains(t, out, "Journal:")
	assert.NotContains(t, out, "PMCID:")
	assert.NotContains(t, out, "MeSH")
	assert.True(t, strings.HasPrefix(out, "PAPER\n\nFULL TEXT\n"))
}

func TestBuildSystemBlocks(t *testing.T) {
	blocks := buildSystemBlocks(testPaper())
	require.Len(t, blocks, 2)

	assert.Contains(t, blocks[0].Text, "clinical trial data extraction specialist")
	assert.Nil(t, blocks[0].CacheControl)

	assert.Contains(t, blocks[1].Text, "FULL TEXT")
	require.NotNil(t, blocks[1].CacheControl)
	assert.Equal(t, "1h", blocks[1].CacheControl.TTL)
}

func TestRenderTables(t *testing.T) {
	paper := testPaper()

	out := renderTables(paper, []string{"Table 2", "Table 1", "Table 88"}, 0)
	assert.True(t, strings.HasPrefix(out, "=== Table 2 ==="), "requested order is preserved")
	assert.Contains(t, out, "=== Table 1 ===")
	assert.NotContains(t, out, "Table 88")
	assert.False(t, strings.HasSuffix(out, "\n"))

	capped := renderTables(paper, []string{"Table 1"}, 10)
	assert.Contains(t, capped, "[truncated]")
	assert.NotContains(t, renderTables(paper, []string{"Table 1"}, 0), "[truncated]")
}

func TestRenderAllTables(t *testing.T) {
	out := renderAllTables(testPaper(), 0)
	for _, label := range []string{"Table 1", "Table 2", "Table 3", "Table 9"} {
		assert.Contains(t, out, "=== "+label+" ===")
	}
}
