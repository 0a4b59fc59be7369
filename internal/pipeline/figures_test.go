package pipeline

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trialdex/extract-cli/internal/model"
)

func TestScanFigureCaptions(t *testing.T) {
	refs := ScanFigureCaptions(testPaperBody)
	require.Len(t, refs, 2)

	assert.Equal(t, 1, refs[0].Number)
	assert.Equal(t, "Figure 1", refs[0].Label)
	assert.Equal(t, "Figure 1. Renal response rates through week 104 by treatment group.", refs[0].Caption)

	assert.Equal(t, 2, refs[1].Number)
	assert.Equal(t, "Figure 2. Trial profile and patient disposition.", refs[1].Caption)
}

func TestScanFigureCaptionsWrappedLinesAndDuplicates(t *testing.T) {
	content := `Methods text here.

Fig. 3 Kaplan-Meier estimates of renal survival
by treatment group through week 104.

As shown in Figure 3, renal survival was longer on treatment.
Figure 3. Kaplan-Meier estimates.`

	refs := ScanFigureCaptions(content)
	require.Len(t, refs, 1)
	assert.Equal(t, 3, refs[0].Number)
	assert.Equal(t, "Figure 3", refs[0].Label)
	assert.Equal(t,
		"Fig. 3 Kaplan-Meier estimates of renal survival by treatment group through week 104.",
		refs[0].Caption,
		"the longer caption wins over the short duplicate")
}

func TestScanFigureCaptionsStopsAtNextLabel(t *testing.T) {
	content := `Figure 1. Primary endpoint results.
Table 2 Baseline characteristics of the patients.`

	refs := ScanFigureCaptions(content)
	require.Len(t, refs, 1)
	assert.Equal(t, "Figure 1. Primary endpoint results.", refs[0].Caption)
}

func TestScanFigureCaptionsCapsLength(t *testing.T) {
	content := "Figure 4. Mean change from baseline in total activity score\n" +
		strings.Repeat("continued caption text that wraps across many narrow journal column lines here\n", 10)

	refs := ScanFigureCaptions(content)
	require.Len(t, refs, 1)
	assert.LessOrEqual(t, len(refs[0].Caption), figureCaptionMax)
}

func TestScanFigureCaptionsNoFigures(t *testing.T) {
	assert.Empty(t, ScanFigureCaptions("No labeled plots appear in this text."))
}

func TestTriageFiguresKeepsSelected(t *testing.T) {
	engine := newFakeEngine().on("[1]", "plot efficacy outcomes")
	runner, _ := newTestRunner(engine)

	refs := ScanFigureCaptions(testPaperBody)
	kept := TriageFigures(context.Background(), runner, nil, refs)

	assert.Equal(t, []int{1}, kept)
	assert.Equal(t, 1, engine.promptsContaining("Renal response rates", "Trial profile"))
}

func TestTriageFiguresDropsUnknownNumbers(t *testing.T) {
	engine := newFakeEngine().on("[1, 7]", "plot efficacy outcomes")
	runner, _ := newTestRunner(engine)

	kept := TriageFigures(context.Background(), runner, nil, ScanFigureCaptions(testPaperBody))
	assert.Equal(t, []int{1}, kept)
}

func TestTriageFiguresFailsOpen(t *testing.T) {
	engine := newFakeEngine().failOn(errors.New("engine down"))
	runner, _ := newTestRunner(engine)

	kept := TriageFigures(context.Background(), runner, nil, ScanFigureCaptions(testPaperBody))
	assert.Equal(t, []int{1, 2}, kept, "triage failures keep every figure")
}

func TestTriageFiguresNoRefs(t *testing.T) {
	engine := newFakeEngine()
	runner, _ := newTestRunner(engine)

	assert.Nil(t, TriageFigures(context.Background(), runner, nil, nil))
	assert.Zero(t, engine.callCount())
}

func TestSelectFigureImages(t *testing.T) {
	figures := []model.FigureImage{
		{Label: "Figure 1", MediaType: "image/png", Data: []byte{0x89}},
		{Label: "Figure 2"},
		{Label: "Figure 3", MediaType: "image/jpeg", Data: []byte{0xff}},
	}

	kept := selectFigureImages(figures, []int{1})
	require.Len(t, kept, 1)
	assert.Equal(t, "Figure 1", kept[0].Label)

	all := selectFigureImages(figures, nil)
	require.Len(t, all, 2, "a nil keep set keeps every figure with image bytes")

	none := selectFigureImages(figures, []int{})
	assert.Empty(t, none, "an empty keep set keeps nothing")
}
