package model

import "strings"

// Paper is the input document for one extraction run: PDF-derived free text
// plus the tables and figure images recovered during conversion. The table
// list is narrowed in place during the sequential filtering phase and is
// treated as read-only once arm fan-out begins.
type Paper struct {
	Meta    PaperMeta     `json:"meta"`
	Content string        `json:"content"`
	Tables  []Table       `json:"tables,omitempty"`
	Figures []FigureImage `json:"figures,omitempty"`
}

// PaperMeta holds bibliographic metadata for a paper.
type PaperMeta struct {
	Title      string   `json:"title,omitempty"`
	Authors    []string `json:"authors,omitempty"`
	Journal    string   `json:"journal,omitempty"`
	Year       int      `json:"year,omitempty"`
	PMID       string   `json:"pmid,omitempty"`
	PMCID      string   `json:"pmcid,omitempty"`
	DOI        string   `json:"doi,omitempty"`
	MeshTerms  []string `json:"mesh_terms,omitempty"`
	Keywords   []string `json:"keywords,omitempty"`
	Indication string   `json:"indication,omitempty"`
}

// Table is one extracted table: the label as it appears in the paper
// ("Table 1") and the raw tab/pipe-delimited content.
type Table struct {
	Label   string `json:"label"`
	Content string `json:"content"`
}

// FigureImage is a raster figure extracted from the paper. Data may be empty
// when the conversion backend produced captions only; the figure extraction
// stage is skipped in that case.
type FigureImage struct {
	Label     string `json:"label"`
	Page      int    `json:"page,omitempty"`
	MediaType string `json:"media_type,omitempty"`
	Data      []byte `json:"data,omitempty"`
}

// FigureRef is a figure caption located in the paper text.
type FigureRef struct {
	Number  int    `json:"number"`
	Label   string `json:"label"`
	Caption string `json:"caption"`
}

// TableByLabel returns the table with the given label, matching
// case-insensitively on the trimmed label.
func (p *Paper) TableByLabel(label string) (Table, bool) {
	want := strings.ToLower(strings.TrimSpace(label))
	for _, t := range p.Tables {
		if strings.ToLower(strings.TrimSpace(t.Label)) == want {
			return t, true
		}
	}
	return Table{}, false
}

// TableLabels returns the labels of all tables in order.
func (p *Paper) TableLabels() []string {
	labels := make([]string, len(p.Tables))
	for i, t := range p.Tables {
		labels[i] = t.Label
	}
	return labels
}

// HasFigureData reports whether at least one figure carries image bytes.
func (p *Paper) HasFigureData() bool {
	for _, f := range p.Figures {
		if len(f.Data) > 0 {
			return true
		}
	}
	return false
}
