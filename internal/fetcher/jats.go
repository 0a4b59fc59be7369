package fetcher

import (
	"encoding/xml"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"golang.org/x/text/encoding/htmlindex"

	"github.com/trialdex/extract-cli/internal/model"
)

// ParseJATS parses a JATS article (the .nxml inside a PMC Open Access
// package) into a Paper: bibliographic front matter, flattened body text
// with section titles and figure captions inline, one Table per table-wrap,
// and one FigureImage stub per fig. The returned map links figure labels to
// their graphic hrefs so the caller can attach image bytes from the package.
func ParseJATS(r io.Reader) (*model.Paper, map[string]string, error) {
	dec := xml.NewDecoder(r)
	// PMC articles declare entities in the DTD, which encoding/xml does not
	// read; tolerate them instead of failing the whole parse.
	dec.Strict = false
	dec.Entity = xml.HTMLEntity
	dec.CharsetReader = func(charset string, input io.Reader) (io.Reader, error) {
		enc, err := htmlindex.Get(charset)
		if err != nil {
			return nil, eris.Wrapf(err, "jats: unsupported charset %q", charset)
		}
		return enc.NewDecoder().Reader(input), nil
	}

	paper := &model.Paper{}
	graphics := make(map[string]string)
	var content strings.Builder
	inBody := false
	seenAbstract := false

	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, nil, eris.Wrap(err, "jats: read token")
		}

		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "journal-title":
				text, err := collectText(dec, t)
				if err != nil {
					return nil, nil, err
				}
				if paper.Meta.Journal == "" {
					paper.Meta.Journal = text
				}
			case "article-title":
				text, err := collectText(dec, t)
				if err != nil {
					return nil, nil, err
				}
				if paper.Meta.Title == "" {
					paper.Meta.Title = text
					content.WriteString(text + "\n\n")
				}
			case "article-id":
				idType := attrValue(t, "pub-id-type")
				text, err := collectText(dec, t)
				if err != nil {
					return nil, nil, err
				}
				switch idType {
				case "pmid":
					paper.Meta.PMID = text
				case "pmc":
					if !strings.HasPrefix(text, "PMC") {
						text = "PMC" + text
					}
					paper.Meta.PMCID = text
				case "doi":
					paper.Meta.DOI = text
				}
			case "contrib":
				if attrValue(t, "contrib-type") == "author" {
					name, err := parseContribName(dec, t)
					if err != nil {
						return nil, nil, err
					}
					if name != "" {
						paper.Meta.Authors = append(paper.Meta.Authors, name)
					}
				}
			case "pub-date":
				year, err := parsePubYear(dec, t)
				if err != nil {
					return nil, nil, err
				}
				if paper.Meta.Year == 0 && year > 0 {
					paper.Meta.Year = year
				}
			case "kwd":
				text, err := collectText(dec, t)
				if err != nil {
					return nil, nil, err
				}
				if text != "" {
					paper.Meta.Keywords = append(paper.Meta.Keywords, text)
				}
			case "abstract":
				if seenAbstract {
					if err := dec.Skip(); err != nil {
						return nil, nil, eris.Wrap(err, "jats: skip abstract")
					}
					continue
				}
				seenAbstract = true
				text, err := collectText(dec, t)
				if err != nil {
					return nil, nil, err
				}
				content.WriteString("Abstract\n" + text + "\n\n")
			case "body":
				inBody = true
			case "title":
				if !inBody {
					continue
				}
				text, err := collectText(dec, t)
				if err != nil {
					return nil, nil, err
				}
				if text != "" {
					content.WriteString(text + "\n\n")
				}
			case "p":
				if !inBody {
					continue
				}
				text, err := collectText(dec, t)
				if err != nil {
					return nil, nil, err
				}
				if text != "" {
					content.WriteString(text + "\n\n")
				}
			case "table-wrap":
				tbl, err := parseTableWrap(dec, t)
				if err != nil {
					return nil, nil, err
				}
				if tbl.Label == "" {
					tbl.Label = fmt.Sprintf("Table %d", len(paper.Tables)+1)
				}
				paper.Tables = append(paper.Tables, tbl)
			case "fig":
				label, caption, href, err := parseFig(dec, t)
				if err != nil {
					return nil, nil, err
				}
				if label == "" {
					label = fmt.Sprintf("Figure %d", len(paper.Figures)+1)
				}
				paper.Figures = append(paper.Figures, model.FigureImage{Label: label})
				if href != "" {
					graphics[label] = href
				}
				// Inline the caption so the figure-caption scanner sees it.
				if caption != "" {
					content.WriteString(label + ". " + caption + "\n\n")
				}
			case "back":
				// References and acknowledgements add noise, not data.
				if err := dec.Skip(); err != nil {
					return nil, nil, eris.Wrap(err, "jats: skip back matter")
				}
			}
		case xml.EndElement:
			if t.Name.Local == "body" {
				inBody = false
			}
		}
	}

	paper.Content = strings.TrimSpace(content.String())
	return paper, graphics, nil
}

// collectText consumes the element opened by start and returns its flattened
// character data. Paragraph, title, and break boundaries become newlines;
// runs of whitespace collapse to single spaces.
func collectText(dec *xml.Decoder, start xml.StartElement) (string, error) {
	var sb strings.Builder
	depth := 1
	for depth > 0 {
		tok, err := dec.Token()
		if err != nil {
			return "", eris.Wrapf(err, "jats: read %s", start.Name.Local)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			depth++
		case xml.EndElement:
			depth--
			switch t.Name.Local {
			case "p", "title", "break":
				sb.WriteString("\n")
			}
		case xml.CharData:
			sb.Write(t)
		}
	}
	return squashSpace(sb.String()), nil
}

// squashSpace collapses horizontal whitespace per line and drops blank lines.
func squashSpace(s string) string {
	lines := strings.Split(s, "\n")
	out := make([]string, 0, len(lines))
	for _, ln := range lines {
		ln = strings.Join(strings.Fields(ln), " ")
		if ln != "" {
			out = append(out, ln)
		}
	}
	return strings.Join(out, "\n")
}

func attrValue(se xml.StartElement, name string) string {
	for _, a := range se.Attr {
		if a.Name.Local == name {
			return a.Value
		}
	}
	return ""
}

// parseContribName reads one contrib element and renders "Given Surname".
func parseContribName(dec *xml.Decoder, start xml.StartElement) (string, error) {
	var surname, given string
	depth := 1
	for depth > 0 {
		tok, err := dec.Token()
		if err != nil {
			return "", eris.Wrap(err, "jats: read contrib")
		}
		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "surname":
				text, err := collectText(dec, t)
				if err != nil {
					return "", err
				}
				surname = text
			case "given-names":
				text, err := collectText(dec, t)
				if err != nil {
					return "", err
				}
				given = text
			default:
				depth++
			}
		case xml.EndElement:
			depth--
		}
	}
	return strings.TrimSpace(given + " " + surname), nil
}

// parsePubYear reads one pub-date element and returns its year, 0 if absent.
func parsePubYear(dec *xml.Decoder, start xml.StartElement) (int, error) {
	year := 0
	depth := 1
	for depth > 0 {
		tok, err := dec.Token()
		if err != nil {
			return 0, eris.Wrap(err, "jats: read pub-date")
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if t.Name.Local == "year" {
				text, err := collectText(dec, t)
				if err != nil {
					return 0, err
				}
				if y, err := strconv.Atoi(strings.TrimSpace(text)); err == nil {
					year = y
				}
			} else {
				depth++
			}
		case xml.EndElement:
			depth--
		}
	}
	return year, nil
}

// parseTableWrap reads one table-wrap element into a Table. The content is
// the caption, tab-separated cell rows, and any footnote text, one row per
// line.
func parseTableWrap(dec *xml.Decoder, start xml.StartElement) (model.Table, error) {
	var label, caption, foot string
	var rows []string
	var cells []string
	var cell strings.Builder
	cellDepth := 0

	depth := 1
	for depth > 0 {
		tok, err := dec.Token()
		if err != nil {
			return model.Table{}, eris.Wrap(err, "jats: read table-wrap")
		}
		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "label":
				text, err := collectText(dec, t)
				if err != nil {
					return model.Table{}, err
				}
				if label == "" {
					label = text
				}
			case "caption":
				text, err := collectText(dec, t)
				if err != nil {
					return model.Table{}, err
				}
				if caption == "" {
					caption = text
				}
			case "table-wrap-foot":
				text, err := collectText(dec, t)
				if err != nil {
					return model.Table{}, err
				}
				foot = text
			case "td", "th":
				depth++
				cellDepth = depth
				cell.Reset()
			default:
				depth++
			}
		case xml.EndElement:
			if depth == cellDepth && (t.Name.Local == "td" || t.Name.Local == "th") {
				cells = append(cells, strings.Join(strings.Fields(cell.String()), " "))
				cellDepth = 0
			}
			if t.Name.Local == "tr" && len(cells) > 0 {
				rows = append(rows, strings.Join(cells, "\t"))
				cells = nil
			}
			depth--
		case xml.CharData:
			if cellDepth > 0 {
				cell.Write(t)
			}
		}
	}

	var parts []string
	if caption != "" {
		parts = append(parts, caption)
	}
	parts = append(parts, rows...)
	if foot != "" {
		parts = append(parts, foot)
	}
	return model.Table{Label: label, Content: strings.Join(parts, "\n")}, nil
}

// parseFig reads one fig element and returns its label, caption, and the
// href of its graphic.
func parseFig(dec *xml.Decoder, start xml.StartElement) (label, caption, href string, err error) {
	depth := 1
	for depth > 0 {
		tok, err := dec.Token()
		if err != nil {
			return "", "", "", eris.Wrap(err, "jats: read fig")
		}
		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "label":
				text, err := collectText(dec, t)
				if err != nil {
					return "", "", "", err
				}
				label = text
			case "caption":
				text, err := collectText(dec, t)
				if err != nil {
					return "", "", "", err
				}
				caption = text
			case "graphic":
				if href == "" {
					href = attrValue(t, "href")
				}
				depth++
			default:
				depth++
			}
		case xml.EndElement:
			depth--
		}
	}
	return label, caption, href, nil
}
