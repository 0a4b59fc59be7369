package fetcher

import (
	"encoding/csv"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"
	"go.uber.org/zap"
)

// WorklistEntry is one trial/drug pair queued for batch extraction. PMCID
// locates the paper; NCTID and Indication are optional hints passed through
// to the extraction request.
type WorklistEntry struct {
	PMCID      string `json:"pmcid"`
	PMID       string `json:"pmid,omitempty"`
	NCTID      string `json:"nct_id,omitempty"`
	DrugName   string `json:"drug_name"`
	TrialName  string `json:"trial_name,omitempty"`
	Indication string `json:"indication,omitempty"`
}

// worklistColumns maps recognized header names (lower-cased) to canonical
// field keys. Clinical teams are not consistent about naming.
var worklistColumns = map[string]string{
	"pmcid":      "pmcid",
	"pmc_id":     "pmcid",
	"pmc":        "pmcid",
	"pmid":       "pmid",
	"nct":        "nct",
	"nctid":      "nct",
	"nct_id":     "nct",
	"drug":       "drug",
	"drug_name":  "drug",
	"trial":      "trial",
	"trial_name": "trial",
	"indication": "indication",
	"disease":    "indication",
}

// ReadWorklist reads a batch worklist from a CSV or XLSX file, keyed by
// header row. Rows missing a paper id or drug name are skipped with a
// warning rather than failing the whole batch.
func ReadWorklist(path string) ([]WorklistEntry, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv":
		return readWorklistCSV(path)
	case ".xlsx":
		return readWorklistXLSX(path)
	default:
		return nil, eris.Errorf("worklist: unsupported file type %q (want .csv or .xlsx)", filepath.Ext(path))
	}
}

func readWorklistCSV(path string) ([]WorklistEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, eris.Wrap(err, "worklist: open csv")
	}
	defer f.Close() //nolint:errcheck

	reader := csv.NewReader(f)
	reader.FieldsPerRecord = -1 // allow variable fields

	header, err := reader.Read()
	if err != nil {
		return nil, eris.Wrap(err, "worklist: read header")
	}
	cols, err := headerIndex(header)
	if err != nil {
		return nil, err
	}

	var entries []WorklistEntry
	line := 1
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, eris.Wrap(err, "worklist: read row")
		}
		line++
		if entry, ok := rowEntry(cols, record, line); ok {
			entries = append(entries, entry)
		}
	}
	return entries, nil
}

func readWorklistXLSX(path string) ([]WorklistEntry, error) {
	f, err := xlsx.OpenFile(path)
	if err != nil {
		return nil, eris.Wrap(err, "worklist: open xlsx")
	}
	if len(f.Sheets) == 0 {
		return nil, eris.New("worklist: xlsx has no sheets")
	}
	sheet := f.Sheets[0]
	if len(sheet.Rows) == 0 {
		return nil, eris.New("worklist: xlsx sheet is empty")
	}

	cols, err := headerIndex(rowToStrings(sheet.Rows[0]))
	if err != nil {
		return nil, err
	}

	var entries []WorklistEntry
	for i, row := range sheet.Rows[1:] {
		if entry, ok := rowEntry(cols, rowToStrings(row), i+2); ok {
			entries = append(entries, entry)
		}
	}
	return entries, nil
}

// headerIndex maps canonical field keys to column positions. A worklist
// must at least locate a paper and name a drug.
func headerIndex(header []string) (map[string]int, error) {
	cols := make(map[string]int)
	for i, h := range header {
		key, ok := worklistColumns[strings.ToLower(strings.TrimSpace(h))]
		if !ok {
			continue
		}
		if _, dup := cols[key]; !dup {
			cols[key] = i
		}
	}
	if _, ok := cols["pmcid"]; !ok {
		if _, ok := cols["pmid"]; !ok {
			return nil, eris.New("worklist: header has no pmcid or pmid column")
		}
	}
	if _, ok := cols["drug"]; !ok {
		return nil, eris.New("worklist: header has no drug column")
	}
	return cols, nil
}

func rowEntry(cols map[string]int, record []string, line int) (WorklistEntry, bool) {
	cell := func(key string) string {
		i, ok := cols[key]
		if !ok || i >= len(record) {
			return ""
		}
		return strings.TrimSpace(record[i])
	}

	entry := WorklistEntry{
		PMCID:      cell("pmcid"),
		PMID:       cell("pmid"),
		NCTID:      strings.ToUpper(cell("nct")),
		DrugName:   cell("drug"),
		TrialName:  cell("trial"),
		Indication: cell("indication"),
	}

	if entry.PMCID == "" && entry.PMID == "" && entry.DrugName == "" {
		return WorklistEntry{}, false // blank row
	}
	if entry.PMCID == "" && entry.PMID == "" {
		zap.L().Warn("worklist: skipping row with no paper id", zap.Int("line", line))
		return WorklistEntry{}, false
	}
	if entry.DrugName == "" {
		zap.L().Warn("worklist: skipping row with no drug name", zap.Int("line", line))
		return WorklistEntry{}, false
	}

	if entry.PMCID != "" {
		if normalized, err := NormalizePMCID(entry.PMCID); err == nil {
			entry.PMCID = normalized
		}
	}
	return entry, true
}

func rowToStrings(row *xlsx.Row) []string {
	cells := make([]string, len(row.Cells))
	for j, cell := range row.Cells {
		cells[j] = cell.String()
	}
	return cells
}
