package fetcher

import (
	"encoding/json"
	"io"
	"os"

	"github.com/rotisserie/eris"

	"github.com/trialdex/extract-cli/internal/model"
)

// DecodeJSONObject decodes a single JSON object from a reader.
func DecodeJSONObject[T any](r io.Reader) (*T, error) {
	var obj T
	if err := json.NewDecoder(r).Decode(&obj); err != nil {
		return nil, eris.Wrap(err, "json: decode object")
	}
	return &obj, nil
}

// LoadPaper reads a Paper JSON file, as produced by the fetch command.
func LoadPaper(path string) (*model.Paper, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, eris.Wrap(err, "paper: open")
	}
	defer f.Close() //nolint:errcheck

	paper, err := DecodeJSONObject[model.Paper](f)
	if err != nil {
		return nil, eris.Wrapf(err, "paper: decode %s", path)
	}
	return paper, nil
}

// SavePaper writes a Paper as indented JSON.
func SavePaper(paper *model.Paper, path string) error {
	data, err := json.MarshalIndent(paper, "", "  ")
	if err != nil {
		return eris.Wrap(err, "paper: marshal")
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return eris.Wrap(err, "paper: write")
	}
	return nil
}
