package train

import (
	"github.com/goccy/go-json"
	"github.com/pkg/errors"
	"github.com/spf13/afero"

	"github.com/menta2k/bbox-classifier/pkg/types"
)

// HistoryFileName returns the history file name for a model
func HistoryFileName(modelName string) string {
	return modelName + "_history.json"
}

// WriteHistory stores h as indented JSON
func WriteHistory(fs afero.Fs, path string, h *types.History) error {
	data, err := json.MarshalIndent(h, "", "  ")
	if err != nil {
		return errors.Wrap(err, "marshal history")
	}
	if err := afero.WriteFile(fs, path, data, 0644); err != nil {
		return errors.Wrapf(err, "write %s", path)
	}
	return nil
}

// ReadHistory loads a history written by WriteHistory
func ReadHistory(fs afero.Fs, path string) (*types.History, error) {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, errors.Wrapf(err, "read %s", path)
	}
	var h types.History
	if err := json.Unmarshal(data, &h); err != nil {
		return nil, errors.Wrapf(err, "parse %s", path)
	}
	if h.Metrics == nil {
		h.Metrics = make(map[string][]float64)
	}
	return &h, nil
}
