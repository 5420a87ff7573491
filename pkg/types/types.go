package types

import (
	"image"
	"math"
	"time"
)

// Box is a bounding box in pixel coordinates: top-left corner plus size.
type Box struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	W float64 `json:"w"`
	H float64 `json:"h"`
}

// Slice returns the box as [x, y, w, h].
func (b Box) Slice() []float64 {
	return []float64{b.X, b.Y, b.W, b.H}
}

// Rect returns the integer crop rectangle (x0, y0, x0+w, y0+h), rounding each
// corner to the nearest pixel.
func (b Box) Rect() image.Rectangle {
	x0 := int(math.Round(b.X))
	y0 := int(math.Round(b.Y))
	x1 := int(math.Round(b.X + b.W))
	y1 := int(math.Round(b.Y + b.H))
	return image.Rect(x0, y0, x1, y1)
}

// Valid reports whether every coordinate is finite.
func (b Box) Valid() bool {
	for _, v := range b.Slice() {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// Annotation is one labeled bounding box on one image.
type Annotation struct {
	FileName string    `json:"file_name"`
	IDAnn    int64     `json:"id_ann"`
	Name     string    `json:"name"`
	BBox     []float64 `json:"bbox"`
	Width    int       `json:"width"`
	Height   int       `json:"height"`

	// Scaled is derived by the rescaler. Nil means the row has no usable box.
	Scaled *Box `json:"bbox_scaled"`
}

// ClassCount is the number of files in one class directory.
type ClassCount struct {
	Class string `json:"class"`
	Files int    `json:"files"`
}

// FailedItem records one input that could not be processed.
type FailedItem struct {
	Path   string `json:"path"`
	Reason string `json:"reason"`
}

// Report summarises a batch run over annotations or image files.
type Report struct {
	Written int          `json:"written"`
	Skipped int          `json:"skipped"`
	Failed  []FailedItem `json:"failed,omitempty"`
}

// OK reports whether the batch finished without failed items.
func (r Report) OK() bool {
	return len(r.Failed) == 0
}

// Fail appends a failed item.
func (r *Report) Fail(path string, err error) {
	r.Failed = append(r.Failed, FailedItem{Path: path, Reason: err.Error()})
}

// Merge adds the counts and failures of other into r.
func (r *Report) Merge(other Report) {
	r.Written += other.Written
	r.Skipped += other.Skipped
	r.Failed = append(r.Failed, other.Failed...)
}

// History metric keys.
const (
	MetricLoss         = "loss"
	MetricAccuracy     = "accuracy"
	MetricValLoss      = "val_loss"
	MetricValAccuracy  = "val_accuracy"
	MetricLearningRate = "learning_rate"
)

// History is the per-epoch metric record persisted after training.
type History struct {
	RunID      string               `json:"run_id"`
	Model      string               `json:"model"`
	ClassNames []string             `json:"class_names"`
	StartedAt  time.Time            `json:"started_at"`
	Metrics    map[string][]float64 `json:"history"`
}

// NewHistory returns an empty history for the given run.
func NewHistory(runID, model string, classNames []string) *History {
	return &History{
		RunID:      runID,
		Model:      model,
		ClassNames: classNames,
		StartedAt:  time.Now().UTC(),
		Metrics:    make(map[string][]float64),
	}
}

// Append records one epoch value for a metric.
func (h *History) Append(metric string, v float64) {
	h.Metrics[metric] = append(h.Metrics[metric], v)
}

// Epochs returns the number of recorded epochs.
func (h *History) Epochs() int {
	return len(h.Metrics[MetricLoss])
}

// LabelVerdict is a vision model's opinion on whether a crop shows its class.
type LabelVerdict struct {
	File          string  `json:"file"`
	Class         string  `json:"class"`
	Matches       bool    `json:"label_matches"`
	ObservedLabel string  `json:"observed_label"`
	Confidence    float64 `json:"confidence"`
	Reason        string  `json:"reason"`
	// Fallback marks verdicts synthesised from an unparsable reply
	Fallback bool `json:"fallback,omitempty"`
}
