package visualize

import (
	"image/color"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/menta2k/bbox-classifier/internal/utils"
	"github.com/menta2k/bbox-classifier/pkg/types"
)

var (
	trainColor = color.RGBA{31, 119, 180, 255}
	valColor   = color.RGBA{255, 165, 0, 255}
)

// PlotHistory writes <prefix>_loss.png and <prefix>_accuracy.png to dir, each
// with the training and validation curve. It returns the written paths.
func PlotHistory(fs afero.Fs, h *types.History, prefix, dir string) ([]string, error) {
	if h.Epochs() == 0 {
		return nil, errors.New("history has no epochs")
	}
	if err := utils.EnsureDir(fs, dir); err != nil {
		return nil, errors.Wrapf(err, "create %s", dir)
	}

	name := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(prefix)), " ", "_")
	if name == "" {
		name = "training"
	}

	charts := []struct {
		title, ylabel, train, val, file string
	}{
		{"Loss", "Loss", types.MetricLoss, types.MetricValLoss, name + "_loss.png"},
		{"Accuracy", "Accuracy", types.MetricAccuracy, types.MetricValAccuracy, name + "_accuracy.png"},
	}

	var paths []string
	for _, c := range charts {
		p := plot.New()
		p.Title.Text = strings.TrimSpace(prefix + " " + c.title + ": Train vs Validation")
		p.X.Label.Text = "Epochs"
		p.Y.Label.Text = c.ylabel
		p.Legend.Top = true

		if err := addLine(p, "Train "+c.title, h.Metrics[c.train], trainColor); err != nil {
			return paths, err
		}
		if err := addLine(p, "Validation "+c.title, h.Metrics[c.val], valColor); err != nil {
			return paths, err
		}

		path := filepath.Join(dir, c.file)
		if err := savePlot(fs, p, path); err != nil {
			return paths, err
		}
		paths = append(paths, path)
	}
	return paths, nil
}

func addLine(p *plot.Plot, label string, values []float64, c color.Color) error {
	if len(values) == 0 {
		return nil
	}
	pts := make(plotter.XYs, len(values))
	for i, v := range values {
		pts[i].X = float64(i)
		pts[i].Y = v
	}
	line, err := plotter.NewLine(pts)
	if err != nil {
		return errors.Wrapf(err, "plot %s", label)
	}
	line.Color = c
	p.Add(line)
	p.Legend.Add(label, line)
	return nil
}

func savePlot(fs afero.Fs, p *plot.Plot, path string) error {
	w, err := p.WriterTo(6*vg.Inch, 5*vg.Inch, "png")
	if err != nil {
		return errors.Wrap(err, "render plot")
	}
	f, err := fs.Create(path)
	if err != nil {
		return errors.Wrapf(err, "create %s", path)
	}
	if _, err := w.WriteTo(f); err != nil {
		f.Close()
		return errors.Wrapf(err, "write %s", path)
	}
	return f.Close()
}
