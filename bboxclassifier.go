// Package bboxclassifier turns bounding-box annotated images into a trained
// crop classifier.
//
// The pipeline has four data stages and a training stage:
//
//  1. Rescale: map annotation boxes from original image coordinates to the
//     resolution of the stored images (pkg/rescale).
//  2. Crop: cut every box out of its image into one directory per class
//     (pkg/cropper).
//  3. Augment: write randomized variants of the crops of each class
//     (pkg/augment).
//  4. Count: report how many files each class holds (pkg/counter).
//  5. Train: fit a small CNN on a class-per-directory tree (pkg/train).
//
// Basic usage:
//
//	cfg, err := config.Load("bbox.yaml")
//	if err != nil {
//		log.Fatal(err)
//	}
//	p := bboxclassifier.New(cfg, afero.NewOsFs(), logging.New(cfg.Logging))
//	res, err := p.Run(context.Background())
//	if err != nil {
//		log.Fatal(err)
//	}
//	for _, c := range res.Counts {
//		fmt.Printf("%s: %d\n", c.Class, c.Files)
//	}
//
// Per-item failures such as unreadable images never abort a stage; they are
// collected in the stage's types.Report.
package bboxclassifier

import (
	"context"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/menta2k/bbox-classifier/internal/config"
	"github.com/menta2k/bbox-classifier/internal/logging"
	"github.com/menta2k/bbox-classifier/pkg/annotations"
	"github.com/menta2k/bbox-classifier/pkg/augment"
	"github.com/menta2k/bbox-classifier/pkg/counter"
	"github.com/menta2k/bbox-classifier/pkg/cropper"
	"github.com/menta2k/bbox-classifier/pkg/rescale"
	"github.com/menta2k/bbox-classifier/pkg/train"
	"github.com/menta2k/bbox-classifier/pkg/types"
)

// Version of the bbox-classifier library
const Version = "0.1.0"

// Pipeline runs the stages against one configuration and filesystem
type Pipeline struct {
	cfg *config.Config
	fs  afero.Fs
	log logrus.FieldLogger
}

// New creates a Pipeline. A nil logger discards output.
func New(cfg *config.Config, fs afero.Fs, log logrus.FieldLogger) *Pipeline {
	if log == nil {
		log = logging.Discard()
	}
	return &Pipeline{cfg: cfg, fs: fs, log: log}
}

// Config returns the pipeline configuration
func (p *Pipeline) Config() *config.Config {
	return p.cfg
}

// LoadAnnotations reads the configured annotation table
func (p *Pipeline) LoadAnnotations() ([]types.Annotation, error) {
	anns, err := annotations.Load(p.fs, p.cfg.Paths.Annotations)
	if err != nil {
		return nil, errors.Wrap(err, "load annotations")
	}
	p.log.WithFields(logrus.Fields{"rows": len(anns), "path": p.cfg.Paths.Annotations}).Info("annotations loaded")
	return anns, nil
}

// Rescale loads the annotation table and fills in the scaled boxes
func (p *Pipeline) Rescale() ([]types.Annotation, error) {
	anns, err := p.LoadAnnotations()
	if err != nil {
		return nil, err
	}
	return p.RescaleRows(anns)
}

// RescaleRows fills in the scaled boxes of rows loaded from elsewhere, such
// as a COCO file
func (p *Pipeline) RescaleRows(anns []types.Annotation) ([]types.Annotation, error) {
	policy, err := rescale.ParsePolicy(p.cfg.Rescale.Policy)
	if err != nil {
		return nil, err
	}

	out, err := rescale.New(rescale.Config{
		TargetWidth:  p.cfg.Rescale.TargetWidth,
		TargetHeight: p.cfg.Rescale.TargetHeight,
		Policy:       policy,
	}).Rescale(anns)
	if err != nil {
		return nil, errors.Wrap(err, "rescale")
	}

	missing := 0
	for _, a := range out {
		if a.Scaled == nil {
			missing++
		}
	}
	p.log.WithFields(logrus.Fields{"rows": len(out), "without_box": missing}).Info("boxes rescaled")
	return out, nil
}

// Crop rescales the annotations and writes one crop per box
func (p *Pipeline) Crop(ctx context.Context) (types.Report, error) {
	anns, err := p.Rescale()
	if err != nil {
		return types.Report{}, err
	}
	c := cropper.NewWithConfig(p.fs, cropper.CropConfig{
		ImagesDir: p.cfg.Paths.RawImages,
		OutputDir: p.cfg.Paths.Crops,
		Format:    p.cfg.Crop.Format,
		Quality:   p.cfg.Crop.Quality,
	}, p.log)
	return c.CropAll(ctx, anns)
}

// Augment writes variants of the crops of classes, or of every class when
// classes is empty
func (p *Pipeline) Augment(ctx context.Context, classes []string) (types.Report, error) {
	pipeline, err := augment.PipelineFromConfig(p.cfg.Augment.Pipeline)
	if err != nil {
		return types.Report{}, err
	}
	a, err := augment.NewAugmenter(p.fs, augment.Config{
		InputDir:         p.cfg.Paths.Crops,
		OutputDir:        p.cfg.Paths.Augmented,
		NumAugmentations: p.cfg.Augment.NumAugmentations,
		Seed:             p.cfg.Augment.Seed,
		Format:           p.cfg.Augment.Format,
		Quality:          p.cfg.Augment.Quality,
	}, pipeline, p.log)
	if err != nil {
		return types.Report{}, err
	}
	if len(classes) == 0 {
		classes = p.cfg.Augment.Classes
	}
	return a.AugmentClasses(ctx, classes)
}

// Count returns the per-class file counts of dir, or of the augmented
// directory when dir is empty
func (p *Pipeline) Count(dir string) ([]types.ClassCount, error) {
	if dir == "" {
		dir = p.cfg.Paths.Augmented
	}
	return counter.Count(p.fs, dir)
}

// RunResult collects the outcome of Run
type RunResult struct {
	Crop    types.Report
	Augment types.Report
	Counts  []types.ClassCount
}

// OK reports whether no stage recorded failed items
func (r *RunResult) OK() bool {
	return r.Crop.OK() && r.Augment.OK()
}

// Run executes rescale, crop, augment and count in order
func (p *Pipeline) Run(ctx context.Context) (*RunResult, error) {
	var res RunResult
	var err error

	if res.Crop, err = p.Crop(ctx); err != nil {
		return &res, errors.Wrap(err, "crop")
	}
	if res.Augment, err = p.Augment(ctx, nil); err != nil {
		return &res, errors.Wrap(err, "augment")
	}
	if res.Counts, err = p.Count(""); err != nil {
		return &res, errors.Wrap(err, "count")
	}
	return &res, nil
}

// Train fits the classifier on the dataloader directory and writes the
// checkpoints and history to the checkpoints directory
func (p *Pipeline) Train(ctx context.Context) (*train.Result, error) {
	t := p.cfg.Train
	return train.Run(ctx, train.Config{
		DataDir:           p.cfg.Paths.Dataloader,
		OutputDir:         p.cfg.Paths.Checkpoints,
		ModelName:         t.ModelName,
		ImageHeight:       t.ImageHeight,
		ImageWidth:        t.ImageWidth,
		BatchSize:         t.BatchSize,
		Epochs:            t.Epochs,
		LearningRate:      t.LearningRate,
		ValidationSplit:   t.ValidationSplit,
		Seed:              t.Seed,
		RuntimeAugment:    t.RuntimeAugment,
		EarlyStopPatience: t.EarlyStopPatience,
		EarlyStopMinDelta: t.EarlyStopMinDelta,
		LRFactor:          t.LRFactor,
		LRPatience:        t.LRPatience,
		CSVLog:            t.CSVLog,
		Fs:                p.fs,
		Logger:            p.log,
	})
}

// GetVersion returns the library version
func GetVersion() string {
	return Version
}
