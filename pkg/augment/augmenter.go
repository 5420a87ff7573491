package augment

import (
	"context"
	"fmt"
	"math/rand"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/menta2k/bbox-classifier/internal/logging"
	"github.com/menta2k/bbox-classifier/internal/utils"
	"github.com/menta2k/bbox-classifier/pkg/imageio"
	"github.com/menta2k/bbox-classifier/pkg/types"
)

// ErrNoAugmentations is returned when NumAugmentations is not positive.
var ErrNoAugmentations = errors.New("number of augmentations must be positive")

// Config holds settings for offline augmentation
type Config struct {
	InputDir         string
	OutputDir        string
	NumAugmentations int
	// Seed of the random source. Zero seeds from the clock.
	Seed    int64
	Format  string
	Quality int
}

// ClassAugmenter writes randomized variants of every image of a class.
// It is not safe for concurrent use.
type ClassAugmenter struct {
	codec    *imageio.Codec
	config   Config
	pipeline Pipeline
	rng      *rand.Rand
	log      logrus.FieldLogger
}

// NewAugmenter creates a ClassAugmenter. A nil pipeline uses DefaultPipeline.
func NewAugmenter(fs afero.Fs, config Config, pipeline Pipeline, log logrus.FieldLogger) (*ClassAugmenter, error) {
	if config.NumAugmentations < 1 {
		return nil, errors.Wrapf(ErrNoAugmentations, "got %d", config.NumAugmentations)
	}
	if pipeline == nil {
		pipeline = DefaultPipeline()
	}
	if log == nil {
		log = logging.Discard()
	}
	if config.Format == "" {
		config.Format = "jpg"
	}
	if config.Quality == 0 {
		config.Quality = 90
	}

	seed := config.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}

	return &ClassAugmenter{
		codec:    imageio.New(fs),
		config:   config,
		pipeline: pipeline,
		rng:      rand.New(rand.NewSource(seed)),
		log:      log,
	}, nil
}

// AugmentedName returns the file name of the i-th variant of src
func AugmentedName(src string, i int, format string) string {
	return fmt.Sprintf("%s_aug%d.%s", utils.Stem(src), i, utils.FormatExtension(format))
}

// AugmentClass writes NumAugmentations variants of every file directly inside
// InputDir/class to OutputDir/class. Existing outputs are overwritten. Files
// that cannot be decoded or written are recorded in the report.
func (a *ClassAugmenter) AugmentClass(ctx context.Context, class string) (types.Report, error) {
	var report types.Report
	fs := a.codec.Fs()

	inDir := filepath.Join(a.config.InputDir, class)
	if !utils.DirExists(fs, inDir) {
		return report, errors.Errorf("class directory %s does not exist", inDir)
	}
	files, err := utils.ListFiles(fs, inDir)
	if err != nil {
		return report, errors.Wrapf(err, "list %s", inDir)
	}

	outDir := filepath.Join(a.config.OutputDir, class)
	if err := utils.EnsureDir(fs, outDir); err != nil {
		return report, errors.Wrapf(err, "create output directory %s", outDir)
	}

	for _, name := range files {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		src := filepath.Join(inDir, name)

		img, err := a.codec.Load(src)
		if err != nil {
			a.fail(&report, src, err)
			continue
		}

		for i := 0; i < a.config.NumAugmentations; i++ {
			dst := filepath.Join(outDir, AugmentedName(name, i, a.config.Format))
			out := a.pipeline.Apply(img, a.rng)
			if err := a.codec.Save(out, dst, a.config.Format, a.config.Quality); err != nil {
				a.fail(&report, dst, err)
				continue
			}
			report.Written++
		}
	}

	a.log.WithFields(logrus.Fields{
		"class":   class,
		"sources": len(files),
		"written": report.Written,
		"failed":  len(report.Failed),
	}).Info("class augmented")
	return report, nil
}

// AugmentAll augments every class directory under InputDir in name order.
func (a *ClassAugmenter) AugmentAll(ctx context.Context) (types.Report, error) {
	return a.AugmentClasses(ctx, nil)
}

// AugmentClasses augments the named classes. An empty list means every class
// directory under InputDir.
func (a *ClassAugmenter) AugmentClasses(ctx context.Context, classes []string) (types.Report, error) {
	var total types.Report

	if len(classes) == 0 {
		dirs, err := utils.ListSubdirs(a.codec.Fs(), a.config.InputDir)
		if err != nil {
			return total, errors.Wrapf(err, "list classes in %s", a.config.InputDir)
		}
		classes = dirs
	}

	for _, class := range classes {
		report, err := a.AugmentClass(ctx, class)
		total.Merge(report)
		if err != nil {
			return total, errors.Wrapf(err, "augment class %s", class)
		}
	}
	return total, nil
}

func (a *ClassAugmenter) fail(report *types.Report, path string, err error) {
	a.log.WithField("file", path).WithError(err).Warn("augmentation failed")
	report.Fail(path, err)
}
