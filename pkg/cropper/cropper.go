package cropper

import (
	"context"
	"fmt"
	"image"
	"path/filepath"

	"github.com/disintegration/imaging"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/menta2k/bbox-classifier/internal/logging"
	"github.com/menta2k/bbox-classifier/internal/utils"
	"github.com/menta2k/bbox-classifier/pkg/imageio"
	"github.com/menta2k/bbox-classifier/pkg/types"
)

// ErrEmptyCrop is recorded when a box does not overlap its source image.
var ErrEmptyCrop = errors.New("crop rectangle does not overlap the image")

// CropConfig holds configuration for class cropping
type CropConfig struct {
	ImagesDir string
	OutputDir string
	Format    string
	Quality   int
}

// ClassCropper cuts every annotated box out of its source image and stores it
// under a directory named after the annotation's class.
type ClassCropper struct {
	codec  *imageio.Codec
	config CropConfig
	log    logrus.FieldLogger
}

// New creates a ClassCropper with jpg output at quality 90
func New(fs afero.Fs, imagesDir, outputDir string) *ClassCropper {
	return NewWithConfig(fs, CropConfig{
		ImagesDir: imagesDir,
		OutputDir: outputDir,
		Format:    "jpg",
		Quality:   90,
	}, nil)
}

// NewWithConfig creates a ClassCropper with custom configuration
func NewWithConfig(fs afero.Fs, config CropConfig, log logrus.FieldLogger) *ClassCropper {
	if log == nil {
		log = logging.Discard()
	}
	if config.Quality == 0 {
		config.Quality = 90
	}
	return &ClassCropper{
		codec:  imageio.New(fs),
		config: config,
		log:    log,
	}
}

// CropName returns the file name of the crop for one annotation:
// <stem of file_name>_<id_ann>.<ext>
func CropName(ann types.Annotation, format string) string {
	return fmt.Sprintf("%s_%d.%s", utils.Stem(ann.FileName), ann.IDAnn, utils.FormatExtension(format))
}

// CropAll crops every annotation with a non-nil scaled box. Crops that already
// exist are skipped without being recomputed. Source images must already be at
// the resolution the boxes were scaled to.
//
// Unreadable sources and empty crops are recorded in the report and the batch
// continues. Only context cancellation aborts the run.
func (c *ClassCropper) CropAll(ctx context.Context, anns []types.Annotation) (types.Report, error) {
	var report types.Report
	fs := c.codec.Fs()

	// several boxes usually share one image
	var (
		lastPath string
		lastImg  image.Image
		lastErr  error
	)

	for _, ann := range anns {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if ann.Scaled == nil {
			continue
		}

		classDir := filepath.Join(c.config.OutputDir, utils.SanitizeFilename(ann.Name))
		if err := utils.EnsureDir(fs, classDir); err != nil {
			return report, errors.Wrapf(err, "create class directory %s", classDir)
		}

		dst := filepath.Join(classDir, CropName(ann, c.config.Format))
		if utils.FileExists(fs, dst) {
			report.Skipped++
			continue
		}

		src := filepath.Join(c.config.ImagesDir, ann.FileName)
		if src != lastPath {
			lastPath = src
			lastImg, lastErr = c.codec.Load(src)
		}
		if lastErr != nil {
			c.fail(&report, src, ann, lastErr)
			continue
		}

		cropped, err := CropBox(lastImg, *ann.Scaled)
		if err != nil {
			c.fail(&report, src, ann, err)
			continue
		}

		if err := c.codec.Save(cropped, dst, c.config.Format, c.config.Quality); err != nil {
			c.fail(&report, dst, ann, err)
			continue
		}
		report.Written++
	}

	c.log.WithFields(logrus.Fields{
		"written": report.Written,
		"skipped": report.Skipped,
		"failed":  len(report.Failed),
	}).Info("crops saved")
	return report, nil
}

func (c *ClassCropper) fail(report *types.Report, path string, ann types.Annotation, err error) {
	c.log.WithFields(logrus.Fields{
		"file":   path,
		"class":  ann.Name,
		"id_ann": ann.IDAnn,
	}).WithError(err).Warn("crop failed")
	report.Fail(path, err)
}

// CropBox cuts box out of img. The rectangle is clipped to the image bounds.
func CropBox(img image.Image, box types.Box) (*image.NRGBA, error) {
	bounds := img.Bounds()
	rect := box.Rect().Add(bounds.Min).Intersect(bounds)
	if rect.Empty() {
		return nil, errors.Wrapf(ErrEmptyCrop, "box %v in %v", box.Rect(), bounds)
	}
	return imaging.Crop(img, rect), nil
}
