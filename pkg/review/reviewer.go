package review

import (
	"context"
	"fmt"
	"math/rand"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/menta2k/bbox-classifier/internal/logging"
	"github.com/menta2k/bbox-classifier/internal/utils"
	"github.com/menta2k/bbox-classifier/pkg/client"
	"github.com/menta2k/bbox-classifier/pkg/imageio"
	"github.com/menta2k/bbox-classifier/pkg/types"
)

// PromptTemplate asks the model to confirm one class label. %s is the class.
const PromptTemplate = `You are checking labels of an image classification dataset.
The image is a crop that was labelled "%s".

Return JSON only:
{
  "label_matches": true,
  "observed_label": "string",
  "confidence": 0.0,
  "reason": "short neutral sentence"
}

RULES
- label_matches is true only if the main object of the crop is a "%s".
- observed_label names what you actually see, lowercase, one or two words.
- confidence is between 0 and 1.
- JSON only. No markdown, no code fences, no comments, no trailing commas.`

// Options configures image preparation and sampling
type Options struct {
	MaxSide int
	Quality int
	Seed    int64
}

// Reviewer sends sampled crops of a class to a vision model and collects its
// verdicts.
type Reviewer struct {
	client client.VisionClient
	codec  *imageio.Codec
	opts   Options
	rng    *rand.Rand
	log    logrus.FieldLogger
}

// NewReviewer creates a Reviewer
func NewReviewer(vc client.VisionClient, fs afero.Fs, opts Options, log logrus.FieldLogger) *Reviewer {
	if log == nil {
		log = logging.Discard()
	}
	if opts.MaxSide == 0 {
		opts.MaxSide = 768
	}
	if opts.Quality == 0 {
		opts.Quality = 85
	}
	return &Reviewer{
		client: vc,
		codec:  imageio.New(fs),
		opts:   opts,
		rng:    rand.New(rand.NewSource(opts.Seed)),
		log:    log,
	}
}

// Prompt returns the review prompt for class
func Prompt(class string) string {
	return fmt.Sprintf(PromptTemplate, class, class)
}

// ReviewClass reviews up to sample randomly chosen images of dir/class. A
// sample of zero or less reviews every image. Images that cannot be loaded or
// sent are recorded in the report and skipped; unparsable replies come back
// as fallback verdicts. Report.Written counts the verdicts.
func (r *Reviewer) ReviewClass(ctx context.Context, model, dir, class string, sample int) ([]types.LabelVerdict, types.Report, error) {
	var report types.Report
	classDir := filepath.Join(dir, class)
	fs := r.codec.Fs()
	if !utils.DirExists(fs, classDir) {
		return nil, report, errors.Errorf("class directory %s does not exist", classDir)
	}
	files, err := utils.ListFiles(fs, classDir)
	if err != nil {
		return nil, report, errors.Wrapf(err, "list %s", classDir)
	}

	var images []string
	for _, f := range files {
		if utils.IsImageFile(f) {
			images = append(images, f)
		}
	}
	sort.Strings(images)
	if sample > 0 && sample < len(images) {
		r.rng.Shuffle(len(images), func(i, j int) { images[i], images[j] = images[j], images[i] })
		images = images[:sample]
		sort.Strings(images)
	}

	prompt := Prompt(class)
	verdicts := make([]types.LabelVerdict, 0, len(images))
	for _, name := range images {
		if err := ctx.Err(); err != nil {
			return verdicts, report, err
		}
		path := filepath.Join(classDir, name)
		log := r.log.WithFields(logrus.Fields{"class": class, "file": path})

		img, err := r.codec.Load(path)
		if err != nil {
			log.WithError(err).Warn("review skipped")
			report.Fail(path, err)
			continue
		}
		b64, err := imageio.PrepareForModel(img, r.opts.MaxSide, r.opts.Quality)
		if err != nil {
			log.WithError(err).Warn("review skipped")
			report.Fail(path, err)
			continue
		}

		v, err := r.client.ReviewLabel(ctx, model, prompt, b64)
		if err != nil {
			if ctx.Err() != nil {
				return verdicts, report, ctx.Err()
			}
			log.WithError(err).Warn("review request failed")
			report.Fail(path, err)
			continue
		}
		v.File = path
		v.Class = class
		verdicts = append(verdicts, *normalize(v, class))
		report.Written++

		log.WithFields(logrus.Fields{
			"matches":  v.Matches,
			"observed": v.ObservedLabel,
			"fallback": v.Fallback,
		}).Debug("crop reviewed")
	}
	return verdicts, report, nil
}

// normalize treats a verdict whose observed label is the class itself as a
// match, whatever label_matches said.
func normalize(v *types.LabelVerdict, class string) *types.LabelVerdict {
	if v.Fallback {
		return v
	}
	if strings.EqualFold(strings.TrimSpace(v.ObservedLabel), strings.TrimSpace(class)) {
		v.Matches = true
	}
	return v
}

// Summary counts matches, mismatches and fallbacks
type Summary struct {
	Reviewed   int `json:"reviewed"`
	Matches    int `json:"matches"`
	Mismatches int `json:"mismatches"`
	Fallbacks  int `json:"fallbacks"`
}

// Summarize tallies verdicts
func Summarize(verdicts []types.LabelVerdict) Summary {
	var s Summary
	for _, v := range verdicts {
		s.Reviewed++
		switch {
		case v.Fallback:
			s.Fallbacks++
		case v.Matches:
			s.Matches++
		default:
			s.Mismatches++
		}
	}
	return s
}
