package dataset

import (
	"image"
	"math/rand"
	"path/filepath"
	"sort"

	"github.com/disintegration/imaging"
	"github.com/nfnt/resize"
	"github.com/pkg/errors"
	"github.com/spf13/afero"

	"github.com/menta2k/bbox-classifier/internal/utils"
	"github.com/menta2k/bbox-classifier/pkg/augment"
	"github.com/menta2k/bbox-classifier/pkg/imageio"
)

// Channels is the number of color channels fed to the model
const Channels = 3

var (
	// ErrNoClasses is returned when the root holds no class directories.
	ErrNoClasses = errors.New("no class directories found")
	// ErrNoImages is returned when the class directories hold no images.
	ErrNoImages = errors.New("no images found")
)

// Options controls how a directory tree is turned into a dataset
type Options struct {
	Height int
	Width  int
	// ValidationSplit is the fraction of shuffled samples held out when the
	// tree is not already split into train/ and val/.
	ValidationSplit float64
	Seed            int64
}

// Sample is one image file and its class index
type Sample struct {
	Path  string
	Label int
}

// Dataset lists the images of a class-per-directory tree. Pixels are decoded
// on demand.
type Dataset struct {
	codec      *imageio.Codec
	opts       Options
	ClassNames []string
	Train      []Sample
	Val        []Sample
}

// FromDirectory builds a dataset from root. If root contains train/ and
// val/ (or validation/) subtrees those are used as-is. Otherwise every
// subdirectory of root is a class, samples are shuffled with Seed and the
// last ValidationSplit fraction becomes the validation set.
func FromDirectory(fs afero.Fs, root string, opts Options) (*Dataset, error) {
	if opts.Height <= 0 || opts.Width <= 0 {
		return nil, errors.Errorf("invalid image size %dx%d", opts.Width, opts.Height)
	}
	if opts.ValidationSplit < 0 || opts.ValidationSplit >= 1 {
		return nil, errors.Errorf("validation split %v must be in [0, 1)", opts.ValidationSplit)
	}

	d := &Dataset{codec: imageio.New(fs), opts: opts}

	trainDir := filepath.Join(root, "train")
	valDir := ""
	for _, name := range []string{"val", "validation"} {
		if utils.DirExists(fs, filepath.Join(root, name)) {
			valDir = filepath.Join(root, name)
			break
		}
	}

	if utils.DirExists(fs, trainDir) && valDir != "" {
		classes, err := utils.ListSubdirs(fs, trainDir)
		if err != nil {
			return nil, errors.Wrapf(err, "list classes in %s", trainDir)
		}
		if len(classes) == 0 {
			return nil, errors.Wrap(ErrNoClasses, trainDir)
		}
		d.ClassNames = classes
		if d.Train, err = collect(fs, trainDir, classes); err != nil {
			return nil, err
		}
		if d.Val, err = collect(fs, valDir, classes); err != nil {
			return nil, err
		}
	} else {
		classes, err := utils.ListSubdirs(fs, root)
		if err != nil {
			return nil, errors.Wrapf(err, "list classes in %s", root)
		}
		if len(classes) == 0 {
			return nil, errors.Wrap(ErrNoClasses, root)
		}
		d.ClassNames = classes

		all, err := collect(fs, root, classes)
		if err != nil {
			return nil, err
		}
		Shuffle(all, rand.New(rand.NewSource(opts.Seed)))
		nVal := int(float64(len(all)) * opts.ValidationSplit)
		d.Train = all[:len(all)-nVal]
		d.Val = all[len(all)-nVal:]
	}

	if len(d.Train) == 0 {
		return nil, errors.Wrapf(ErrNoImages, "training set under %s", root)
	}
	return d, nil
}

// collect lists image files of each class under dir. A class missing from dir
// contributes no samples.
func collect(fs afero.Fs, dir string, classes []string) ([]Sample, error) {
	var samples []Sample
	for label, class := range classes {
		classDir := filepath.Join(dir, class)
		if !utils.DirExists(fs, classDir) {
			continue
		}
		files, err := utils.ListFiles(fs, classDir)
		if err != nil {
			return nil, errors.Wrapf(err, "list %s", classDir)
		}
		sort.Strings(files)
		for _, f := range files {
			if utils.IsImageFile(f) {
				samples = append(samples, Sample{Path: filepath.Join(classDir, f), Label: label})
			}
		}
	}
	return samples, nil
}

// Shuffle permutes samples in place
func Shuffle(samples []Sample, rng *rand.Rand) {
	rng.Shuffle(len(samples), func(i, j int) {
		samples[i], samples[j] = samples[j], samples[i]
	})
}

// SampleSize is the number of float32 values of one decoded sample
func (d *Dataset) SampleSize() int {
	return Channels * d.opts.Height * d.opts.Width
}

// Options returns the options the dataset was built with
func (d *Dataset) Options() Options {
	return d.opts
}

// Load decodes one image, resizes it to the dataset size and optionally runs
// pipeline on it.
func (d *Dataset) Load(path string, pipeline augment.Pipeline, rng *rand.Rand) (*image.NRGBA, error) {
	img, err := d.codec.Load(path)
	if err != nil {
		return nil, err
	}

	b := img.Bounds()
	if b.Dx() != d.opts.Width || b.Dy() != d.opts.Height {
		img = resize.Resize(uint(d.opts.Width), uint(d.opts.Height), img, resize.Bilinear)
	}
	if len(pipeline) > 0 {
		return pipeline.Apply(img, rng), nil
	}
	return imaging.Clone(img), nil
}

// Batch holds decoded samples in NCHW order with pixel values in 0..255
type Batch struct {
	X      []float32
	Labels []int
	Paths  []string
}

// Len returns the number of samples in the batch
func (b *Batch) Len() int {
	return len(b.Labels)
}

// NumBatches returns how many batches of size cover n samples
func NumBatches(n, size int) int {
	if size <= 0 {
		return 0
	}
	return (n + size - 1) / size
}

// Batch decodes samples[start:start+size]. The final batch may be short.
func (d *Dataset) Batch(samples []Sample, start, size int, pipeline augment.Pipeline, rng *rand.Rand) (*Batch, error) {
	end := start + size
	if end > len(samples) {
		end = len(samples)
	}
	if start < 0 || start >= end {
		return nil, errors.Errorf("batch start %d out of range [0, %d)", start, len(samples))
	}

	n := end - start
	hw := d.opts.Height * d.opts.Width
	batch := &Batch{
		X:      make([]float32, n*d.SampleSize()),
		Labels: make([]int, n),
		Paths:  make([]string, n),
	}

	for i, s := range samples[start:end] {
		img, err := d.Load(s.Path, pipeline, rng)
		if err != nil {
			return nil, errors.Wrapf(err, "load %s", s.Path)
		}
		ToCHW(img, batch.X[i*d.SampleSize():(i+1)*d.SampleSize()], hw)
		batch.Labels[i] = s.Label
		batch.Paths[i] = s.Path
	}
	return batch, nil
}

// ToCHW writes the RGB channels of img into dst as three planes of hw values.
func ToCHW(img *image.NRGBA, dst []float32, hw int) {
	red := dst[0:hw]
	green := dst[hw : 2*hw]
	blue := dst[2*hw : 3*hw]

	i := 0
	for p := 0; p+3 < len(img.Pix) && i < hw; p += 4 {
		red[i] = float32(img.Pix[p+0])
		green[i] = float32(img.Pix[p+1])
		blue[i] = float32(img.Pix[p+2])
		i++
	}
}
