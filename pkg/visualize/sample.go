package visualize

import (
	"image"
	"math/rand"
	"path/filepath"
	"sort"

	"github.com/pkg/errors"
	"github.com/spf13/afero"

	"github.com/menta2k/bbox-classifier/internal/utils"
	"github.com/menta2k/bbox-classifier/pkg/imageio"
	"github.com/menta2k/bbox-classifier/pkg/types"
)

// ErrNotFound is returned when nothing matches the requested selection
var ErrNotFound = errors.New("nothing to show")

// RandomAnnotated picks a random annotation with a scaled box, restricted to
// class when it is not empty, and draws that box on its image.
func RandomAnnotated(fs afero.Fs, anns []types.Annotation, imagesDir, class string, rng *rand.Rand) (*image.NRGBA, types.Annotation, error) {
	var candidates []types.Annotation
	for _, a := range anns {
		if a.Scaled != nil && (class == "" || a.Name == class) {
			candidates = append(candidates, a)
		}
	}
	if len(candidates) == 0 {
		return nil, types.Annotation{}, errors.Wrapf(ErrNotFound, "no annotated images for class %q", class)
	}

	ann := candidates[rng.Intn(len(candidates))]
	img, err := imageio.New(fs).Load(filepath.Join(imagesDir, ann.FileName))
	if err != nil {
		return nil, ann, err
	}
	return DrawBoxes(img, []types.Box{*ann.Scaled}, nil), ann, nil
}

// MultiBox draws every scaled box of one image with its class label. When
// fileName is empty a random image with more than one box is chosen.
func MultiBox(fs afero.Fs, anns []types.Annotation, imagesDir, fileName string, rng *rand.Rand) (*image.NRGBA, string, error) {
	byFile := make(map[string][]types.Annotation)
	for _, a := range anns {
		if a.Scaled != nil {
			byFile[a.FileName] = append(byFile[a.FileName], a)
		}
	}

	if fileName == "" {
		var multi []string
		for f, rows := range byFile {
			if len(rows) > 1 {
				multi = append(multi, f)
			}
		}
		if len(multi) == 0 {
			return nil, "", errors.Wrap(ErrNotFound, "no images with multiple boxes")
		}
		sort.Strings(multi)
		fileName = multi[rng.Intn(len(multi))]
	}

	rows := byFile[fileName]
	if len(rows) == 0 {
		return nil, fileName, errors.Wrapf(ErrNotFound, "no boxes for image %s", fileName)
	}

	img, err := imageio.New(fs).Load(filepath.Join(imagesDir, fileName))
	if err != nil {
		return nil, fileName, err
	}

	boxes := make([]types.Box, len(rows))
	labels := make([]string, len(rows))
	for i, a := range rows {
		boxes[i] = *a.Scaled
		labels[i] = a.Name
	}
	return DrawBoxes(img, boxes, labels), fileName, nil
}

// RandomAugmented loads a random file from root/class.
func RandomAugmented(fs afero.Fs, root, class string, rng *rand.Rand) (image.Image, string, error) {
	dir := filepath.Join(root, class)
	if !utils.DirExists(fs, dir) {
		return nil, "", errors.Wrapf(ErrNotFound, "class folder %s does not exist", dir)
	}
	files, err := utils.ListFiles(fs, dir)
	if err != nil {
		return nil, "", errors.Wrapf(err, "list %s", dir)
	}
	if len(files) == 0 {
		return nil, "", errors.Wrapf(ErrNotFound, "class folder %s is empty", dir)
	}
	sort.Strings(files)

	path := filepath.Join(dir, files[rng.Intn(len(files))])
	img, err := imageio.New(fs).Load(path)
	if err != nil {
		return nil, path, err
	}
	return img, path, nil
}
