package annotations

import (
	"io"

	"github.com/goccy/go-json"
	"github.com/pkg/errors"
	"github.com/spf13/afero"

	"github.com/menta2k/bbox-classifier/pkg/types"
)

type cocoImage struct {
	ID       int64  `json:"id"`
	FileName string `json:"file_name"`
	Width    int    `json:"width"`
	Height   int    `json:"height"`
}

type cocoAnnotation struct {
	ID         int64     `json:"id"`
	ImageID    int64     `json:"image_id"`
	CategoryID int64     `json:"category_id"`
	BBox       []float64 `json:"bbox"`
}

type cocoCategory struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

type cocoFile struct {
	Images      []cocoImage      `json:"images"`
	Annotations []cocoAnnotation `json:"annotations"`
	Categories  []cocoCategory   `json:"categories"`
}

// LoadCOCO reads a COCO detection file and flattens it into an annotation
// table: one row per COCO annotation, joined with its image and category.
func LoadCOCO(fs afero.Fs, path string) ([]types.Annotation, error) {
	f, err := fs.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open coco file")
	}
	defer f.Close()

	anns, err := ReadCOCO(f)
	if err != nil {
		return nil, errors.Wrapf(err, "load %s", path)
	}
	return anns, nil
}

// ReadCOCO flattens a COCO document read from r. Annotations pointing at an
// unknown image are an error; an unknown category keeps an empty class name.
func ReadCOCO(r io.Reader) ([]types.Annotation, error) {
	var doc cocoFile
	if err := json.NewDecoder(r).Decode(&doc); err != nil {
		return nil, errors.Wrap(err, "decode coco")
	}

	images := make(map[int64]cocoImage, len(doc.Images))
	for _, img := range doc.Images {
		images[img.ID] = img
	}
	categories := make(map[int64]string, len(doc.Categories))
	for _, c := range doc.Categories {
		categories[c.ID] = c.Name
	}

	anns := make([]types.Annotation, 0, len(doc.Annotations))
	for _, a := range doc.Annotations {
		img, ok := images[a.ImageID]
		if !ok {
			return nil, errors.Errorf("annotation %d references unknown image %d", a.ID, a.ImageID)
		}
		anns = append(anns, types.Annotation{
			FileName: img.FileName,
			IDAnn:    a.ID,
			Name:     categories[a.CategoryID],
			BBox:     a.BBox,
			Width:    img.Width,
			Height:   img.Height,
		})
	}
	return anns, nil
}
