// Package annotations loads and saves annotation tables: one row per labeled
// bounding box with the columns file_name, width, height, bbox, name, id_ann.
//
// Column presence is validated once at load time. A bbox cell that is empty,
// NaN or not a numeric list is kept as a nil box rather than rejected; the
// rescaler turns it into the "no usable box" sentinel.
package annotations

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"io"
	"math"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/goccy/go-json"
	"github.com/pkg/errors"
	"github.com/spf13/afero"

	"github.com/menta2k/bbox-classifier/pkg/types"
)

// Column names of the annotation table.
const (
	ColFileName   = "file_name"
	ColWidth      = "width"
	ColHeight     = "height"
	ColBBox       = "bbox"
	ColName       = "name"
	ColIDAnn      = "id_ann"
	ColBBoxScaled = "bbox_scaled"
)

// RequiredColumns must all be present in a loaded table.
var RequiredColumns = []string{ColFileName, ColWidth, ColHeight, ColBBox, ColName, ColIDAnn}

var (
	// ErrMissingColumn is returned when a required column is absent.
	ErrMissingColumn = errors.New("annotation table is missing a required column")
	// ErrUnsupportedFormat is returned for unknown table file extensions.
	ErrUnsupportedFormat = errors.New("unsupported annotation table format")
)

// Load reads an annotation table, choosing the reader by file extension:
// .csv, .json (array of records) or .jsonl (one record per line).
func Load(fs afero.Fs, path string) ([]types.Annotation, error) {
	f, err := fs.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open annotation table")
	}
	defer f.Close()

	var anns []types.Annotation
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv":
		anns, err = ReadCSV(f)
	case ".json":
		anns, err = ReadJSON(f)
	case ".jsonl", ".ndjson":
		anns, err = ReadJSONLines(f)
	default:
		return nil, errors.Wrap(ErrUnsupportedFormat, path)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "load %s", path)
	}
	return anns, nil
}

// ReadCSV parses a CSV table with a header row.
func ReadCSV(r io.Reader) ([]types.Annotation, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if err != nil {
		return nil, errors.Wrap(err, "read header")
	}

	index := make(map[string]int, len(header))
	for i, col := range header {
		index[strings.TrimSpace(strings.ToLower(col))] = i
	}
	if err := checkColumns(index); err != nil {
		return nil, err
	}

	var anns []types.Annotation
	for line := 2; ; line++ {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.Wrapf(err, "line %d", line)
		}

		cell := func(col string) string {
			i := index[col]
			if i >= len(rec) {
				return ""
			}
			return strings.TrimSpace(rec[i])
		}

		ann := types.Annotation{
			FileName: cell(ColFileName),
			Name:     cell(ColName),
			BBox:     ParseBBox(cell(ColBBox)),
		}
		if ann.Width, err = parseInt(cell(ColWidth)); err != nil {
			return nil, errors.Wrapf(err, "line %d: width", line)
		}
		if ann.Height, err = parseInt(cell(ColHeight)); err != nil {
			return nil, errors.Wrapf(err, "line %d: height", line)
		}
		id, err := parseInt(cell(ColIDAnn))
		if err != nil {
			return nil, errors.Wrapf(err, "line %d: id_ann", line)
		}
		ann.IDAnn = int64(id)

		if i, ok := index[ColBBoxScaled]; ok && i < len(rec) {
			if b := ParseBBox(rec[i]); len(b) == 4 {
				ann.Scaled = &types.Box{X: b[0], Y: b[1], W: b[2], H: b[3]}
			}
		}
		anns = append(anns, ann)
	}
	return anns, nil
}

// record is the JSON shape of one row, kept raw so that column presence can
// be checked and null, "NaN" or malformed bbox values mapped to a nil box.
type record map[string]json.RawMessage

func (rec record) annotation() (types.Annotation, error) {
	for _, col := range RequiredColumns {
		if _, ok := rec[col]; !ok {
			return types.Annotation{}, errors.Wrap(ErrMissingColumn, col)
		}
	}

	var (
		ann           types.Annotation
		width, height float64
	)
	if err := json.Unmarshal(rec[ColFileName], &ann.FileName); err != nil {
		return ann, errors.Wrap(err, ColFileName)
	}
	if err := json.Unmarshal(rec[ColName], &ann.Name); err != nil {
		return ann, errors.Wrap(err, ColName)
	}
	if err := json.Unmarshal(rec[ColIDAnn], &ann.IDAnn); err != nil {
		return ann, errors.Wrap(err, ColIDAnn)
	}
	if err := json.Unmarshal(rec[ColWidth], &width); err != nil {
		return ann, errors.Wrap(err, ColWidth)
	}
	if err := json.Unmarshal(rec[ColHeight], &height); err != nil {
		return ann, errors.Wrap(err, ColHeight)
	}
	ann.Width, ann.Height = int(width), int(height)
	ann.BBox = parseRawBBox(rec[ColBBox])

	if raw, ok := rec[ColBBoxScaled]; ok {
		var box types.Box
		if b := parseRawBBox(raw); len(b) == 4 {
			ann.Scaled = &types.Box{X: b[0], Y: b[1], W: b[2], H: b[3]}
		} else if err := json.Unmarshal(raw, &box); err == nil && string(raw) != "null" {
			ann.Scaled = &box
		}
	}
	return ann, nil
}

// ReadJSON parses a JSON array of records.
func ReadJSON(r io.Reader) ([]types.Annotation, error) {
	var recs []record
	if err := json.NewDecoder(r).Decode(&recs); err != nil {
		return nil, errors.Wrap(err, "decode records")
	}

	anns := make([]types.Annotation, 0, len(recs))
	for i, rec := range recs {
		ann, err := rec.annotation()
		if err != nil {
			return nil, errors.Wrapf(err, "record %d", i)
		}
		anns = append(anns, ann)
	}
	return anns, nil
}

// ReadJSONLines parses one JSON record per line, skipping blank lines.
func ReadJSONLines(r io.Reader) ([]types.Annotation, error) {
	var anns []types.Annotation
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for line := 1; sc.Scan(); line++ {
		raw := bytes.TrimSpace(sc.Bytes())
		if len(raw) == 0 {
			continue
		}
		var rec record
		if err := json.Unmarshal(raw, &rec); err != nil {
			return nil, errors.Wrapf(err, "line %d", line)
		}
		ann, err := rec.annotation()
		if err != nil {
			return nil, errors.Wrapf(err, "line %d", line)
		}
		anns = append(anns, ann)
	}
	if err := sc.Err(); err != nil {
		return nil, errors.Wrap(err, "scan records")
	}
	return anns, nil
}

// ParseBBox parses a textual bbox cell such as "[10, 20, 30, 40]" or
// "10 20 30 40". Empty, NaN and unparsable cells yield nil. The length is not
// checked here.
func ParseBBox(cell string) []float64 {
	s := strings.TrimSpace(cell)
	if s == "" || strings.EqualFold(s, "nan") || strings.EqualFold(s, "none") || strings.EqualFold(s, "null") {
		return nil
	}
	s = strings.TrimPrefix(s, "[")
	s = strings.TrimPrefix(s, "(")
	s = strings.TrimSuffix(s, "]")
	s = strings.TrimSuffix(s, ")")

	fields := strings.FieldsFunc(s, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t'
	})
	if len(fields) == 0 {
		return nil
	}

	out := make([]float64, 0, len(fields))
	for _, f := range fields {
		v, err := strconv.ParseFloat(f, 64)
		if err != nil {
			return nil
		}
		out = append(out, v)
	}
	return out
}

func parseRawBBox(raw json.RawMessage) []float64 {
	var nums []float64
	if err := json.Unmarshal(raw, &nums); err == nil {
		return nums
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return ParseBBox(s)
	}
	return nil
}

func parseInt(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	if v, err := strconv.Atoi(s); err == nil {
		return v, nil
	}
	// integer columns with missing values are often exported as floats ("1920.0")
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) {
		return 0, errors.Errorf("not a number: %q", s)
	}
	return int(f), nil
}

func checkColumns(index map[string]int) error {
	for _, col := range RequiredColumns {
		if _, ok := index[col]; !ok {
			return errors.Wrap(ErrMissingColumn, col)
		}
	}
	return nil
}

// Save writes the table, including bbox_scaled, as CSV or JSON depending on
// the extension of path.
func Save(fs afero.Fs, path string, anns []types.Annotation) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := fs.MkdirAll(dir, 0755); err != nil {
			return errors.Wrap(err, "create table directory")
		}
	}

	f, err := fs.Create(path)
	if err != nil {
		return errors.Wrap(err, "create annotation table")
	}
	defer f.Close()

	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv":
		err = WriteCSV(f, anns)
	case ".json":
		enc := json.NewEncoder(f)
		enc.SetIndent("", "  ")
		err = enc.Encode(jsonSafe(anns))
	default:
		return errors.Wrap(ErrUnsupportedFormat, path)
	}
	return errors.Wrapf(err, "write %s", path)
}

// WriteCSV writes anns with a header row. Nil boxes are written as empty cells.
func WriteCSV(w io.Writer, anns []types.Annotation) error {
	cw := csv.NewWriter(w)
	header := append(append([]string{}, RequiredColumns...), ColBBoxScaled)
	if err := cw.Write(header); err != nil {
		return err
	}

	for _, a := range anns {
		scaled := ""
		if a.Scaled != nil {
			scaled = formatBBox(a.Scaled.Slice())
		}
		row := []string{
			a.FileName,
			strconv.Itoa(a.Width),
			strconv.Itoa(a.Height),
			formatBBox(a.BBox),
			a.Name,
			strconv.FormatInt(a.IDAnn, 10),
			scaled,
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// jsonSafe drops non-finite boxes, which JSON cannot represent.
func jsonSafe(anns []types.Annotation) []types.Annotation {
	out := make([]types.Annotation, len(anns))
	for i, a := range anns {
		for _, v := range a.BBox {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				a.BBox = nil
				break
			}
		}
		out[i] = a
	}
	return out
}

func formatBBox(b []float64) string {
	if b == nil {
		return ""
	}
	parts := make([]string, len(b))
	for i, v := range b {
		parts[i] = strconv.FormatFloat(v, 'f', -1, 64)
	}
	return "[" + strings.Join(parts, ", ") + "]"
}
