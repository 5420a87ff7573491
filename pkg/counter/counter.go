package counter

import (
	"path/filepath"
	"sort"

	"github.com/pkg/errors"
	"github.com/spf13/afero"

	"github.com/menta2k/bbox-classifier/internal/utils"
	"github.com/menta2k/bbox-classifier/pkg/types"
)

// Count returns the number of regular files directly inside each
// subdirectory of root, sorted by count descending and then by class name.
// Nested directories are not descended into.
func Count(fs afero.Fs, root string) ([]types.ClassCount, error) {
	classes, err := utils.ListSubdirs(fs, root)
	if err != nil {
		return nil, errors.Wrapf(err, "list classes in %s", root)
	}

	counts := make([]types.ClassCount, 0, len(classes))
	for _, class := range classes {
		files, err := utils.ListFiles(fs, filepath.Join(root, class))
		if err != nil {
			return nil, errors.Wrapf(err, "list files of class %s", class)
		}
		counts = append(counts, types.ClassCount{Class: class, Files: len(files)})
	}

	sort.SliceStable(counts, func(i, j int) bool {
		if counts[i].Files != counts[j].Files {
			return counts[i].Files > counts[j].Files
		}
		return counts[i].Class < counts[j].Class
	})
	return counts, nil
}

// AsMap indexes counts by class name
func AsMap(counts []types.ClassCount) map[string]int {
	m := make(map[string]int, len(counts))
	for _, c := range counts {
		m[c.Class] = c.Files
	}
	return m
}

// Total sums the file counts
func Total(counts []types.ClassCount) int {
	n := 0
	for _, c := range counts {
		n += c.Files
	}
	return n
}
