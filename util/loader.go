// Package util - filesystem helpers shared by the command line tools.
package util

import (
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/nvr-ai/go-yolobench/images"
)

// ImageFile represents an image file found in a directory.
type ImageFile struct {
	// Path is the path to the image file.
	Path string
	// Frame is the number in the file name (frame-000123.jpg, 000123.png),
	// or -1 when the name has none.
	Frame int
}

// LoadDirectoryImageFiles lists the image files of a directory.
//
// Arguments:
// - dir: Directory path containing image files.
//
// Returns:
// - []ImageFile: Files with a known image extension, numbered files first in
// frame order, then the rest by name.
// - error: Error if the directory cannot be read.
func LoadDirectoryImageFiles(dir string) ([]ImageFile, error) {
	files, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var found []ImageFile
	for _, file := range files {
		if file.IsDir() {
			continue
		}
		if _, ok := images.FormatOf(file.Name()); !ok {
			continue
		}
		found = append(found, ImageFile{
			Path:  filepath.Join(dir, file.Name()),
			Frame: frameNumber(file.Name()),
		})
	}

	sort.SliceStable(found, func(i, j int) bool {
		a, b := found[i], found[j]
		if (a.Frame < 0) != (b.Frame < 0) {
			return a.Frame >= 0
		}
		if a.Frame != b.Frame {
			return a.Frame < b.Frame
		}
		return a.Path < b.Path
	})

	return found, nil
}

func frameNumber(name string) int {
	stem := strings.TrimSuffix(name, filepath.Ext(name))
	frame, err := strconv.Atoi(strings.TrimPrefix(stem, "frame-"))
	if err != nil || frame < 0 {
		return -1
	}
	return frame
}
