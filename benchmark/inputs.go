package benchmark

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"

	"github.com/cyclopcam/logs"
	"github.com/nvr-ai/go-yolobench/common"
	"github.com/nvr-ai/go-yolobench/util"
	"github.com/pkg/errors"
)

// ImageEntry is one line of the image list.
type ImageEntry struct {
	Path string `json:"path"`
	ID   string `json:"id"`
}

// ImageID returns the final path segment up to its first '.', so
// "VOC2007/JPEGImages/000001.jpg" becomes "000001".
func ImageID(path string) string {
	base := filepath.Base(path)
	if i := strings.IndexByte(base, '.'); i >= 0 {
		return base[:i]
	}
	return base
}

// readLines returns the trimmed, non-empty lines of path, without '#'
// comments.
func readLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, common.WrapIO(err, path)
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		lines = append(lines, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, common.WrapIO(errors.Wrapf(err, "failed to read %s", path), path)
	}
	return lines, nil
}

// ReadImageList reads one image path per line. A directory is accepted in
// place of a list file and contributes every image file it holds.
//
// Arguments:
//   - path: The image list file or image directory.
//
// Returns:
//   - The entries in file order. KindIO when the file is unreadable or lists
//     no images.
func ReadImageList(path string) ([]ImageEntry, error) {
	var (
		lines []string
		err   error
	)
	if info, statErr := os.Stat(path); statErr == nil && info.IsDir() {
		var files []util.ImageFile
		files, err = util.LoadDirectoryImageFiles(path)
		for _, f := range files {
			lines = append(lines, f.Path)
		}
		if err != nil {
			err = common.WrapIO(err, path)
		}
	} else {
		lines, err = readLines(path)
	}
	if err != nil {
		return nil, err
	}
	if len(lines) == 0 {
		return nil, common.IOErrorf("image list %s is empty", path)
	}
	entries := make([]ImageEntry, len(lines))
	for i, l := range lines {
		entries[i] = ImageEntry{Path: l, ID: ImageID(l)}
	}
	return entries, nil
}

// ReadLabels reads one class label per line; the line index is the class
// index. The count must equal classes.
func ReadLabels(path string, classes int) ([]string, error) {
	labels, err := readLines(path)
	if err != nil {
		return nil, err
	}
	if len(labels) == 0 {
		return nil, common.IOErrorf("label file %s is empty", path)
	}
	if len(labels) != classes {
		return nil, common.ConfigErrorf("label file %s has %d labels, configured for %d classes", path, len(labels), classes)
	}
	return labels, nil
}

// CheckCalibration verifies a configured calibration artifact is readable.
// An empty path means no calibration.
func CheckCalibration(path string) error {
	if path == "" {
		return nil
	}
	f, err := os.Open(path)
	if err != nil {
		return common.WrapIO(errors.Wrap(err, "calibration artifact not readable"), path)
	}
	return f.Close()
}

// CheckMean reports whether the legacy mean file can be used. A missing file
// only produces a warning.
func CheckMean(path string, log logs.Log) bool {
	if path == "" {
		return false
	}
	if _, err := os.Stat(path); err != nil {
		log.Warnf("Mean file %s not found, continuing without it", path)
		return false
	}
	log.Infof("Mean file %s found; letterboxed inputs are not mean-subtracted", path)
	return true
}
