package bundle

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"
)

// Info is one bundle found on disk.
type Info struct {
	Path     string   `json:"path" yaml:"path"`
	Size     int64    `json:"size" yaml:"size"`
	Metadata Metadata `json:"metadata" yaml:"metadata"`
}

// Enumerate lists the valid bundles directly inside dir, sorted by file name.
// Bundles that fail to decode are logged and skipped.
func Enumerate(dir string, log logrus.FieldLogger) ([]Info, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("list models in %s: %w", dir, err)
	}

	var infos []Info
	for _, entry := range entries {
		if entry.IsDir() || !strings.EqualFold(filepath.Ext(entry.Name()), Ext) {
			continue
		}
		path := filepath.Join(dir, entry.Name())

		fi, err := entry.Info()
		if err != nil {
			log.WithField("path", path).WithError(err).Warn("skipping model bundle")
			continue
		}
		meta, err := ReadMetadata(path)
		if err != nil {
			log.WithField("path", path).WithError(err).Warn("skipping model bundle")
			continue
		}
		infos = append(infos, Info{Path: path, Size: fi.Size(), Metadata: meta})
	}

	sort.Slice(infos, func(i, j int) bool {
		return filepath.Base(infos[i].Path) < filepath.Base(infos[j].Path)
	})
	return infos, nil
}

// Find returns the bundle in dir whose model name or file name (without
// extension) equals name.
func Find(dir, name string, log logrus.FieldLogger) (Info, error) {
	infos, err := Enumerate(dir, log)
	if err != nil {
		return Info{}, err
	}
	for _, info := range infos {
		base := strings.TrimSuffix(filepath.Base(info.Path), filepath.Ext(info.Path))
		if info.Metadata.Name == name || base == name {
			return info, nil
		}
	}
	return Info{}, fmt.Errorf("model %q not found in %s", name, dir)
}
