package media

import (
	"os"
	"path/filepath"
	"time"

	fiberlog "github.com/gofiber/fiber/v2/log"
)

// Sweep removes downloaded media files older than maxAge and returns how
// many were deleted. Read errors on individual files are logged, not fatal.
func Sweep(dir string, maxAge time.Duration) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}

	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			fiberlog.Warnf("media sweep: cannot stat %s: %v", entry.Name(), err)
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		if err := os.Remove(path); err != nil {
			fiberlog.Warnf("media sweep: cannot remove %s: %v", path, err)
			continue
		}
		removed++
	}

	if removed > 0 {
		fiberlog.Infof("media sweep removed %d files older than %v from %s", removed, maxAge, dir)
	}
	return removed, nil
}
