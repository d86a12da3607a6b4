package pictures

import (
	"io/fs"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
)

// Scan returns the picture paths to rotate through.
//
// Search order, first non-empty result wins:
//  1. *.jpg under commonDir (recursive)
//  2. *.png under commonDir
//  3. *.jpg under userDir
//  4. *.png under userDir
//
// Missing or unreadable directories count as empty. Paths are sorted.
func Scan(commonDir, userDir string) []string {
	for _, dir := range []string{commonDir, userDir} {
		if dir == "" {
			continue
		}
		for _, ext := range []string{".jpg", ".png"} {
			if paths := walk(dir, ext); len(paths) > 0 {
				slog.Info("pictures: scan complete",
					"dir", dir,
					"ext", ext,
					"count", len(paths),
				)
				return paths
			}
		}
	}

	slog.Warn("pictures: no pictures found",
		"common_dir", commonDir,
		"user_dir", userDir,
	)
	return nil
}

func walk(root, ext string) []string {
	var paths []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			// Unreadable subtree: skip it, keep walking.
			if d != nil && d.IsDir() && path != root {
				return fs.SkipDir
			}
			return nil
		}
		if !d.IsDir() && strings.EqualFold(filepath.Ext(path), ext) {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		slog.Debug("pictures: walk failed", "dir", root, "error", err)
	}
	sort.Strings(paths)
	return paths
}
