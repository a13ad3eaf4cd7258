package crawler

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ListFiles returns every regular file found under root, recursing into
// subdirectories. Files whose name starts with "." are left out of the result,
// but directories are always descended into regardless of their name.
// The order of the returned paths is not defined.
func ListFiles(root string) ([]string, error) {
	pending, err := readDirPaths(root)
	if err != nil {
		return nil, err
	}

	var files []string
	for i := 0; i < len(pending); i++ {
		path := pending[i]

		info, err := os.Stat(path)
		if err != nil {
			return nil, fmt.Errorf("failed to stat %s: %w", path, err)
		}

		if info.IsDir() {
			children, err := readDirPaths(path)
			if err != nil {
				return nil, err
			}
			pending = append(pending, children...)
			continue
		}

		if IsHidden(path) {
			continue
		}
		files = append(files, path)
	}

	return files, nil
}

// ListDirs returns the immediate subdirectories of root. It does not recurse.
func ListDirs(root string) ([]string, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("failed to read directory %s: %w", root, err)
	}

	var dirs []string
	for _, entry := range entries {
		path := filepath.Join(root, entry.Name())
		if entry.IsDir() {
			dirs = append(dirs, path)
			continue
		}
		// Symlinks to directories count as directories.
		if entry.Type()&os.ModeSymlink != 0 {
			if info, err := os.Stat(path); err == nil && info.IsDir() {
				dirs = append(dirs, path)
			}
		}
	}
	return dirs, nil
}

// IsHidden reports whether the final element of path starts with a dot.
func IsHidden(path string) bool {
	return strings.HasPrefix(filepath.Base(path), ".")
}

// readDirPaths lists dir without sorting its entries.
func readDirPaths(dir string) ([]string, error) {
	f, err := os.Open(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to open directory %s: %w", dir, err)
	}
	defer f.Close()

	names, err := f.Readdirnames(-1)
	if err != nil {
		return nil, fmt.Errorf("failed to read directory %s: %w", dir, err)
	}

	paths := make([]string, 0, len(names))
	for _, name := range names {
		paths = append(paths, filepath.Join(dir, name))
	}
	return paths, nil
}
