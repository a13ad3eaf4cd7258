package dir

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"image-compressor-go/internal/crawler"
)

var (
	// ErrNotEmpty is returned by Prune when a visible file remains somewhere
	// below the root.
	ErrNotEmpty = errors.New("directory is not empty")
	// ErrNotDirectory is returned by Prune when the root is not a directory.
	ErrNotDirectory = errors.New("not a directory")
)

// Prune removes root and everything below it if the tree holds nothing but
// directories and hidden files. When any visible file exists anywhere in the
// tree, Prune returns ErrNotEmpty and removes nothing at all, including
// sub-branches that were empty on their own.
func Prune(root string) error {
	info, err := os.Stat(root)
	if err != nil || !info.IsDir() {
		return fmt.Errorf("%s: %w", root, ErrNotDirectory)
	}

	blocker, err := findBlocker(root)
	if err != nil {
		return err
	}
	if blocker != "" {
		return fmt.Errorf("%s: %w (contains %s)", root, ErrNotEmpty, blocker)
	}

	if err := os.RemoveAll(root); err != nil {
		return fmt.Errorf("failed to remove %s: %w", root, err)
	}
	return nil
}

// findBlocker walks dir depth-first and returns the first visible non-directory
// entry it meets, or "" when the subtree is removable.
func findBlocker(dir string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", fmt.Errorf("failed to read directory %s: %w", dir, err)
	}

	for _, entry := range entries {
		path := filepath.Join(dir, entry.Name())
		if entry.IsDir() {
			blocker, err := findBlocker(path)
			if err != nil {
				return "", err
			}
			if blocker != "" {
				return blocker, nil
			}
			continue
		}
		if !crawler.IsHidden(path) {
			return path, nil
		}
	}
	return "", nil
}
