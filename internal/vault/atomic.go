package vault

import (
	"fmt"
	"path"

	"github.com/go-git/go-billy/v5"
)

// WriteFileAtomic writes data to a temporary file next to name and renames it
// into place, so readers never observe a partial file.
func WriteFileAtomic(fs billy.Filesystem, name string, data []byte) error {
	dir := path.Dir(clean(name))
	if err := fs.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %w", dir, err)
	}
	tmp, err := fs.TempFile(dir, ".sprout-tmp-")
	if err != nil {
		return fmt.Errorf("failed to create temp file for %s: %w", name, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = fs.Remove(tmpName)
		return fmt.Errorf("failed to write %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		_ = fs.Remove(tmpName)
		return fmt.Errorf("failed to close %s: %w", name, err)
	}
	if err := fs.Rename(tmpName, clean(name)); err != nil {
		_ = fs.Remove(tmpName)
		return fmt.Errorf("failed to replace %s: %w", name, err)
	}
	return nil
}
