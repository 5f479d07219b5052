// Package vault gives the sync engine access to the documents and assets of a
// vault directory.
package vault

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/util"
)

// ErrMissingAsset is returned when an image reference resolves to no file.
var ErrMissingAsset = errors.New("vault: missing asset")

// TrashDir receives trashed assets.
const TrashDir = ".trash"

var imageExts = map[string]bool{
	".png": true, ".jpg": true, ".jpeg": true, ".gif": true,
	".webp": true, ".svg": true, ".bmp": true, ".avif": true,
}

// Vault is the host side of a sync run.
type Vault interface {
	// Read returns the current text of a document.
	Read(ctx context.Context, path string) (string, error)
	// Write replaces the text of a document atomically.
	Write(ctx context.Context, path, text string) error
	// List returns every markdown document, sorted.
	List(ctx context.Context) ([]string, error)
	// Exists reports whether a document or asset exists.
	Exists(path string) bool
	// ResolveImage resolves an image reference made from the document at
	// from. It returns ErrMissingAsset when nothing matches.
	ResolveImage(ref, from string) (string, error)
	// Assets returns every image file, sorted.
	Assets(ctx context.Context) ([]string, error)
	// Trash moves an asset into TrashDir.
	Trash(path string) error
}

// FS is a Vault on a billy filesystem.
type FS struct {
	fs billy.Filesystem
}

var _ Vault = (*FS)(nil)

// New returns a Vault rooted at fs.
func New(fs billy.Filesystem) *FS {
	return &FS{fs: fs}
}

func (v *FS) Read(ctx context.Context, p string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	data, err := util.ReadFile(v.fs, p)
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", p, err)
	}
	return string(data), nil
}

func (v *FS) Write(ctx context.Context, p, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return WriteFileAtomic(v.fs, p, []byte(text))
}

func (v *FS) Exists(p string) bool {
	_, err := v.fs.Stat(p)
	return err == nil
}

func (v *FS) List(ctx context.Context) ([]string, error) {
	return v.walk(ctx, func(p string) bool {
		return strings.EqualFold(path.Ext(p), ".md")
	})
}

func (v *FS) Assets(ctx context.Context) ([]string, error) {
	return v.walk(ctx, func(p string) bool {
		return IsImage(p)
	})
}

// IsImage reports whether p names an image file by its extension.
func IsImage(p string) bool {
	return imageExts[strings.ToLower(path.Ext(p))]
}

// walk collects matching files, skipping dot directories such as .git and
// the trash.
func (v *FS) walk(ctx context.Context, match func(string) bool) ([]string, error) {
	var out []string
	err := util.Walk(v.fs, "/", func(p string, info os.FileInfo, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		p = clean(p)
		if info.IsDir() {
			if p != "" && strings.HasPrefix(path.Base(p), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if match(p) {
			out = append(out, p)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk vault: %w", err)
	}
	sort.Strings(out)
	return out, nil
}

func (v *FS) ResolveImage(ref, from string) (string, error) {
	ref = strings.TrimSpace(ref)
	if u, err := url.PathUnescape(ref); err == nil {
		ref = u
	}
	if ref == "" {
		return "", ErrMissingAsset
	}
	candidates := []string{
		clean(path.Join(path.Dir(from), ref)),
		clean(ref),
	}
	for _, c := range candidates {
		if info, err := v.fs.Stat(c); err == nil && !info.IsDir() {
			return c, nil
		}
	}

	// Bare names resolve anywhere in the vault, shortest path first.
	if !strings.Contains(ref, "/") {
		assets, err := v.Assets(context.Background())
		if err != nil {
			return "", err
		}
		var best string
		for _, a := range assets {
			if path.Base(a) == ref && (best == "" || len(a) < len(best)) {
				best = a
			}
		}
		if best != "" {
			return best, nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrMissingAsset, ref)
}

func (v *FS) Trash(p string) error {
	p = clean(p)
	dst := path.Join(TrashDir, p)
	if v.Exists(dst) {
		ext := path.Ext(dst)
		dst = fmt.Sprintf("%s.%d%s", strings.TrimSuffix(dst, ext), time.Now().UnixNano(), ext)
	}
	if err := v.fs.MkdirAll(path.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("failed to create trash directory: %w", err)
	}
	if err := v.fs.Rename(p, dst); err != nil {
		return fmt.Errorf("failed to trash %s: %w", p, err)
	}
	return nil
}

func clean(p string) string {
	return strings.TrimPrefix(path.Clean("/"+filepath.ToSlash(p)), "/")
}
