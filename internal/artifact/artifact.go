// Package artifact publishes directories produced by steps into the artifact
// root and computes content digests for them.
//
// Layout: <root>/<run-id>/<artifact-name>/...
//
// The digest of a tree is domain-separated (see ir.NewArtifactHasher) and
// depends only on relative paths, file modes relevant to content (symlink vs
// file) and file contents, so publishing the same tree twice yields the same
// digest.
package artifact

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/roach88/cimatrix/internal/ir"
)

// ErrAlreadyPublished is returned when an artifact name is reused within a run.
var ErrAlreadyPublished = errors.New("artifact already published")

// Publisher copies artifact directories under Root.
type Publisher struct {
	Root string
}

// Result describes one published artifact.
type Result struct {
	Name       string
	SourcePath string // As resolved against the step's working directory
	Path       string // Published location
	Files      int
	Digest     string
}

// Publish copies src into <Root>/<runID>/<name>.
//
// src may be a directory or a single file. A missing source is an error;
// so is publishing the same name twice in one run.
func (p *Publisher) Publish(runID, name, src string) (*Result, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	if p.Root == "" {
		return nil, fmt.Errorf("publish %q: artifact root is not configured", name)
	}

	info, err := os.Stat(src)
	if err != nil {
		return nil, fmt.Errorf("publish %q: source %s: %w", name, src, err)
	}

	dst := filepath.Join(p.Root, runID, name)
	if _, err := os.Lstat(dst); err == nil {
		return nil, fmt.Errorf("publish %q: %w", name, ErrAlreadyPublished)
	}
	if err := os.MkdirAll(dst, 0o755); err != nil {
		return nil, fmt.Errorf("publish %q: %w", name, err)
	}

	if info.IsDir() {
		if _, err := CopyTree(src, dst, nil); err != nil {
			return nil, fmt.Errorf("publish %q: %w", name, err)
		}
	} else {
		if err := copyFile(src, filepath.Join(dst, filepath.Base(src)), info.Mode()); err != nil {
			return nil, fmt.Errorf("publish %q: %w", name, err)
		}
	}

	digest, files, err := Digest(dst)
	if err != nil {
		return nil, fmt.Errorf("publish %q: %w", name, err)
	}

	return &Result{
		Name:       name,
		SourcePath: src,
		Path:       dst,
		Files:      files,
		Digest:     digest,
	}, nil
}

// ValidateName rejects names that would escape the run directory.
func ValidateName(name string) error {
	switch {
	case strings.TrimSpace(name) == "":
		return errors.New("artifact name is empty")
	case name == "." || name == "..":
		return fmt.Errorf("invalid artifact name %q", name)
	case strings.ContainsAny(name, `/\`):
		return fmt.Errorf("artifact name %q must not contain path separators", name)
	}
	return nil
}

// SkipFunc decides whether a path (slash-separated, relative to the source
// root) is left out of a copy. Returning true for a directory skips it whole.
type SkipFunc func(rel string, d fs.DirEntry) bool

// CopyTree copies the directory tree at src into dst, creating dst if
// needed. Symlinks are recreated, not followed. Returns the number of files
// copied.
func CopyTree(src, dst string, skip SkipFunc) (int, error) {
	files := 0
	err := filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return os.MkdirAll(dst, 0o755)
		}
		if skip != nil && skip(filepath.ToSlash(rel), d) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		target := filepath.Join(dst, rel)
		switch {
		case d.IsDir():
			return os.MkdirAll(target, 0o755)
		case d.Type()&fs.ModeSymlink != 0:
			link, err := os.Readlink(path)
			if err != nil {
				return err
			}
			files++
			return os.Symlink(link, target)
		case d.Type().IsRegular():
			info, err := d.Info()
			if err != nil {
				return err
			}
			files++
			return copyFile(path, target, info.Mode())
		}
		// Sockets, devices and pipes are not copied.
		return nil
	})
	if err != nil {
		return files, fmt.Errorf("copy %s: %w", src, err)
	}
	return files, nil
}

func copyFile(src, dst string, mode fs.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode.Perm()|0o200)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// Digest hashes the tree at root and counts its files.
//
// Format per entry, in lexical path order:
//
//	"f" + 0x00 + relpath + 0x00 + hex(sha256(content)) + 0x00
//	"l" + 0x00 + relpath + 0x00 + linktarget + 0x00
//
// Directories contribute only through the files they contain.
func Digest(root string) (string, int, error) {
	h := ir.NewArtifactHasher()
	files := 0

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)

		switch {
		case d.Type()&fs.ModeSymlink != 0:
			link, err := os.Readlink(path)
			if err != nil {
				return err
			}
			writeEntry(h, "l", rel, filepath.ToSlash(link))
		case d.Type().IsRegular():
			sum, err := fileSum(path)
			if err != nil {
				return err
			}
			writeEntry(h, "f", rel, sum)
		default:
			return nil
		}
		files++
		return nil
	})
	if err != nil {
		return "", 0, fmt.Errorf("digest %s: %w", root, err)
	}
	return hex.EncodeToString(h.Sum(nil)), files, nil
}

func writeEntry(w io.Writer, kind, rel, value string) {
	for _, part := range []string{kind, rel, value} {
		io.WriteString(w, part)
		w.Write([]byte{0x00})
	}
}

func fileSum(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
