package build

import (
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/conneroisu/snowdrift/internal/errors"
	"github.com/conneroisu/snowdrift/internal/urls"
)

// MountedFile is a source file and the mount that owns it.
type MountedFile struct {
	Path  string
	Mount urls.MountEntry
}

// ListFiles returns every mounted file that is not excluded, sorted by
// path. Dotfiles are skipped unless their mount includes them, and a file
// under two mounts belongs to the first.
func ListFiles(root string, mapper *urls.Mapper, exclude []string) ([]MountedFile, error) {
	seen := map[string]bool{}
	var files []MountedFile
	for _, mount := range mapper.Mounts {
		if _, err := os.Stat(mount.DiskPath); err != nil {
			continue
		}
		err := doublestar.GlobWalk(os.DirFS(mount.DiskPath), "**", func(rel string, d fs.DirEntry) error {
			file := filepath.Join(mount.DiskPath, filepath.FromSlash(rel))
			if seen[file] || Excluded(root, file, exclude) || (!mount.IncludeDotfiles && hasDotSegment(rel)) {
				return nil
			}
			if owner, ok := mapper.MountEntryForFile(file); ok && owner.DiskPath != mount.DiskPath {
				return nil
			}
			seen[file] = true
			files = append(files, MountedFile{Path: file, Mount: mount})
			return nil
		}, doublestar.WithFilesOnly())
		if err != nil {
			return nil, errors.NewIOError(errors.ErrCodeReadFailed, "cannot list "+mount.DiskPath, err)
		}
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	return files, nil
}

// Excluded reports whether file matches one of the doublestar patterns,
// tested against the path relative to root and the absolute path.
func Excluded(root, file string, exclude []string) bool {
	rel, err := filepath.Rel(root, file)
	if err != nil {
		rel = file
	}
	rel = filepath.ToSlash(rel)
	for _, pattern := range exclude {
		if ok, _ := doublestar.Match(pattern, rel); ok {
			return true
		}
		if ok, _ := doublestar.Match(pattern, filepath.ToSlash(file)); ok {
			return true
		}
	}
	return false
}

func hasDotSegment(rel string) bool {
	for _, seg := range strings.Split(rel, "/") {
		if strings.HasPrefix(seg, ".") {
			return true
		}
	}
	return false
}
