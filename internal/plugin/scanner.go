package plugin

import (
	"errors"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// File is one eligible module file found by Scan.
type File struct {
	Name     string // logical name, FileName without the suffix
	FileName string
	Path     string // absolute, symlinks resolved
	ModTime  time.Time
	// Ignored lists other files that map to the same name (suffixes differing only in
	// case). The first file name in directory order wins.
	Ignored []string
}

// hasSuffix reports whether name ends with suffix, ignoring case.
func hasSuffix(name, suffix string) bool {
	return len(name) > len(suffix) && strings.EqualFold(name[len(name)-len(suffix):], suffix)
}

// ModuleName returns the logical module name for a file name.
func ModuleName(fileName, suffix string) string {
	if !hasSuffix(fileName, suffix) {
		return fileName
	}
	return fileName[:len(fileName)-len(suffix)]
}

// shadowPattern matches shadow artifacts for suffix and their in-flight temp files:
// ".<file><suffix>_<digits>" optionally followed by ".tmp<digits>".
func shadowPattern(suffix string) *regexp.Regexp {
	return regexp.MustCompile(`(?i)^\..+` + regexp.QuoteMeta(suffix) + `_\d+(\.tmp\d*)?$`)
}

// ShadowName returns the shadow artifact name for a module file at modTime.
func ShadowName(fileName string, modTime time.Time) string {
	return "." + fileName + "_" + strconv.FormatInt(modTime.UnixNano(), 10)
}

// Scanner lists eligible module files in one directory.
type Scanner struct {
	dir    string
	suffix string
	shadow *regexp.Regexp
}

// NewScanner creates a scanner for dir and module file suffix (for example ".lua").
func NewScanner(dir, suffix string) *Scanner {
	return &Scanner{
		dir:    dir,
		suffix: suffix,
		shadow: shadowPattern(suffix),
	}
}

// IsShadow reports whether a file name is a shadow artifact (or its temp file).
func (s *Scanner) IsShadow(fileName string) bool {
	return s.shadow.MatchString(fileName)
}

// IsModule reports whether a file name follows the module naming convention.
func (s *Scanner) IsModule(fileName string) bool {
	return hasSuffix(fileName, s.suffix) && !s.IsShadow(fileName)
}

// Scan lists the directory and returns eligible module files keyed by logical name.
// Entries come in file name order, so name conflicts resolve the same way every time.
func (s *Scanner) Scan() (map[string]File, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, &ScanError{Dir: s.dir, Err: err}
	}

	files := make(map[string]File, len(entries))
	for _, entry := range entries {
		fileName := entry.Name()
		if !s.IsModule(fileName) {
			continue
		}
		path := filepath.Join(s.dir, fileName)

		// Stat follows symlinks so a linked module reports its target's mtime
		info, err := os.Stat(path)
		if err != nil || !info.Mode().IsRegular() {
			continue // removed since ReadDir, dangling link, or not a file
		}
		if resolved, err := filepath.EvalSymlinks(path); err == nil {
			path = resolved
		}

		name := ModuleName(fileName, s.suffix)
		if kept, ok := files[name]; ok {
			kept.Ignored = append(kept.Ignored, fileName)
			files[name] = kept
			continue
		}
		files[name] = File{
			Name:     name,
			FileName: fileName,
			Path:     path,
			ModTime:  info.ModTime(),
		}
	}
	return files, nil
}

// Shadows lists the shadow artifacts currently in the directory.
func (s *Scanner) Shadows() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, &ScanError{Dir: s.dir, Err: err}
	}
	var shadows []string
	for _, entry := range entries {
		if !entry.IsDir() && s.IsShadow(entry.Name()) {
			shadows = append(shadows, filepath.Join(s.dir, entry.Name()))
		}
	}
	return shadows, nil
}

// CleanShadows deletes every shadow artifact in dir. Shadows are only live while a
// Session holds them, so any found before attaching are orphans of an earlier process.
// It returns the deleted paths; individual delete failures are joined into err.
func CleanShadows(dir, suffix string) ([]string, error) {
	scanner := NewScanner(dir, suffix)
	shadows, err := scanner.Shadows()
	if err != nil {
		return nil, err
	}
	var removed []string
	var errs []error
	for _, path := range shadows {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			errs = append(errs, &ArtifactError{Op: "delete", Path: path, Err: err})
			continue
		}
		removed = append(removed, path)
	}
	return removed, errors.Join(errs...)
}
