package pool

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

var (
	ErrSourceMissing     = errors.New("source file missing")
	ErrDestinationExists = errors.New("destination file already exists")
)

// minStemSegments is the smallest dash-separated stem accepted for grouping.
// Three is the minimum so that short names like "proj-x-01" group.
const minStemSegments = 3

// Store reads and mutates the pool directories under one accounts root.
// It keeps no index; every listing rescans the directory.
type Store struct {
	root   string
	logger *slog.Logger
}

// NewStore creates a store rooted at dir
func NewStore(root string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{root: root, logger: logger}
}

// Root returns the accounts root directory
func (s *Store) Root() string {
	return s.root
}

// EnsureLayout creates all pool directories
func (s *Store) EnsureLayout() error {
	for _, p := range All {
		if err := os.MkdirAll(s.Dir(p), 0755); err != nil {
			return fmt.Errorf("create pool %s: %w", p, err)
		}
	}
	return nil
}

// Dir returns the directory of a pool
func (s *Store) Dir(p Pool) string {
	return filepath.Join(s.root, string(p))
}

// Path returns the path of a file stem inside a pool
func (s *Store) Path(p Pool, name string) string {
	return filepath.Join(s.Dir(p), name+".json")
}

// GroupPrefix derives the group prefix of a file stem. Marker segments are
// stripped first so "proj-x-01-actived" and "proj-x-01" share "proj-x".
func GroupPrefix(stem string) (string, bool) {
	parts := strings.Split(stem, "-")
	if n := len(parts); n > 0 {
		switch parts[n-1] {
		case ActivatedMarker, "activated", ArchivedMarker:
			parts = parts[:n-1]
		}
	}
	if len(parts) < minStemSegments {
		return "", false
	}
	if parts[len(parts)-1] == "" {
		return "", false
	}
	return strings.Join(parts[:len(parts)-1], "-"), true
}

// ListFiles returns every credential file in a pool sorted by name
func (s *Store) ListFiles(p Pool) ([]AccountFile, error) {
	entries, err := os.ReadDir(s.Dir(p))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read pool %s: %w", p, err)
	}

	var files []AccountFile
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		info, err := e.Info()
		if err != nil {
			// Moved away between ReadDir and Info
			continue
		}
		if !info.Mode().IsRegular() {
			continue
		}
		files = append(files, AccountFile{
			Name:       strings.TrimSuffix(e.Name(), ".json"),
			Pool:       p,
			Path:       filepath.Join(s.Dir(p), e.Name()),
			SizeBytes:  info.Size(),
			ModifiedAt: info.ModTime(),
		})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Name < files[j].Name })
	return files, nil
}

// groups buckets the files of a pool by prefix
func (s *Store) groups(p Pool) (map[string][]AccountFile, error) {
	files, err := s.ListFiles(p)
	if err != nil {
		return nil, err
	}
	groups := make(map[string][]AccountFile)
	for _, f := range files {
		prefix, ok := GroupPrefix(f.Name)
		if !ok {
			s.logger.Debug("ignoring file with unexpected name", "pool", p, "file", f.FileName())
			continue
		}
		groups[prefix] = append(groups[prefix], f)
	}
	return groups, nil
}

// ListCompleteGroups returns the groups of a pool that have exactly three
// members. Groups with any other member count are left out.
func (s *Store) ListCompleteGroups(p Pool) (map[string][]AccountFile, error) {
	groups, err := s.groups(p)
	if err != nil {
		return nil, err
	}
	for prefix, members := range groups {
		if len(members) != GroupSize {
			delete(groups, prefix)
		}
	}
	return groups, nil
}

// ListIncompleteGroups returns the groups of a pool that are not complete
func (s *Store) ListIncompleteGroups(p Pool) (map[string][]AccountFile, error) {
	groups, err := s.groups(p)
	if err != nil {
		return nil, err
	}
	for prefix, members := range groups {
		if len(members) == GroupSize {
			delete(groups, prefix)
		}
	}
	return groups, nil
}

// SortedGroups flattens a group map into a slice ordered by prefix
func SortedGroups(p Pool, groups map[string][]AccountFile) []Group {
	out := make([]Group, 0, len(groups))
	for prefix, files := range groups {
		out = append(out, Group{Prefix: prefix, Pool: p, Files: files})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Prefix < out[j].Prefix })
	return out
}

// Exists reports whether a stem is present in a pool
func (s *Store) Exists(p Pool, name string) bool {
	info, err := os.Stat(s.Path(p, name))
	return err == nil && info.Mode().IsRegular()
}

// Relocate moves a file between pools, optionally renaming it. The move is a
// hard link followed by an unlink, so an existing destination is never
// overwritten even when another caller races for the same name.
func (s *Store) Relocate(name string, from, to Pool, newName string) (string, error) {
	if newName == "" {
		newName = name
	}
	src := s.Path(from, name)
	dst := s.Path(to, newName)

	if err := os.MkdirAll(s.Dir(to), 0755); err != nil {
		return "", err
	}
	if err := os.Link(src, dst); err != nil {
		switch {
		case errors.Is(err, fs.ErrExist):
			return "", fmt.Errorf("%s/%s: %w", to, newName, ErrDestinationExists)
		case errors.Is(err, fs.ErrNotExist):
			return "", fmt.Errorf("%s/%s: %w", from, name, ErrSourceMissing)
		}
		return "", fmt.Errorf("move %s/%s to %s: %w", from, name, to, err)
	}
	if err := os.Remove(src); err != nil {
		// leave the file where it was rather than in both pools
		_ = os.Remove(dst)
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("%s/%s: %w", from, name, ErrSourceMissing)
		}
		return "", fmt.Errorf("move %s/%s to %s: %w", from, name, to, err)
	}

	s.logger.Debug("file relocated", "file", name, "from", from, "to", to, "as", newName)
	return dst, nil
}

// Remove deletes a file from a pool
func (s *Store) Remove(p Pool, name string) error {
	if err := os.Remove(s.Path(p, name)); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%s/%s: %w", p, name, ErrSourceMissing)
		}
		return err
	}
	return nil
}
