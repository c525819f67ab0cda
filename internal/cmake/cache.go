package cmake

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// CacheFile is the name of the cache file cmake writes into a build directory.
const CacheFile = "CMakeCache.txt"

// Cache keys read back when a build directory is bound.
const (
	CacheHomeDirectory  = "CMAKE_HOME_DIRECTORY"
	CacheGenerator      = "CMAKE_GENERATOR"
	CacheExtraGenerator = "CMAKE_EXTRA_GENERATOR"
)

// CacheEntry is one KEY:TYPE=VALUE line of a cache file.
type CacheEntry struct {
	Type  string
	Value string
}

// Cache maps cache variable names to their entries.
type Cache map[string]CacheEntry

// Value returns the value of key, or "" if it is not set.
func (c Cache) Value(key string) string {
	return c[key].Value
}

// ReadCache parses the cache file in buildDir. It returns an error wrapping
// os.ErrNotExist if the build directory has no cache yet.
func ReadCache(buildDir string) (Cache, error) {
	path := filepath.Join(buildDir, CacheFile)
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	cache := make(Cache)
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, "//") {
			continue
		}
		key, entry, err := parseCacheLine(line)
		if err != nil {
			return nil, fmt.Errorf("%s:%d: %w", path, lineNo, err)
		}
		cache[key] = entry
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return cache, nil
}

// parseCacheLine splits KEY:TYPE=VALUE. The key may be double quoted, in which case it can
// contain ':' and '='.
func parseCacheLine(line string) (string, CacheEntry, error) {
	var key, rest string
	if strings.HasPrefix(line, `"`) {
		end := strings.Index(line[1:], `"`)
		if end < 0 {
			return "", CacheEntry{}, errors.New("unterminated quoted key")
		}
		key = line[1 : end+1]
		rest = line[end+2:]
		if !strings.HasPrefix(rest, ":") {
			return "", CacheEntry{}, errors.New("missing type after quoted key")
		}
		rest = rest[1:]
	} else {
		var ok bool
		key, rest, ok = strings.Cut(line, ":")
		if !ok {
			return "", CacheEntry{}, errors.New("missing type separator")
		}
	}

	typ, value, ok := strings.Cut(rest, "=")
	if !ok {
		return "", CacheEntry{}, errors.New("missing value separator")
	}
	if key == "" {
		return "", CacheEntry{}, errors.New("empty key")
	}
	return key, CacheEntry{Type: typ, Value: value}, nil
}
