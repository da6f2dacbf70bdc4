package cache

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// legacyIgnoredPath is a dylib install path `update_dyld_shared_cache`
// special-cased out of every .paths file: IOKit.framework's path was once
// bound against a different build at runtime than the one found on disk,
// and the fix was just to never put it in the cache.
const legacyIgnoredPath = "/System/Library/Frameworks/IOKit.framework/IOKit"

// ReadPathsFile parses a .paths scan file: one dylib install path per
// line, `#` starts a comment, blank lines are ignored, and leading/
// trailing whitespace is trimmed.
func ReadPathsFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("cache: opening paths file %s: %w", path, err)
	}
	defer f.Close()

	var paths []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if line == legacyIgnoredPath {
			continue
		}
		paths = append(paths, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("cache: reading paths file %s: %w", path, err)
	}
	return paths, nil
}

// ReadPathsDir reads every *.paths file in dir (update_dyld_shared_cache's
// "/var/db/dyld/shared_region_roots/" scan), in directory order, and
// returns the concatenation of their entries.
func ReadPathsDir(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("cache: reading paths directory %s: %w", dir, err)
	}
	var all []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".paths") {
			continue
		}
		paths, err := ReadPathsFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, err
		}
		all = append(all, paths...)
	}
	return all, nil
}
