package common

import (
	"bufio"
	"os"
	"strings"
)

// excludeCompressionPrefix is the directive etc/isptar.conf uses to add a
// filename suffix to the no-compress list (§6 Config file,
// SPEC_FULL.md supplemented feature 4).
const excludeCompressionPrefix = "--exclude-compression "

// LoadExcludeCompression reads path (typically etc/isptar.conf) and
// returns the suffixes contributed by its --exclude-compression lines.
// A missing file is not an error: it yields a nil (empty) list,
// matching isptar.cpp's TarSender::LoadCompressedList which silently
// no-ops when the conf file doesn't exist.
func LoadExcludeCompression(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var suffixes []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, excludeCompressionPrefix) {
			suffixes = append(suffixes, strings.TrimPrefix(line, excludeCompressionPrefix))
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return suffixes, nil
}

// HasCompressedSuffix reports whether filename ends with one of the
// blacklisted suffixes (§4.F step 4). Comparison is a case-sensitive
// literal suffix match, not a glob (spec.md §9).
func HasCompressedSuffix(filename string, suffixes []string) bool {
	for _, suffix := range suffixes {
		if strings.HasSuffix(filename, suffix) {
			return true
		}
	}
	return false
}
