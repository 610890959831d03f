package postprocess

import (
	"bytes"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// rar4Magic and rar5Magic are the first bytes of a RAR archive's marker
// block, used to recognize archive parts that were renamed to hide
// their real extension (SPEC_FULL.md §4.6).
var (
	rar4Magic = []byte{0x52, 0x61, 0x72, 0x21, 0x1A, 0x07, 0x00}
	rar5Magic = []byte{0x52, 0x61, 0x72, 0x21, 0x1A, 0x07, 0x01, 0x00}
)

var sevenZipVolumeRe = regexp.MustCompile(`(?i)\.7z\.\d+$`)

// findArchives walks dir for files the unpack stage should hand to the
// extractor: *.rar, *.7z, *.7z.NNN, and any other file whose first
// bytes match a RAR marker block despite a non-standard extension.
func findArchives(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var archives []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		path := filepath.Join(dir, name)
		lower := strings.ToLower(name)

		switch {
		case strings.HasSuffix(lower, ".rar"), strings.HasSuffix(lower, ".7z"), sevenZipVolumeRe.MatchString(lower):
			archives = append(archives, path)
		default:
			if looksLikeRar(path) {
				archives = append(archives, path)
			}
		}
	}
	return archives, nil
}

// looksLikeRar reads the first few bytes of path and compares them
// against the rar4/rar5 marker blocks.
func looksLikeRar(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()

	buf := make([]byte, len(rar5Magic))
	n, _ := f.Read(buf)
	buf = buf[:n]

	return bytes.HasPrefix(buf, rar4Magic) || bytes.HasPrefix(buf, rar5Magic)
}
