package file

import (
	"testing"
)

// ForceFormatVersion rewrites the metadata block at path with a different
// format version and a valid checksum.
func ForceFormatVersion(t *testing.T, path string, version uint32) {
	t.Helper()
	m, err := readMetadata(path)
	if err != nil {
		t.Fatalf("read metadata: %v", err)
	}
	m.FormatVersion = version
	if err := writeMetadata(path, m); err != nil {
		t.Fatalf("write metadata: %v", err)
	}
}
