package file

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"

	"github.com/BrandonDHaskell/paxcount/device/internal/paxcount/types"
)

// FormatVersion is written into every metadata block. Opening a log with a
// different version fails with store.ErrFormatVersion.
const FormatVersion = 1

// MetadataSize is the fixed on-disk size of the metadata block:
// magic "PXLM", format version, next local id, total events, synced count,
// CRC-32 of the preceding 20 bytes. All integers are uint32 LE.
const MetadataSize = 24

var metadataMagic = [4]byte{'P', 'X', 'L', 'M'}

var errBadMetadata = errors.New("corrupt event log metadata")

func encodeMetadata(m types.LogMetadata) [MetadataSize]byte {
	var b [MetadataSize]byte
	copy(b[0:4], metadataMagic[:])
	binary.LittleEndian.PutUint32(b[4:8], m.FormatVersion)
	binary.LittleEndian.PutUint32(b[8:12], m.NextLocalID)
	binary.LittleEndian.PutUint32(b[12:16], m.TotalEvents)
	binary.LittleEndian.PutUint32(b[16:20], m.SyncedCount)
	binary.LittleEndian.PutUint32(b[20:24], crc32.ChecksumIEEE(b[:20]))
	return b
}

func decodeMetadata(b []byte) (types.LogMetadata, error) {
	if len(b) != MetadataSize || [4]byte(b[0:4]) != metadataMagic {
		return types.LogMetadata{}, errBadMetadata
	}
	if crc32.ChecksumIEEE(b[:20]) != binary.LittleEndian.Uint32(b[20:24]) {
		return types.LogMetadata{}, errBadMetadata
	}
	return types.LogMetadata{
		FormatVersion: binary.LittleEndian.Uint32(b[4:8]),
		NextLocalID:   binary.LittleEndian.Uint32(b[8:12]),
		TotalEvents:   binary.LittleEndian.Uint32(b[12:16]),
		SyncedCount:   binary.LittleEndian.Uint32(b[16:20]),
	}, nil
}

// writeMetadata replaces the metadata file in full: the block is written to
// a sibling temp file, synced, then renamed over the original. A failure at
// any step leaves the previous block intact.
func writeMetadata(path string, m types.LogMetadata) error {
	b := encodeMetadata(m)
	tmp := path + ".tmp"

	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("open metadata temp: %w", err)
	}
	if _, err := f.Write(b[:]); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("write metadata: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("sync metadata: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("close metadata: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("rename metadata: %w", err)
	}
	syncDir(filepath.Dir(path))
	return nil
}

func readMetadata(path string) (types.LogMetadata, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return types.LogMetadata{}, err
	}
	return decodeMetadata(b)
}

// syncDir flushes directory entries after a rename. Not every platform
// supports fsync on a directory, so failures are ignored.
func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	_ = d.Sync()
	_ = d.Close()
}
