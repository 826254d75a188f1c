// Package file implements the durable, file-backed passenger event log.
//
// Layout inside the data directory:
//
//	events.dat   sequential fixed-size records (RecordSize bytes each)
//	events.meta  one LogMetadata block (MetadataSize bytes), replaced in full
//	             on every mutation
//
// Every mutation writes the record file first and the metadata second, so a
// crash can only leave extra records that the metadata does not count yet.
// Open reconciles that case (and a few others) before the log is used. A
// record that fails its CRC is skipped on Open; the damaged file is kept as
// events.dat.corrupt.
package file

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"sync"

	"github.com/BrandonDHaskell/paxcount/device/internal/paxcount/store"
	"github.com/BrandonDHaskell/paxcount/device/internal/paxcount/types"
)

const (
	EventsFileName   = "events.dat"
	MetadataFileName = "events.meta"

	DefaultCapacity       = 10000
	DefaultCopyBufferSize = 512
)

type Options struct {
	// Dir holds the events and metadata files. Created if missing.
	Dir string

	// Capacity is the maximum number of records kept on disk.
	Capacity int

	// CopyBufferSize bounds each read/write during compaction. It is rounded
	// up to a whole number of records.
	CopyBufferSize int

	Logger *log.Logger
}

// EventLog is the durable store.EventLog.
type EventLog struct {
	mu         sync.Mutex
	eventsPath string
	metaPath   string
	capacity   int
	copyBuf    int
	logger     *log.Logger

	f      *os.File
	meta   types.LogMetadata
	closed bool
}

var _ store.EventLog = (*EventLog)(nil)

// Open opens (or creates) the log in opts.Dir and recovers from any
// interrupted append or compaction.
func Open(ctx context.Context, opts Options) (*EventLog, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if opts.Dir == "" {
		return nil, errors.New("event log dir is required")
	}
	if opts.Capacity <= 0 {
		opts.Capacity = DefaultCapacity
	}
	if opts.CopyBufferSize <= 0 {
		opts.CopyBufferSize = DefaultCopyBufferSize
	}
	if opts.CopyBufferSize%RecordSize != 0 {
		opts.CopyBufferSize += RecordSize - opts.CopyBufferSize%RecordSize
	}
	if opts.Logger == nil {
		opts.Logger = log.New(io.Discard, "", 0)
	}

	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: mkdir %s: %v", store.ErrStorage, opts.Dir, err)
	}

	l := &EventLog{
		eventsPath: filepath.Join(opts.Dir, EventsFileName),
		metaPath:   filepath.Join(opts.Dir, MetadataFileName),
		capacity:   opts.Capacity,
		copyBuf:    opts.CopyBufferSize,
		logger:     opts.Logger,
	}

	f, err := os.OpenFile(l.eventsPath, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("%w: open events: %v", store.ErrStorage, err)
	}
	l.f = f

	if err := l.load(); err != nil {
		_ = f.Close()
		return nil, err
	}
	return l, nil
}

// load reads the metadata block and reconciles it with the record file.
func (l *EventLog) load() error {
	meta, err := readMetadata(l.metaPath)
	rebuild := false
	switch {
	case errors.Is(err, fs.ErrNotExist):
		meta = types.LogMetadata{NextLocalID: 1, FormatVersion: FormatVersion}
		rebuild = true
	case errors.Is(err, errBadMetadata):
		// Everything on disk is resent; the server dedupes by local id.
		l.logger.Printf("eventlog: metadata corrupt, rebuilding from records")
		meta = types.LogMetadata{NextLocalID: 1, FormatVersion: FormatVersion}
		rebuild = true
	case err != nil:
		return fmt.Errorf("%w: read metadata: %v", store.ErrStorage, err)
	}

	if meta.FormatVersion != FormatVersion {
		return fmt.Errorf("%w: found %d, want %d", store.ErrFormatVersion, meta.FormatVersion, FormatVersion)
	}

	sc, err := l.scan()
	if err != nil {
		return err
	}

	// Reconcile in slot terms first: a slot is a complete record position
	// in the file, intact or not.
	slots := sc.slots
	recovered := meta
	if rebuild {
		recovered.TotalEvents = slots
		recovered.SyncedCount = 0
	}
	switch {
	case slots > recovered.TotalEvents:
		l.logger.Printf("eventlog: adopting %d record(s) written before metadata", slots-recovered.TotalEvents)
		recovered.TotalEvents = slots
	case slots < recovered.TotalEvents:
		// Head records vanished: a compaction renamed the file but did not
		// get to rewrite the metadata. They were all acknowledged.
		missing := recovered.TotalEvents - slots
		l.logger.Printf("eventlog: %d compacted record(s) still counted, reconciling", missing)
		if recovered.SyncedCount >= missing {
			recovered.SyncedCount -= missing
		} else {
			recovered.SyncedCount = 0
		}
		recovered.TotalEvents = slots
	}
	if recovered.SyncedCount > recovered.TotalEvents {
		recovered.SyncedCount = recovered.TotalEvents
	}

	if len(sc.bad) > 0 {
		if err := l.quarantine(sc); err != nil {
			return err
		}
		var syncedLost uint32
		for _, i := range sc.bad {
			if i < recovered.SyncedCount {
				syncedLost++
			}
		}
		recovered.SyncedCount -= syncedLost
		recovered.TotalEvents -= uint32(len(sc.bad))
	} else if sc.size != int64(slots)*RecordSize {
		l.logger.Printf("eventlog: truncating %d byte(s) of a torn append", sc.size-int64(slots)*RecordSize)
		if err := l.f.Truncate(int64(slots) * RecordSize); err != nil {
			return fmt.Errorf("%w: truncate events: %v", store.ErrStorage, err)
		}
	}

	if sc.lastID > 0 && recovered.NextLocalID <= sc.lastID {
		recovered.NextLocalID = sc.lastID + 1
	}
	if recovered.NextLocalID == 0 {
		recovered.NextLocalID = 1
	}

	if rebuild || recovered != meta {
		if err := writeMetadata(l.metaPath, recovered); err != nil {
			return fmt.Errorf("%w: %v", store.ErrStorage, err)
		}
	}
	l.meta = recovered
	return nil
}

type scanResult struct {
	size int64
	// slots is the number of complete records in the file.
	slots uint32
	// bad holds the positions whose record failed its CRC or broke the
	// ascending id order.
	bad    []uint32
	lastID uint32
}

// scan reads every complete record without modifying the file.
func (l *EventLog) scan() (scanResult, error) {
	info, err := l.f.Stat()
	if err != nil {
		return scanResult{}, fmt.Errorf("%w: stat events: %v", store.ErrStorage, err)
	}

	sc := scanResult{size: info.Size()}
	r := bufio.NewReaderSize(io.NewSectionReader(l.f, 0, info.Size()), l.copyBuf)
	buf := make([]byte, RecordSize)
	for ; ; sc.slots++ {
		if _, err := io.ReadFull(r, buf); err != nil {
			break
		}
		ev, err := decodeRecord(buf)
		if err != nil || (sc.lastID > 0 && ev.LocalID <= sc.lastID) {
			sc.bad = append(sc.bad, sc.slots)
			continue
		}
		sc.lastID = ev.LocalID
	}
	return sc, nil
}

// QuarantineSuffix names the copy of an events file that held corrupt
// records.
const QuarantineSuffix = ".corrupt"

// quarantine keeps a byte-for-byte copy of the damaged events file next to
// it, then rewrites the file with only the intact records.
func (l *EventLog) quarantine(sc scanResult) error {
	qPath := l.eventsPath + QuarantineSuffix
	l.logger.Printf("eventlog: skipping %d corrupt record(s), damaged file kept as %s",
		len(sc.bad), filepath.Base(qPath))

	q, err := os.OpenFile(qPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("%w: create quarantine file: %v", store.ErrStorage, err)
	}
	if _, err := io.CopyBuffer(q, io.NewSectionReader(l.f, 0, sc.size), make([]byte, l.copyBuf)); err != nil {
		_ = q.Close()
		return fmt.Errorf("%w: copy to quarantine: %v", store.ErrStorage, err)
	}
	if err := q.Sync(); err != nil {
		_ = q.Close()
		return fmt.Errorf("%w: sync quarantine file: %v", store.ErrStorage, err)
	}
	if err := q.Close(); err != nil {
		return fmt.Errorf("%w: close quarantine file: %v", store.ErrStorage, err)
	}

	skip := make(map[uint32]bool, len(sc.bad))
	for _, i := range sc.bad {
		skip[i] = true
	}

	tmpPath := l.eventsPath + ".tmp"
	tmp, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("%w: create repair file: %v", store.ErrStorage, err)
	}
	w := bufio.NewWriterSize(tmp, l.copyBuf)
	r := bufio.NewReaderSize(io.NewSectionReader(l.f, 0, int64(sc.slots)*RecordSize), l.copyBuf)
	buf := make([]byte, RecordSize)
	for slot := uint32(0); slot < sc.slots; slot++ {
		if _, err := io.ReadFull(r, buf); err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmpPath)
			return fmt.Errorf("%w: read record %d: %v", store.ErrStorage, slot, err)
		}
		if skip[slot] {
			continue
		}
		if _, err := w.Write(buf); err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmpPath)
			return fmt.Errorf("%w: write repair file: %v", store.ErrStorage, err)
		}
	}
	if err := w.Flush(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("%w: write repair file: %v", store.ErrStorage, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("%w: sync repair file: %v", store.ErrStorage, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("%w: close repair file: %v", store.ErrStorage, err)
	}
	if err := os.Rename(tmpPath, l.eventsPath); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("%w: replace events file: %v", store.ErrStorage, err)
	}
	syncDir(filepath.Dir(l.eventsPath))

	_ = l.f.Close()
	f, err := os.OpenFile(l.eventsPath, os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("%w: reopen events: %v", store.ErrStorage, err)
	}
	l.f = f
	return nil
}

func (l *EventLog) Append(ctx context.Context, ev types.PassengerEvent) (uint32, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if !ev.Type.Valid() {
		return 0, fmt.Errorf("Append: %w: type %d", store.ErrInvalidEvent, ev.Type)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return 0, store.ErrClosed
	}

	if int(l.meta.TotalEvents) >= l.capacity {
		if err := l.compactLocked(); err != nil {
			return 0, fmt.Errorf("Append: compact: %w", err)
		}
		if int(l.meta.TotalEvents) >= l.capacity {
			return 0, fmt.Errorf("Append: %w (%d unsynced)", store.ErrCapacityExceeded, l.meta.Unsynced())
		}
	}

	ev.LocalID = l.meta.NextLocalID
	ev.Synced = false
	rec := encodeRecord(ev)
	off := int64(l.meta.TotalEvents) * RecordSize

	if err := l.writeRecord(off, rec[:]); err != nil {
		return 0, fmt.Errorf("Append: %w: %v", store.ErrStorage, err)
	}

	next := l.meta
	next.NextLocalID++
	next.TotalEvents++
	if err := writeMetadata(l.metaPath, next); err != nil {
		// Drop the record again so the file never holds more than the
		// metadata counts.
		_ = l.f.Truncate(off)
		return 0, fmt.Errorf("Append: %w: %v", store.ErrStorage, err)
	}
	l.meta = next
	return ev.LocalID, nil
}

func (l *EventLog) writeRecord(off int64, rec []byte) error {
	if _, err := l.f.WriteAt(rec, off); err != nil {
		_ = l.f.Truncate(off)
		return err
	}
	if err := l.f.Sync(); err != nil {
		_ = l.f.Truncate(off)
		return err
	}
	return nil
}

func (l *EventLog) UnsyncedBatch(ctx context.Context, max int) ([]types.PassengerEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if max <= 0 {
		return nil, nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, store.ErrClosed
	}

	n := int(l.meta.Unsynced())
	if n > max {
		n = max
	}
	if n == 0 {
		return nil, nil
	}

	buf := make([]byte, n*RecordSize)
	off := int64(l.meta.SyncedCount) * RecordSize
	if _, err := l.f.ReadAt(buf, off); err != nil {
		return nil, fmt.Errorf("UnsyncedBatch: %w: %v", store.ErrStorage, err)
	}

	out := make([]types.PassengerEvent, 0, n)
	for i := 0; i < n; i++ {
		ev, err := decodeRecord(buf[i*RecordSize : (i+1)*RecordSize])
		if err != nil {
			return nil, fmt.Errorf("UnsyncedBatch: %w: record %d: %v", store.ErrStorage, int(l.meta.SyncedCount)+i, err)
		}
		out = append(out, ev)
	}
	return out, nil
}

// MarkSynced rescans the log from the start and counts the contiguous prefix
// of records with LocalID <= uptoLocalID. The count stops at the first record
// that breaks the prefix. This is only correct while acknowledgements cover
// records in append order, which SyncCoordinator guarantees by sending one
// ascending batch at a time.
//
// The watermark never moves backwards.
func (l *EventLog) MarkSynced(ctx context.Context, uptoLocalID uint32) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return store.ErrClosed
	}

	total := int64(l.meta.TotalEvents) * RecordSize
	r := bufio.NewReaderSize(io.NewSectionReader(l.f, 0, total), l.copyBuf)
	buf := make([]byte, RecordSize)

	var (
		count  uint32
		prevID uint32
	)
	for count < l.meta.TotalEvents {
		if _, err := io.ReadFull(r, buf); err != nil {
			return fmt.Errorf("MarkSynced: %w: %v", store.ErrStorage, err)
		}
		ev, err := decodeRecord(buf)
		if err != nil {
			return fmt.Errorf("MarkSynced: %w: record %d: %v", store.ErrStorage, count, err)
		}
		if ev.LocalID > uptoLocalID || (count > 0 && ev.LocalID <= prevID) {
			break
		}
		prevID = ev.LocalID
		count++
	}

	if count <= l.meta.SyncedCount {
		return nil
	}

	next := l.meta
	next.SyncedCount = count
	if err := writeMetadata(l.metaPath, next); err != nil {
		return fmt.Errorf("MarkSynced: %w: %v", store.ErrStorage, err)
	}
	l.meta = next
	return nil
}

func (l *EventLog) Compact(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return store.ErrClosed
	}
	return l.compactLocked()
}

// compactLocked copies the records after the watermark into a temp file in
// copyBuf-sized chunks, renames it over the events file and then rewrites the
// metadata with the watermark reset to zero. Record ids are preserved.
func (l *EventLog) compactLocked() error {
	drop := l.meta.SyncedCount
	if drop == 0 {
		return nil
	}

	keep := l.meta.TotalEvents - drop
	tmpPath := l.eventsPath + ".tmp"

	tmp, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("%w: create compaction file: %v", store.ErrStorage, err)
	}

	src := io.NewSectionReader(l.f, int64(drop)*RecordSize, int64(keep)*RecordSize)
	if _, err := io.CopyBuffer(tmp, src, make([]byte, l.copyBuf)); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("%w: copy records: %v", store.ErrStorage, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("%w: sync compaction file: %v", store.ErrStorage, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("%w: close compaction file: %v", store.ErrStorage, err)
	}

	if err := os.Rename(tmpPath, l.eventsPath); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("%w: replace events file: %v", store.ErrStorage, err)
	}
	syncDir(filepath.Dir(l.eventsPath))

	// The old handle points at the unlinked file.
	_ = l.f.Close()
	f, err := os.OpenFile(l.eventsPath, os.O_RDWR, 0o644)
	if err != nil {
		l.closed = true
		return fmt.Errorf("%w: reopen events: %v", store.ErrStorage, err)
	}
	l.f = f

	next := l.meta
	next.TotalEvents = keep
	next.SyncedCount = 0
	// The file already holds only the suffix, so memory follows it even if
	// the metadata write fails. Open reconciles the counters on restart.
	l.meta = next
	if err := writeMetadata(l.metaPath, next); err != nil {
		return fmt.Errorf("%w: %v", store.ErrStorage, err)
	}

	l.logger.Printf("eventlog: compacted %d synced record(s), %d kept", drop, keep)
	return nil
}

func (l *EventLog) Count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return int(l.meta.TotalEvents)
}

func (l *EventLog) UnsyncedCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return int(l.meta.Unsynced())
}

// Clear removes every record. NextLocalID is kept so ids are never reused;
// the server dedupes by (device, local id).
func (l *EventLog) Clear(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return store.ErrClosed
	}

	// Records first: a crash before the metadata write leaves an empty file
	// that Open reconciles as nothing left to send.
	if err := l.f.Truncate(0); err != nil {
		return fmt.Errorf("Clear: %w: %v", store.ErrStorage, err)
	}
	if err := l.f.Sync(); err != nil {
		return fmt.Errorf("Clear: %w: %v", store.ErrStorage, err)
	}
	next := l.meta
	next.TotalEvents = 0
	next.SyncedCount = 0
	l.meta = next
	if err := writeMetadata(l.metaPath, next); err != nil {
		return fmt.Errorf("Clear: %w: %v", store.ErrStorage, err)
	}
	return nil
}

// Metadata returns a copy of the current metadata block.
func (l *EventLog) Metadata() types.LogMetadata {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.meta
}

func (l *EventLog) Stats() store.LogStats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return store.LogStats{
		Backend:     "file",
		Durable:     true,
		Count:       int(l.meta.TotalEvents),
		Unsynced:    int(l.meta.Unsynced()),
		Capacity:    l.capacity,
		NextLocalID: l.meta.NextLocalID,
		SizeBytes:   int64(l.meta.TotalEvents)*RecordSize + MetadataSize,
	}
}

func (l *EventLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	return l.f.Close()
}
