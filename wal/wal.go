package wal

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/ajkumar-13/forgedb/internal/fs"
)

// Durability controls the durability guarantees of the WAL.
type Durability int

const (
	// DurabilitySync fsyncs before acknowledging an append. Appends are
	// batched through a group commit goroutine. Safe.
	DurabilitySync Durability = iota
	// DurabilityAsync relies on the OS page cache. Fast but risky.
	DurabilityAsync
)

const (
	walMagic      = "FORGEWAL" // 8 bytes
	walVersion    = 1          // 4 bytes
	walHeaderSize = 12
)

var (
	ErrIncompatibleVersion = errors.New("incompatible WAL version")
	ErrInvalidHeader       = errors.New("invalid WAL header")
)

// Options configures a WAL.
type Options struct {
	Durability Durability
}

// DefaultOptions returns the default WAL options.
func DefaultOptions() Options {
	return Options{Durability: DurabilitySync}
}

// Filename returns the WAL file name for the given rotation id.
func Filename(dir string, id uint64) string {
	return filepath.Join(dir, fmt.Sprintf("wal-%06d.log", id))
}

// WAL manages a single append-only log file.
type WAL struct {
	mu   sync.Mutex
	fs   fs.FileSystem
	file fs.File
	cw   *countingWriter
	path string
	opts Options

	lastSeq uint64

	// Group commit state.
	syncedOffset int64
	syncCond     *sync.Cond // signals the syncer that there is data to sync
	doneCond     *sync.Cond // signals waiters that a sync completed
	closed       bool
	lastErr      error // terminal error from the background syncer
	wg           sync.WaitGroup
}

type countingWriter struct {
	w *bufio.Writer
	n int64
}

func (cw *countingWriter) Write(p []byte) (int, error) {
	n, err := cw.w.Write(p)
	cw.n += int64(n)
	return n, err
}

func (cw *countingWriter) Flush() error { return cw.w.Flush() }

// Open opens or creates a WAL at the given path.
func Open(fsys fs.FileSystem, path string, opts Options) (*WAL, error) {
	if fsys == nil {
		fsys = fs.Default
	}
	f, err := fsys.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}

	stat, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	offset := stat.Size()

	if offset == 0 {
		header := make([]byte, walHeaderSize)
		copy(header[0:8], walMagic)
		binary.LittleEndian.PutUint32(header[8:12], uint32(walVersion))
		if _, err := f.Write(header); err != nil {
			f.Close()
			return nil, err
		}
		if err := f.Sync(); err != nil {
			f.Close()
			return nil, err
		}
		offset = walHeaderSize
	} else {
		if offset < walHeaderSize {
			f.Close()
			return nil, fmt.Errorf("%w: file too small (%d < %d)", ErrInvalidHeader, offset, walHeaderSize)
		}
		header := make([]byte, walHeaderSize)
		if _, err := f.ReadAt(header, 0); err != nil {
			f.Close()
			return nil, err
		}
		if string(header[0:8]) != walMagic {
			f.Close()
			return nil, fmt.Errorf("%w: invalid magic %q", ErrInvalidHeader, header[0:8])
		}
		if ver := binary.LittleEndian.Uint32(header[8:12]); ver != walVersion {
			f.Close()
			return nil, fmt.Errorf("%w: version %d (expected %d)", ErrIncompatibleVersion, ver, walVersion)
		}

		// Cut a torn crash-time tail now, before the first append. The
		// handle is O_APPEND: new records land at the physical end of
		// the file, and a record written after leftover garbage would
		// be unreachable by Replay, losing an acknowledged write.
		if valid := validLength(f, offset); valid < offset {
			if err := f.Truncate(valid); err != nil {
				f.Close()
				return nil, err
			}
			if err := f.Sync(); err != nil {
				f.Close()
				return nil, err
			}
			offset = valid
		}
	}

	w := &WAL{
		fs:           fsys,
		file:         f,
		cw:           &countingWriter{w: bufio.NewWriter(f), n: offset},
		path:         path,
		opts:         opts,
		syncedOffset: offset,
	}
	w.syncCond = sync.NewCond(&w.mu)
	w.doneCond = sync.NewCond(&w.mu)

	if opts.Durability == DurabilitySync {
		w.wg.Add(1)
		go w.runSyncer()
	}

	return w, nil
}

// validLength scans the log from the header forward and returns the
// end offset of the last fully-valid record. Any decode failure marks
// the start of a torn tail; everything before it is intact.
func validLength(f fs.File, size int64) int64 {
	br := bufio.NewReader(io.NewSectionReader(f, walHeaderSize, size-walHeaderSize))
	n := int64(walHeaderSize)
	for {
		_, consumed, err := Decode(br)
		if err != nil {
			return n
		}
		n += consumed
	}
}

// Path returns the file path of the WAL.
func (w *WAL) Path() string { return w.path }

// Size returns the current size of the WAL in bytes.
func (w *WAL) Size() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.cw.n
}

// LastSeq returns the most recently assigned sequence number.
func (w *WAL) LastSeq() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastSeq
}

// SetLastSeq primes the sequence counter, typically after replay.
func (w *WAL) SetLastSeq(seq uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if seq > w.lastSeq {
		w.lastSeq = seq
	}
}

func (w *WAL) runSyncer() {
	defer w.wg.Done()
	w.mu.Lock()
	defer w.mu.Unlock()

	for {
		for w.cw.n <= w.syncedOffset && !w.closed {
			w.syncCond.Wait()
		}
		if w.closed && w.cw.n <= w.syncedOffset {
			return
		}

		target := w.cw.n

		w.mu.Unlock()
		err := w.file.Sync()
		w.mu.Lock()

		if err != nil {
			w.lastErr = fmt.Errorf("wal sync failed: %w", err)
			w.doneCond.Broadcast()
			return
		}

		if target > w.syncedOffset {
			w.syncedOffset = target
		}
		w.doneCond.Broadcast()
	}
}

// Append assigns the next sequence number to rec and writes it. In
// DurabilitySync mode it returns only once the record is fsynced; on
// success the entry is durable before acknowledgment.
func (w *WAL) Append(rec *Record) (uint64, error) {
	w.mu.Lock()

	if w.closed {
		w.mu.Unlock()
		return 0, os.ErrClosed
	}
	if w.lastErr != nil {
		err := w.lastErr
		w.mu.Unlock()
		return 0, err
	}

	w.lastSeq++
	rec.Seq = w.lastSeq

	if err := rec.Encode(w.cw); err != nil {
		w.lastSeq--
		w.mu.Unlock()
		return 0, err
	}
	if err := w.cw.Flush(); err != nil {
		w.lastSeq--
		w.mu.Unlock()
		return 0, err
	}

	seq := rec.Seq
	endOffset := w.cw.n

	if w.opts.Durability == DurabilitySync {
		w.syncCond.Signal()
		for w.syncedOffset < endOffset && !w.closed && w.lastErr == nil {
			w.doneCond.Wait()
		}
		if w.lastErr != nil {
			err := w.lastErr
			w.mu.Unlock()
			return 0, err
		}
		if w.closed && w.syncedOffset < endOffset {
			w.mu.Unlock()
			return 0, os.ErrClosed
		}
	}

	w.mu.Unlock()
	return seq, nil
}

// Sync flushes buffered writes to stable storage.
func (w *WAL) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return os.ErrClosed
	}
	if w.lastErr != nil {
		return w.lastErr
	}
	if err := w.cw.Flush(); err != nil {
		return err
	}

	if w.opts.Durability == DurabilityAsync {
		return w.file.Sync()
	}

	target := w.cw.n
	w.syncCond.Signal()
	for w.syncedOffset < target && !w.closed && w.lastErr == nil {
		w.doneCond.Wait()
	}
	return w.lastErr
}

// Close flushes and closes the WAL file.
func (w *WAL) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return os.ErrClosed
	}
	if err := w.cw.Flush(); err != nil {
		w.mu.Unlock()
		w.file.Close()
		return err
	}
	w.closed = true
	w.syncCond.Signal()
	w.mu.Unlock()

	w.wg.Wait()

	if err := w.file.Sync(); err != nil {
		w.file.Close()
		return err
	}
	return w.file.Close()
}

// Replay reads records from the start of the log in append order,
// invoking fn for each. A truncated or checksum-failing tail record is
// treated as an incomplete crash-time write and silently ends replay.
// It returns the highest sequence number seen.
func (w *WAL) Replay(fn func(*Record) error) (uint64, error) {
	f, err := w.fs.OpenFile(w.path, os.O_RDONLY, 0)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	if _, err := f.Seek(walHeaderSize, io.SeekStart); err != nil {
		return 0, err
	}

	br := bufio.NewReader(f)
	var maxSeq uint64
	for {
		rec, _, err := Decode(br)
		if err != nil {
			// io.EOF: clean end. Anything else: torn tail from a crash
			// mid-write; discard and stop.
			break
		}
		if err := fn(rec); err != nil {
			return maxSeq, err
		}
		if rec.Seq > maxSeq {
			maxSeq = rec.Seq
		}
	}

	w.SetLastSeq(maxSeq)
	return maxSeq, nil
}
