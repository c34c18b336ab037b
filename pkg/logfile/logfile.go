package logfile

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"replog/pkg/logerrors"
	"replog/pkg/metrics"
	"replog/pkg/types"
)

const (
	headerSize = 4

	// MaxRecordSize bounds a declared record length. Anything larger is
	// treated as a broken frame.
	MaxRecordSize = 64 << 20
)

// Options configure record validation and replay behavior.
type Options struct {
	// Validate reports whether a payload is a well-formed record.
	// Nil accepts everything.
	Validate func([]byte) error
	Policy   Policy
	Logger   *slog.Logger
	Metrics  metrics.Collector
}

// LogFile is an append-only file of length-prefixed records:
// [4-byte big-endian length][payload], repeated.
type LogFile struct {
	mu     sync.Mutex
	file   *os.File
	writer *bufio.Writer
	path   string
	size   int64

	opts Options
}

// Open opens the log at path, creating it when absent. The record count is
// unknown until RecoverSize is called.
func Open(path string, opts Options) (*LogFile, error) {
	if path == "" {
		return nil, fmt.Errorf("%w: empty log path", logerrors.ErrInvalidArgument)
	}
	path = filepath.Clean(path)
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}

	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Nop{}
	}

	return &LogFile{
		file:   file,
		writer: bufio.NewWriter(file),
		path:   path,
		opts:   opts,
	}, nil
}

// Path returns the file location.
func (l *LogFile) Path() string {
	return l.path
}

// Size returns the number of records appended or recovered.
func (l *LogFile) Size() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.size
}

// Append writes rec at the end of the log and returns its offset.
// The data reaches the OS but is not fsynced; see Sync.
func (l *LogFile) Append(rec []byte) (types.Offset, error) {
	if len(rec) > MaxRecordSize {
		return types.NoOffset, fmt.Errorf("%w: record too large: %d", logerrors.ErrInvalidArgument, len(rec))
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.writer == nil {
		return types.NoOffset, logerrors.ErrClosed
	}

	var hdr [headerSize]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(rec)))
	if _, err := l.writer.Write(hdr[:]); err != nil {
		return types.NoOffset, fmt.Errorf("failed to write record header: %w", err)
	}
	if _, err := l.writer.Write(rec); err != nil {
		return types.NoOffset, fmt.Errorf("failed to write record: %w", err)
	}
	if err := l.writer.Flush(); err != nil {
		return types.NoOffset, fmt.Errorf("failed to flush log: %w", err)
	}

	off := types.Offset(l.size)
	l.size++
	return off, nil
}

// Sync flushes buffered data and fsyncs the file.
func (l *LogFile) Sync() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.writer == nil {
		return logerrors.ErrClosed
	}
	if err := l.writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush log: %w", err)
	}
	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync log: %w", err)
	}
	return nil
}

// ReadSequence returns a cursor over the records from start to the end of
// the file as it is now. Every call rescans from the first byte.
func (l *LogFile) ReadSequence(start types.Offset) (*Sequence, error) {
	if start < 0 {
		start = 0
	}

	file, err := os.Open(l.path)
	if err != nil {
		return nil, fmt.Errorf("failed to open log for reading: %w", err)
	}

	// size is taken under the append lock so a half-written frame is never
	// part of the snapshot
	limit, err := l.snapshotSize()
	if err != nil {
		_ = file.Close()
		return nil, err
	}

	return &Sequence{
		file:   file,
		reader: bufio.NewReader(io.LimitReader(file, limit)),
		limit:  limit,
		start:  start,
		next:   0,
		opts:   &l.opts,
		path:   l.path,
	}, nil
}

func (l *LogFile) snapshotSize() (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.writer == nil {
		return 0, logerrors.ErrClosed
	}
	if err := l.writer.Flush(); err != nil {
		return 0, fmt.Errorf("failed to flush log before replay: %w", err)
	}
	info, err := l.file.Stat()
	if err != nil {
		return 0, fmt.Errorf("failed to stat log: %w", err)
	}
	return info.Size(), nil
}

// RecoverSize replays the whole file, counting valid records, and returns
// the count and the last valid record. A torn trailing record is cut off so
// later appends start on a frame boundary.
func (l *LogFile) RecoverSize() (int64, []byte, error) {
	seq, err := l.ReadSequence(0)
	if err != nil {
		return 0, nil, err
	}
	defer func() {
		if cerr := seq.Close(); cerr != nil {
			l.opts.Logger.Warn("failed to close log read file", "error", cerr)
		}
	}()

	var (
		count int64
		last  []byte
	)
	for seq.Next() {
		count++
		last = seq.Record()
	}
	if err := seq.Err(); err != nil {
		return 0, nil, fmt.Errorf("failed to recover log size: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if seq.Torn() {
		l.opts.Logger.Warn("truncating torn record at end of log",
			"path", l.path,
			"valid_bytes", seq.Pos(),
			"file_bytes", seq.limit)
		if err := l.file.Truncate(seq.Pos()); err != nil {
			return 0, nil, fmt.Errorf("failed to truncate torn record: %w", err)
		}
	}
	l.size = count
	return count, last, nil
}

func (l *LogFile) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.writer != nil {
		if err := l.writer.Flush(); err != nil {
			return fmt.Errorf("failed to flush log on close: %w", err)
		}
		l.writer = nil
	}

	if l.file != nil {
		if err := l.file.Close(); err != nil {
			return fmt.Errorf("failed to close log file: %w", err)
		}
		l.file = nil
	}

	return nil
}

// Sequence is a forward-only cursor over log records.
type Sequence struct {
	file   *os.File
	reader *bufio.Reader
	limit  int64
	pos    int64
	path   string
	opts   *Options

	start types.Offset
	next  types.Offset // offset the next valid record gets

	off  types.Offset
	rec  []byte
	err  error
	torn bool
	done bool
}

// Next advances to the next valid record at or beyond the start offset.
func (s *Sequence) Next() bool {
	for !s.done {
		payload, ok := s.readFrame()
		if !ok {
			s.done = true
			return false
		}

		if s.opts.Validate != nil {
			if verr := s.opts.Validate(payload); verr != nil {
				if s.opts.Policy == PolicyFail {
					s.err = fmt.Errorf("%w: record after offset %d at byte %d: %w",
						logerrors.ErrCorruptRecord, s.next-1, s.pos-int64(len(payload))-headerSize, verr)
					s.done = true
					return false
				}
				s.opts.Logger.Warn("skipping corrupt log record",
					"path", s.path,
					"after_offset", s.next-1,
					"bytes", len(payload),
					"error", verr)
				s.opts.Metrics.IncCounter("logfile_corrupt_records_total", nil, 1)
				continue
			}
		}

		off := s.next
		s.next++
		if off < s.start {
			continue
		}
		s.off, s.rec = off, payload
		return true
	}
	return false
}

// readFrame reads one [length][payload] frame. It returns false at the end
// of data, on a torn frame, or on an error (recorded in s.err).
func (s *Sequence) readFrame() ([]byte, bool) {
	var hdr [headerSize]byte
	n, err := io.ReadFull(s.reader, hdr[:])
	if err != nil {
		switch {
		case errors.Is(err, io.EOF):
		case errors.Is(err, io.ErrUnexpectedEOF):
			s.markTorn(n)
		default:
			s.err = fmt.Errorf("failed to read record header: %w", err)
		}
		return nil, false
	}

	length := binary.BigEndian.Uint32(hdr[:])
	if length > MaxRecordSize {
		s.err = fmt.Errorf("%w: declared length %d at byte %d", logerrors.ErrCorruptFrame, length, s.pos)
		return nil, false
	}

	payload := make([]byte, length)
	m, err := io.ReadFull(s.reader, payload)
	if err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			s.markTorn(headerSize + m)
		} else {
			s.err = fmt.Errorf("failed to read record: %w", err)
		}
		return nil, false
	}

	s.pos += headerSize + int64(length)
	return payload, true
}

func (s *Sequence) markTorn(read int) {
	s.torn = true
	s.opts.Logger.Warn("ignoring torn record at end of log",
		"path", s.path,
		"at_byte", s.pos,
		"partial_bytes", read)
}

// Offset returns the logical offset of the current record.
func (s *Sequence) Offset() types.Offset { return s.off }

// Record returns the payload of the current record.
func (s *Sequence) Record() []byte { return s.rec }

// Err returns the error that stopped the sequence, if any.
func (s *Sequence) Err() error { return s.err }

// Torn reports whether the file ended in the middle of a record.
func (s *Sequence) Torn() bool { return s.torn }

// Pos returns the byte position just past the last complete frame read.
func (s *Sequence) Pos() int64 { return s.pos }

func (s *Sequence) Close() error {
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}
