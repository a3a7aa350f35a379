package eventlog

import (
	"compress/gzip"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"github.com/lighthouse/bridge/internal/core"
)

// On-disk segment layout (spec'd wire format, bit-stable):
//
//	header:  magic "LHEV" | version u32 | segment_id u64 | sequence_lo u64
//	records: length u32 | payload bytes[length]
//
// The trailing record may be torn after a crash and is truncated on recovery.
const (
	segmentMagic   = "LHEV"
	segmentVersion = 1
	headerSize     = 4 + 4 + 8 + 8

	// maxRecordLen rejects impossible record lengths during recovery scans.
	maxRecordLen = MaxBatchBytes
)

func segmentFileName(id uint64) string {
	return fmt.Sprintf("events_%06d.log", id)
}

// segmentInfo is one entry of the in-memory segment index.
type segmentInfo struct {
	ID     uint64 `json:"segment_id"`
	Path   string `json:"path"`
	SeqLo  uint64 `json:"sequence_lo"`
	SeqHi  uint64 `json:"sequence_hi"` // inclusive; SeqLo-1 when empty
	Events int    `json:"events"`
	Bytes  int64  `json:"bytes"`
}

func (s *segmentInfo) empty() bool { return s.Events == 0 }

// segmentWriter owns the currently open segment file. Only the store's
// single writer touches it.
type segmentWriter struct {
	info  *segmentInfo
	f     *os.File
	dirty bool // unsynced bytes pending (batch/async policies)
}

func newSegmentWriter(dir string, id, seqLo uint64) (*segmentWriter, error) {
	path := filepath.Join(dir, segmentFileName(id))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, core.Storagef(core.CodeIOError, err, "create segment %s", path)
	}

	hdr := make([]byte, headerSize)
	copy(hdr[0:4], segmentMagic)
	binary.BigEndian.PutUint32(hdr[4:8], segmentVersion)
	binary.BigEndian.PutUint64(hdr[8:16], id)
	binary.BigEndian.PutUint64(hdr[16:24], seqLo)
	if _, err := f.Write(hdr); err != nil {
		f.Close()
		return nil, core.Storagef(core.CodeIOError, err, "write segment header %s", path)
	}

	return &segmentWriter{
		f:     f,
		dirty: true,
		info:  &segmentInfo{ID: id, Path: path, SeqLo: seqLo, SeqHi: seqLo - 1, Bytes: headerSize},
	}, nil
}

// writeRecord appends one length-prefixed encoded event.
func (sw *segmentWriter) writeRecord(encoded []byte, seq uint64) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(encoded)))
	if _, err := sw.f.Write(lenBuf[:]); err != nil {
		return core.Storagef(core.CodeIOError, err, "write record length in %s", sw.info.Path)
	}
	if _, err := sw.f.Write(encoded); err != nil {
		return core.Storagef(core.CodeIOError, err, "write record in %s", sw.info.Path)
	}
	sw.info.Bytes += int64(4 + len(encoded))
	sw.info.Events++
	sw.info.SeqHi = seq
	sw.dirty = true
	return nil
}

func (sw *segmentWriter) sync() error {
	if !sw.dirty {
		return nil
	}
	if err := sw.f.Sync(); err != nil {
		return core.Storagef(core.CodeIOError, err, "fsync %s", sw.info.Path)
	}
	sw.dirty = false
	return nil
}

func (sw *segmentWriter) close() error {
	if sw.f == nil {
		return nil
	}
	if err := sw.sync(); err != nil {
		sw.f.Close()
		return err
	}
	err := sw.f.Close()
	sw.f = nil
	if err != nil {
		return core.Storagef(core.CodeIOError, err, "close %s", sw.info.Path)
	}
	return nil
}

// scanSegment validates a segment's header and walks its records, calling
// fn for each decoded event. When repair is true the file is truncated at
// the first torn or undecodable record instead of failing; the returned
// bool reports whether a truncation happened.
func scanSegment(path string, repair bool, fn func(*Event, int64) error) (*segmentInfo, bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, false, core.Storagef(core.CodeIOError, err, "open segment %s", path)
	}
	defer f.Close()

	hdr := make([]byte, headerSize)
	if _, err := io.ReadFull(f, hdr); err != nil {
		return nil, false, core.Storagef(core.CodeCorruptSegment, err, "segment %s: short header", path)
	}
	if string(hdr[0:4]) != segmentMagic {
		return nil, false, core.Storagef(core.CodeCorruptSegment, nil, "segment %s: bad magic", path)
	}
	if v := binary.BigEndian.Uint32(hdr[4:8]); v != segmentVersion {
		return nil, false, core.Storagef(core.CodeCorruptSegment, nil, "segment %s: unsupported version %d", path, v)
	}

	info := &segmentInfo{
		ID:    binary.BigEndian.Uint64(hdr[8:16]),
		Path:  path,
		SeqLo: binary.BigEndian.Uint64(hdr[16:24]),
	}
	info.SeqHi = info.SeqLo - 1

	offset := int64(headerSize)
	var lenBuf [4]byte
	for {
		_, err := io.ReadFull(f, lenBuf[:])
		if err == io.EOF {
			break
		}
		torn := err != nil
		var recLen uint32
		var rec []byte
		if !torn {
			recLen = binary.BigEndian.Uint32(lenBuf[:])
			if recLen == 0 || recLen > maxRecordLen {
				torn = true
			}
		}
		if !torn {
			rec = make([]byte, recLen)
			if _, err := io.ReadFull(f, rec); err != nil {
				torn = true
			}
		}
		var ev *Event
		if !torn {
			if ev, err = DecodeEvent(rec); err != nil {
				torn = true
			}
		}
		if torn {
			if !repair {
				return nil, false, core.Storagef(core.CodeCorruptSegment, nil,
					"segment %s: torn record at offset %d", path, offset)
			}
			f.Close()
			if err := os.Truncate(path, offset); err != nil {
				return nil, false, core.Storagef(core.CodeIOError, err, "truncate %s", path)
			}
			slog.Warn("recovered torn write", "segment", path, "offset", offset)
			return info, true, nil
		}

		if fn != nil {
			if err := fn(ev, offset); err != nil {
				return nil, false, err
			}
		}
		offset += int64(4 + recLen)
		info.Bytes = offset
		info.Events++
		info.SeqHi = ev.Sequence
	}
	info.Bytes = offset
	return info, false, nil
}

// listSegmentFiles returns segment paths in segment-id order.
func listSegmentFiles(dir string) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "events_*.log"))
	if err != nil {
		return nil, core.Storagef(core.CodeIOError, err, "list segments in %s", dir)
	}
	sort.Strings(matches)
	return matches, nil
}

// compressSegment writes a gzip sibling <path>.z for a rotated segment and
// validates it by re-reading before reporting success. The original stays
// the source of truth regardless.
func compressSegment(path string) error {
	src, err := os.Open(path)
	if err != nil {
		return core.Storagef(core.CodeIOError, err, "open %s for compression", path)
	}
	defer src.Close()

	zPath := path + ".z"
	tmp := zPath + ".tmp"
	dst, err := os.Create(tmp)
	if err != nil {
		return core.Storagef(core.CodeIOError, err, "create %s", tmp)
	}
	zw := gzip.NewWriter(dst)
	if _, err := io.Copy(zw, src); err != nil {
		zw.Close()
		dst.Close()
		os.Remove(tmp)
		return core.Storagef(core.CodeIOError, err, "compress %s", path)
	}
	if err := zw.Close(); err != nil {
		dst.Close()
		os.Remove(tmp)
		return core.Storagef(core.CodeIOError, err, "finish compressing %s", path)
	}
	if err := dst.Close(); err != nil {
		os.Remove(tmp)
		return core.Storagef(core.CodeIOError, err, "close %s", tmp)
	}

	// Validate the compressed copy byte-for-byte before promoting it.
	if err := verifyCompressed(path, tmp); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, zPath); err != nil {
		os.Remove(tmp)
		return core.Storagef(core.CodeIOError, err, "promote %s", zPath)
	}
	return nil
}

func verifyCompressed(origPath, zPath string) error {
	orig, err := os.ReadFile(origPath)
	if err != nil {
		return core.Storagef(core.CodeIOError, err, "reread %s", origPath)
	}
	zf, err := os.Open(zPath)
	if err != nil {
		return core.Storagef(core.CodeIOError, err, "open %s", zPath)
	}
	defer zf.Close()
	zr, err := gzip.NewReader(zf)
	if err != nil {
		return core.Storagef(core.CodeCorruptSegment, err, "compressed copy of %s unreadable", origPath)
	}
	defer zr.Close()
	decoded, err := io.ReadAll(zr)
	if err != nil {
		return core.Storagef(core.CodeCorruptSegment, err, "compressed copy of %s unreadable", origPath)
	}
	if len(decoded) != len(orig) || string(decoded) != string(orig) {
		return core.Storagef(core.CodeCorruptSegment, nil, "compressed copy of %s does not round-trip", origPath)
	}
	return nil
}
