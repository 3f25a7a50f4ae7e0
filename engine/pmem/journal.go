package pmem

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io/fs"
	"os"

	"github.com/joshuapare/pmemkit/internal/buf"
	"github.com/joshuapare/pmemkit/internal/mmfile"
)

// Journal records. Each record is framed as
//
//	u32 body length | u32 CRC32(body) | body
//
// and every body starts with u8 type | u64 transaction id. A torn or
// corrupt tail ends replay at the last good record.
type recType uint8

const (
	recWrite  recType = 1 // u64 absolute offset | u32 n | n bytes pre-image
	recAlloc  recType = 2 // u64 handle allocated inside the transaction
	recFree   recType = 3 // u64 handle to free once committed
	recCommit recType = 4
	recAbort  recType = 5
	recDone   recType = 6 // deferred frees of a committed transaction ran

	frameHeaderSize = 8
	recHeaderSize   = 9
)

type record struct {
	typ  recType
	tx   uint64
	off  uint64 // recWrite: absolute offset; recAlloc/recFree: handle
	data []byte // recWrite pre-image
}

func (r record) encode() []byte {
	n := recHeaderSize
	switch r.typ {
	case recWrite:
		n += 12 + len(r.data)
	case recAlloc, recFree:
		n += 8
	}
	frame := make([]byte, frameHeaderSize+n)
	body := frame[frameHeaderSize:]
	body[0] = byte(r.typ)
	binary.LittleEndian.PutUint64(body[1:9], r.tx)
	switch r.typ {
	case recWrite:
		binary.LittleEndian.PutUint64(body[9:17], r.off)
		binary.LittleEndian.PutUint32(body[17:21], uint32(len(r.data)))
		copy(body[21:], r.data)
	case recAlloc, recFree:
		binary.LittleEndian.PutUint64(body[9:17], r.off)
	}
	binary.LittleEndian.PutUint32(frame[0:4], uint32(n))
	binary.LittleEndian.PutUint32(frame[4:8], crc32.ChecksumIEEE(body))
	return frame
}

// decodeRecords parses every intact record in b. It stops silently at the
// first short or corrupt frame.
func decodeRecords(b []byte) []record {
	var out []record
	c := buf.NewCursor(b)
	for c.Remaining() >= frameHeaderSize {
		n := c.U32()
		sum := c.U32()
		body := c.Bytes(int(n))
		if c.Short || n < recHeaderSize || crc32.ChecksumIEEE(body) != sum {
			break
		}
		bc := buf.NewCursor(body)
		r := record{typ: recType(bc.U8()), tx: bc.U64()}
		switch r.typ {
		case recWrite:
			r.off = bc.U64()
			r.data = bc.Bytes(int(bc.U32()))
		case recAlloc, recFree:
			r.off = bc.U64()
		case recCommit, recAbort, recDone:
		default:
			return out
		}
		if bc.Short {
			break
		}
		out = append(out, r)
	}
	return out
}

// journal is the write-ahead undo log sink.
type journal interface {
	// append writes r durably before returning.
	append(r record) error
	// reset discards every record. Called only with no transaction active.
	reset() error
	close() error
}

// fileJournal appends framed records to <pool>.journal and fdatasyncs each.
type fileJournal struct {
	f *os.File
}

func journalPath(pool string) string { return pool + ".journal" }

// readJournal returns the records of an existing journal, or nil when none.
func readJournal(path string) ([]record, error) {
	b, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read journal: %w", err)
	}
	return decodeRecords(b), nil
}

func openFileJournal(path string) (*fileJournal, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	return &fileJournal{f: f}, nil
}

func (j *fileJournal) append(r record) error {
	if _, err := j.f.Write(r.encode()); err != nil {
		return fmt.Errorf("journal append: %w", err)
	}
	if err := mmfile.SyncFile(j.f); err != nil {
		return fmt.Errorf("journal sync: %w", err)
	}
	return nil
}

func (j *fileJournal) reset() error {
	if err := j.f.Truncate(0); err != nil {
		return fmt.Errorf("journal truncate: %w", err)
	}
	return mmfile.SyncFile(j.f)
}

func (j *fileJournal) close() error { return j.f.Close() }

// memJournal backs volatile pools. Nothing survives the process, so
// records are dropped; abort uses the transaction's in-memory undo list.
type memJournal struct{}

func (memJournal) append(record) error { return nil }
func (memJournal) reset() error        { return nil }
func (memJournal) close() error        { return nil }
