package pmem

import (
	"errors"
	"fmt"
	"hash/crc32"
	"io/fs"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/joshuapare/pmemkit/engine"
	"github.com/joshuapare/pmemkit/internal/buf"
	"github.com/joshuapare/pmemkit/internal/format"
	"github.com/joshuapare/pmemkit/internal/logger"
	"github.com/joshuapare/pmemkit/internal/mmfile"
)

// Pool is the concrete engine: a fixed-size block heap over a mapped file or
// volatile arena, with a write-ahead undo journal for transactions.
//
// The allocator, the live set and the journal are guarded by mu. Payload
// reads and writes through views returned by Open take no lock.
//
// Transactions are serialized: txMu is taken by Begin and held until the
// log ends or aborts, so an undo image never covers another transaction's
// uncommitted store. The auto-transactions behind Write, WriteBytes and
// SetRoot queue on the same lock.
type Pool struct {
	mu     sync.Mutex
	txMu   sync.Mutex
	path   string // empty for volatile pools
	media  media
	data   []byte
	id     uuid.UUID
	alloc  *allocator
	j      journal
	active map[uint64]*txLog
	nextTx uint64
	closed atomic.Bool
	log    *slog.Logger
}

var _ engine.Engine = (*Pool)(nil)

// Create initializes a new pool file at path. It fails if the file exists.
func Create(path string, opts Options) (*Pool, error) {
	opts = opts.withDefaults()
	if err := mmfile.Create(path, opts.Size); err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	m, err := mmfile.Map(path)
	if err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("map pool: %w", err)
	}
	fm := &fileMedia{m: m}
	id := uuid.New()
	writePoolHeader(fm.Bytes(), id)
	if err := fm.Sync(0, format.PoolHeaderSize); err != nil {
		fm.Close()
		return nil, err
	}
	os.Remove(journalPath(path))
	j, err := openFileJournal(journalPath(path))
	if err != nil {
		fm.Close()
		return nil, err
	}
	p := newPool(path, fm, j, id, opts)
	p.log.Info("pool created", "path", path, "size", opts.Size, "uuid", id)
	return p, nil
}

// Open maps an existing pool file, replays its journal and rebuilds the
// free lists.
func Open(path string, opts Options) (*Pool, error) {
	opts = opts.withDefaults()
	m, err := mmfile.Map(path)
	if err != nil {
		return nil, fmt.Errorf("map pool: %w", err)
	}
	fm := &fileMedia{m: m}
	id, bump, err := readPoolHeader(fm.Bytes())
	if err != nil {
		fm.Close()
		return nil, fmt.Errorf("open pool %s: %w", path, err)
	}
	recs, err := readJournal(journalPath(path))
	if err != nil {
		fm.Close()
		return nil, err
	}
	j, err := openFileJournal(journalPath(path))
	if err != nil {
		fm.Close()
		return nil, err
	}
	p := newPool(path, fm, j, id, opts)
	if err := p.alloc.scan(bump); err != nil {
		p.media.Close()
		j.close()
		return nil, err
	}
	if err := p.recover(recs); err != nil {
		p.media.Close()
		j.close()
		return nil, fmt.Errorf("recover pool %s: %w", path, err)
	}
	p.log.Info("pool opened", "path", path, "size", len(p.data), "uuid", id,
		"allocations", len(p.alloc.live))
	return p, nil
}

// OpenOrCreate opens path if it exists, otherwise creates it.
func OpenOrCreate(path string, opts Options) (*Pool, error) {
	_, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Create(path, opts)
	}
	if err != nil {
		return nil, err
	}
	return Open(path, opts)
}

// NewVolatile returns a pool over a heap-allocated arena. Contents are lost
// on Close; flushes are no-ops.
func NewVolatile(opts Options) *Pool {
	opts = opts.withDefaults()
	mm := &memMedia{data: make([]byte, opts.Size)}
	id := uuid.New()
	writePoolHeader(mm.data, id)
	return newPool("", mm, memJournal{}, id, opts)
}

func newPool(path string, m media, j journal, id uuid.UUID, opts Options) *Pool {
	p := &Pool{
		path:   path,
		media:  m,
		data:   m.Bytes(),
		id:     id,
		j:      j,
		active: make(map[uint64]*txLog),
		nextTx: 1,
		log:    logger.Or(opts.Logger),
	}
	p.alloc = newAllocator(p.data, m.Sync, opts.SizeClasses)
	return p
}

func writePoolHeader(b []byte, id uuid.UUID) {
	copy(b[format.PoolMagicOffset:], format.PoolMagic)
	format.PutU32(b, format.PoolVersionOffset, format.PoolVersion)
	format.PutU32(b, format.PoolFlagsOffset, 0)
	copy(b[format.PoolUUIDOffset:format.PoolUUIDOffset+16], id[:])
	format.PutU64(b, format.PoolSizeOffset, uint64(len(b)))
	format.PutU32(b, format.PoolChecksumOffset, crc32.ChecksumIEEE(b[:format.PoolChecksumSpan]))
	format.PutU64(b, format.PoolBumpOffset, format.PoolHeaderSize)
	for i := range format.NumRootSlots {
		format.PutU64(b, format.PoolRootsOffset+8*i, 0)
	}
}

func readPoolHeader(b []byte) (uuid.UUID, int64, error) {
	if len(b) < format.PoolHeaderSize {
		return uuid.Nil, 0, format.ErrTruncated
	}
	if string(b[format.PoolMagicOffset:format.PoolMagicOffset+8]) != format.PoolMagic {
		return uuid.Nil, 0, format.ErrSignatureMismatch
	}
	if v := format.ReadU32(b, format.PoolVersionOffset); v != format.PoolVersion {
		return uuid.Nil, 0, fmt.Errorf("%w: %d", format.ErrUnsupported, v)
	}
	if crc32.ChecksumIEEE(b[:format.PoolChecksumSpan]) != format.ReadU32(b, format.PoolChecksumOffset) {
		return uuid.Nil, 0, format.ErrChecksum
	}
	if size := format.ReadU64(b, format.PoolSizeOffset); size != uint64(len(b)) {
		return uuid.Nil, 0, fmt.Errorf("%w: header size %d, file size %d", format.ErrTruncated, size, len(b))
	}
	id, err := uuid.FromBytes(b[format.PoolUUIDOffset : format.PoolUUIDOffset+16])
	if err != nil {
		return uuid.Nil, 0, err
	}
	return id, int64(format.ReadU64(b, format.PoolBumpOffset)), nil
}

// recover rolls back transactions that never finished and completes the
// deferred frees of committed ones. The journal is truncated afterwards.
func (p *Pool) recover(recs []record) error {
	if len(recs) == 0 {
		return p.j.reset()
	}
	type txState struct {
		committed, aborted, done bool
		allocs, frees            []uint64
	}
	txs := make(map[uint64]*txState)
	get := func(id uint64) *txState {
		s, ok := txs[id]
		if !ok {
			s = &txState{}
			txs[id] = s
		}
		return s
	}
	for _, r := range recs {
		s := get(r.tx)
		switch r.typ {
		case recAlloc:
			s.allocs = append(s.allocs, r.off)
		case recFree:
			s.frees = append(s.frees, r.off)
		case recCommit:
			s.committed = true
		case recAbort:
			s.aborted = true
		case recDone:
			s.done = true
		}
	}

	rolledBack, redone := 0, 0
	for i := len(recs) - 1; i >= 0; i-- {
		r := recs[i]
		if r.typ != recWrite {
			continue
		}
		s := txs[r.tx]
		if s.committed || s.aborted {
			continue
		}
		if !buf.InRange(int64(len(p.data)), int64(r.off), int64(len(r.data))) {
			return fmt.Errorf("%w: journal write at %#x", ErrCorrupt, r.off)
		}
		copy(p.data[r.off:], r.data)
		if err := p.media.Sync(int64(r.off), int64(len(r.data))); err != nil {
			return err
		}
	}
	for id, s := range txs {
		var release []uint64
		switch {
		case !s.committed && !s.aborted:
			release = s.allocs
			rolledBack++
		case s.committed && !s.done:
			release = s.frees
			redone++
		}
		for _, h := range release {
			if !p.alloc.isAllocated(engine.Handle(h)) {
				continue
			}
			if err := p.alloc.free(engine.Handle(h)); err != nil {
				return fmt.Errorf("recover tx %d: %w", id, err)
			}
		}
	}
	if rolledBack > 0 || redone > 0 {
		p.log.Warn("journal recovered", "path", p.path, "rolled_back", rolledBack, "frees_redone", redone)
	}
	return p.j.reset()
}

func (p *Pool) checkOpen() error {
	if p.closed.Load() {
		return ErrClosed
	}
	return nil
}

// resolve bounds-checks [off, off+n) against h's payload and returns the
// absolute pool offset.
func (p *Pool) resolve(h engine.Handle, off, n int64) (int64, error) {
	if err := p.checkOpen(); err != nil {
		return 0, err
	}
	p.mu.Lock()
	size, ok := p.alloc.payloadSize(h)
	p.mu.Unlock()
	if !ok {
		return 0, fmt.Errorf("%w: %#x", ErrNotAllocated, uint64(h))
	}
	if !buf.InRange(size, off, n) {
		return 0, fmt.Errorf("%w: [%d,+%d) of %d", ErrRange, off, n, size)
	}
	return int64(h) + off, nil
}

// Allocate implements engine.Engine.
func (p *Pool) Allocate(size int64) (engine.Handle, error) {
	if err := p.checkOpen(); err != nil {
		return engine.Null, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.alloc.alloc(size)
}

// Open implements engine.Engine.
func (p *Pool) Open(h engine.Handle) ([]byte, error) {
	if err := p.checkOpen(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	size, ok := p.alloc.payloadSize(h)
	p.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %#x", ErrNotAllocated, uint64(h))
	}
	return p.data[h : int64(h)+size : int64(h)+size], nil
}

// Free implements engine.Engine.
func (p *Pool) Free(h engine.Handle) error {
	if err := p.checkOpen(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.alloc.free(h)
}

// IsAllocated implements engine.Engine.
func (p *Pool) IsAllocated(h engine.Handle) bool {
	if p.closed.Load() {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.alloc.isAllocated(h)
}

// Read implements engine.Engine.
func (p *Pool) Read(h engine.Handle, off int64, width int) (uint64, error) {
	if !format.ValidWidth(width) {
		return 0, fmt.Errorf("%w: %d", ErrWidth, width)
	}
	abs, err := p.resolve(h, off, int64(width))
	if err != nil {
		return 0, err
	}
	return format.ReadUint(p.data, int(abs), width), nil
}

// Write implements engine.Engine. The store runs in its own short
// transaction so it is atomic across a crash.
func (p *Pool) Write(h engine.Handle, off int64, width int, v uint64) error {
	if !format.ValidWidth(width) {
		return fmt.Errorf("%w: %d", ErrWidth, width)
	}
	b := make([]byte, width)
	format.PutUint(b, 0, width, v)
	return p.WriteBytes(h, off, b)
}

// WriteBytes implements engine.Engine.
func (p *Pool) WriteBytes(h engine.Handle, off int64, b []byte) error {
	l, err := p.begin()
	if err != nil {
		return err
	}
	if err := l.WriteBytes(h, off, b); err != nil {
		_ = l.Abort()
		return err
	}
	return l.End()
}

// Flush implements engine.Engine.
func (p *Pool) Flush(h engine.Handle, off, n int64) error {
	abs, err := p.resolve(h, off, n)
	if err != nil {
		return err
	}
	return p.media.Sync(abs, n)
}

// Begin implements engine.Engine.
func (p *Pool) Begin() (engine.Log, error) {
	return p.begin()
}

func (p *Pool) begin() (*txLog, error) {
	if err := p.checkOpen(); err != nil {
		return nil, err
	}
	p.txMu.Lock()
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.checkOpen(); err != nil {
		p.txMu.Unlock()
		return nil, err
	}
	l := &txLog{p: p, id: p.nextTx, held: true}
	p.nextTx++
	p.active[l.id] = l
	return l, nil
}

// Root implements engine.Engine.
func (p *Pool) Root(slot engine.Slot) (engine.Handle, error) {
	if err := p.checkOpen(); err != nil {
		return engine.Null, err
	}
	if slot < 0 || int(slot) >= format.NumRootSlots {
		return engine.Null, fmt.Errorf("%w: %d", ErrSlot, slot)
	}
	return engine.Handle(format.ReadU64(p.data, rootOffset(slot))), nil
}

// SetRoot implements engine.Engine.
func (p *Pool) SetRoot(slot engine.Slot, h engine.Handle) error {
	l, err := p.begin()
	if err != nil {
		return err
	}
	if err := l.SetRoot(slot, h); err != nil {
		_ = l.Abort()
		return err
	}
	return l.End()
}

func rootOffset(slot engine.Slot) int {
	return format.PoolRootsOffset + 8*int(slot)
}

// Stats implements engine.Engine.
func (p *Pool) Stats() engine.Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	freeBytes, freeBlocks := p.alloc.stats()
	return engine.Stats{
		PoolSize:    int64(len(p.data)),
		Used:        p.alloc.usedBytes,
		Free:        freeBytes,
		Allocations: len(p.alloc.live),
		FreeBlocks:  freeBlocks,
		ActiveTx:    len(p.active),
	}
}

// UUID implements engine.Engine.
func (p *Pool) UUID() uuid.UUID { return p.id }

// Close releases the mapping and the journal. Transactions still in flight
// are left in the journal and rolled back by the next Open; goroutines
// waiting in Begin wake up with ErrClosed.
func (p *Pool) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if n := len(p.active); n > 0 {
		p.log.Warn("pool closed with active transactions", "path", p.path, "active", n)
	}
	for _, l := range p.active {
		l.done = true
		l.releaseLocked()
	}
	err := p.media.Close()
	if jerr := p.j.close(); err == nil {
		err = jerr
	}
	p.log.Info("pool closed", "path", p.path)
	return err
}
