package ember

import (
	"fmt"
	"os"
	"sync"
	"time"
	"unsafe"
)

// IgnoreNoSync lets callers force fdatasync even when a platform's NoSync
// default would otherwise skip it. Only ever flipped by tests.
var IgnoreNoSync = false

// defaultPageSize is used to size a freshly created database file. An
// existing file's page size is instead read back from its own meta page,
// so copying a database between machines with different OS page sizes
// works without recompiling.
var defaultPageSize = os.Getpagesize()

const (
	// minMmapSize is the smallest size the mmap is ever grown to.
	minMmapSize = 1 << 22 // 4MB

	// maxMmapStep bounds how much the mmap grows in one remap once it
	// passes minMmapSize, to avoid one huge allocation spike.
	maxMmapStep = 1 << 30 // 1GB
)

// Options configures how a database file is opened.
type Options struct {
	// Timeout is how long Open waits to obtain the file lock. Zero means
	// wait indefinitely. Only meaningful on platforms with a blocking
	// flock(2) (see db_unix.go).
	Timeout time.Duration

	// NoGrowSync skips the file truncate/fsync pair normally performed
	// when growing the database file. Speeds up bulk loads at the cost
	// of leaving the file sparse until the next normal write.
	NoGrowSync bool

	// ReadOnly opens the database for read-only transactions and takes
	// a shared rather than exclusive file lock.
	ReadOnly bool

	// MmapFlags is passed through to mmap(2), e.g. unix.MAP_POPULATE.
	MmapFlags int

	// InitialMmapSize sets the starting mmap size, avoiding a remap on
	// every write while a large known dataset is loaded.
	InitialMmapSize int

	// NoSync skips the fdatasync call after every write transaction.
	// Durability then depends entirely on the OS's own writeback, which
	// is never safe for anything but scratch or test databases.
	NoSync bool

	// OpenFile overrides the function used to open the database file.
	// Tests substitute this to inject I/O failures.
	OpenFile func(string, int, os.FileMode) (*os.File, error)
}

// DefaultOptions is used when Open is called with a nil *Options.
var DefaultOptions = &Options{
	Timeout:    0,
	NoGrowSync: false,
}

// DB represents a collection of buckets, persisted as a single
// memory-mapped file. Every read and write goes through a transaction
// obtained from the DB: see Begin, View and Update.
type DB struct {
	// StrictMode runs a full consistency check (via Tx.Check) at the end
	// of every commit and panics if it finds anything wrong. Meant for
	// tests, never production: it makes every commit O(database size).
	StrictMode bool

	// NoSync is read once at Open time from Options.NoSync.
	NoSync bool

	// NoGrowSync is read once at Open time from Options.NoGrowSync.
	NoGrowSync bool

	// MmapFlags is read once at Open time from Options.MmapFlags.
	MmapFlags int

	path     string
	file     *os.File
	data     []byte
	datasz   int
	filesz   int
	meta0    *meta
	meta1    *meta
	pageSize int
	opened   bool
	readOnly bool
	rwtx     *Tx
	txs      []*Tx
	freelist *freelist
	pagePool sync.Pool

	rwlock   sync.Mutex
	metalock sync.Mutex
	mmaplock sync.RWMutex
	statlock sync.RWMutex

	stats Stats

	ops struct {
		writeAt func(b []byte, off int64) (n int, err error)
	}
}

// Path returns the path to the currently open database file.
func (db *DB) Path() string { return db.path }

// GoString implements fmt.GoStringer.
func (db *DB) GoString() string { return fmt.Sprintf("ember.DB{path:%q}", db.path) }

func (db *DB) String() string { return fmt.Sprintf("DB<%q>", db.path) }

// Open creates and opens a database at the given path. If the file
// doesn't exist it's created with four bootstrap pages: two meta pages,
// an empty freelist, and an empty root leaf. options may be nil to
// accept DefaultOptions.
func Open(path string, mode os.FileMode, options *Options) (*DB, error) {
	db := &DB{opened: true}

	if options == nil {
		options = DefaultOptions
	}
	db.NoSync = options.NoSync
	db.NoGrowSync = options.NoGrowSync
	db.MmapFlags = options.MmapFlags
	db.readOnly = options.ReadOnly

	flag := os.O_RDWR
	if db.readOnly {
		flag = os.O_RDONLY
	}

	openFile := options.OpenFile
	if openFile == nil {
		openFile = os.OpenFile
	}

	var err error
	if db.file, err = openFile(path, flag|os.O_CREATE, mode); err != nil {
		_ = db.close()
		return nil, err
	}
	db.path = db.file.Name()

	if err := flock(db, !db.readOnly, options.Timeout); err != nil {
		_ = db.close()
		return nil, err
	}

	db.ops.writeAt = db.file.WriteAt

	if info, err := db.file.Stat(); err != nil {
		_ = db.close()
		return nil, err
	} else if info.Size() == 0 {
		if err := db.init(); err != nil {
			_ = db.close()
			return nil, err
		}
	} else {
		// Take the page size from meta page 0. If that page can't be read
		// or doesn't validate, assume the default page size and let mmap
		// fall back to meta page 1.
		db.pageSize = defaultPageSize
		var buf [0x1000]byte
		if _, err := db.file.ReadAt(buf[:], 0); err == nil {
			if m := db.pageInBuffer(buf[:], 0).meta(); m.validate() == nil {
				db.pageSize = int(m.pageSize)
			}
		}
	}

	db.pagePool = sync.Pool{
		New: func() interface{} {
			return make([]byte, db.pageSize)
		},
	}

	if err := db.mmap(options.InitialMmapSize); err != nil {
		_ = db.close()
		return nil, err
	}

	db.freelist = newFreelist()
	db.freelist.read(db.freelistPage())

	return db, nil
}

// init writes the bootstrap layout of a brand-new database file: meta
// pages at 0 and 1, an empty freelist at 2, and an empty root leaf at 3.
func (db *DB) init() error {
	db.pageSize = defaultPageSize

	buf := make([]byte, db.pageSize*4)
	for i := 0; i < 2; i++ {
		p := db.pageInBuffer(buf, pgid(i))
		p.id = pgid(i)
		p.flags = metaPageFlag

		m := p.meta()
		m.magic = magic
		m.version = version
		m.pageSize = uint32(db.pageSize)
		m.freelist = 2
		m.root = bucket{root: 3}
		m.pgid = 4
		m.txid = txid(0)
		m.checksum = m.sum64()
	}

	p := db.pageInBuffer(buf, 2)
	p.id = 2
	p.flags = freelistPageFlag
	p.count = 0

	p = db.pageInBuffer(buf, 3)
	p.id = 3
	p.flags = leafPageFlag
	p.count = 0

	if _, err := db.ops.writeAt(buf, 0); err != nil {
		return err
	}
	return fdatasync(db)
}

// mmap opens (or reopens) the memory mapping of the data file, sized to
// hold at least minsz bytes, and refreshes the two meta page references.
func (db *DB) mmap(minsz int) error {
	db.mmaplock.Lock()
	defer db.mmaplock.Unlock()

	info, err := db.file.Stat()
	if err != nil {
		return fmt.Errorf("mmap stat error: %w", err)
	} else if int(info.Size()) < db.pageSize*2 {
		return ErrFileSizeTooSmall
	}

	size := int(info.Size())
	if size < minsz {
		size = minsz
	}
	size = db.mmapSize(size)

	if db.rwtx != nil {
		db.rwtx.root.dereference()
	}

	if err := db.munmap(); err != nil {
		return err
	}

	if err := mmap(db, size); err != nil {
		return err
	}

	db.filesz = int(info.Size())
	db.meta0 = db.page(0).meta()
	db.meta1 = db.page(1).meta()

	err0 := db.meta0.validate()
	err1 := db.meta1.validate()
	if err0 != nil && err1 != nil {
		return err0
	}

	return nil
}

// munmap tears down the current memory mapping, if any.
func (db *DB) munmap() error {
	if err := munmap(db); err != nil {
		return fmt.Errorf("unmap error: %w", err)
	}
	return nil
}

// mmapSize rounds size up to the next doubling (capped at maxMmapStep
// increments once past minMmapSize) and to a page size multiple.
func (db *DB) mmapSize(size int) int {
	if size < minMmapSize {
		size = minMmapSize
	} else if size < maxMmapStep {
		size *= 2
	} else {
		size += maxMmapStep
	}

	if (size % db.pageSize) != 0 {
		size = ((size / db.pageSize) + 1) * db.pageSize
	}

	return size
}

// grow extends the underlying file to sz bytes, if it isn't already that
// large. Separate from mmap: the file is grown eagerly on commit so a
// later mmap remap never has to race a concurrent writer.
func (db *DB) grow(sz int) error {
	if sz <= db.filesz {
		return nil
	}

	// gofail: var beforeGrowDataSize bool
	if !db.NoGrowSync && !db.readOnly {
		if err := db.file.Truncate(int64(sz)); err != nil {
			return fmt.Errorf("file resize error: %w", err)
		}
		if err := db.file.Sync(); err != nil {
			return fmt.Errorf("file sync error: %w", err)
		}
	}

	db.filesz = sz
	return nil
}

// Close releases all database resources. Every transaction must already
// be closed.
func (db *DB) Close() error {
	db.rwlock.Lock()
	defer db.rwlock.Unlock()
	db.metalock.Lock()
	defer db.metalock.Unlock()
	db.mmaplock.Lock()
	defer db.mmaplock.Unlock()
	return db.close()
}

func (db *DB) close() error {
	if !db.opened {
		return nil
	}
	db.opened = false
	db.freelist = nil

	if err := db.munmap(); err != nil {
		return err
	}

	if db.file != nil {
		if !db.readOnly {
			_ = funlock(db)
		}
		if err := db.file.Close(); err != nil {
			return fmt.Errorf("db file close: %w", err)
		}
		db.file = nil
	}

	db.path = ""
	return nil
}

// Begin starts a new transaction. Only one writable transaction may be
// open at a time; Begin(true) blocks until the previous one commits or
// rolls back. Any number of read-only transactions may run concurrently
// with each other and with the single writer.
func (db *DB) Begin(writable bool) (*Tx, error) {
	if writable {
		return db.beginRWTx()
	}
	return db.beginTx()
}

func (db *DB) beginTx() (*Tx, error) {
	db.metalock.Lock()
	defer db.metalock.Unlock()

	db.mmaplock.RLock()

	if !db.opened {
		db.mmaplock.RUnlock()
		return nil, ErrDatabaseNotOpen
	}

	t := &Tx{}
	t.init(db)

	db.txs = append(db.txs, t)

	return t, nil
}

func (db *DB) beginRWTx() (*Tx, error) {
	if db.readOnly {
		return nil, ErrDatabaseReadOnly
	}

	db.rwlock.Lock()

	db.metalock.Lock()
	defer db.metalock.Unlock()

	if !db.opened {
		db.rwlock.Unlock()
		return nil, ErrDatabaseNotOpen
	}

	t := &Tx{writable: true}
	t.init(db)
	db.rwtx = t

	db.releaseReclaimable()

	return t, nil
}

// releaseReclaimable moves every pending page older than the oldest open
// reader into the free set, since no reader can still need them.
func (db *DB) releaseReclaimable() {
	minid := txid(0xFFFFFFFFFFFFFFFF)
	for _, t := range db.txs {
		if txid(t.ID()) < minid {
			minid = txid(t.ID())
		}
	}
	if minid > 0 {
		db.freelist.release(minid - 1)
	}
}

// removeTx detaches a closed read-only transaction from db.txs.
func (db *DB) removeTx(t *Tx) {
	db.mmaplock.RUnlock()

	db.metalock.Lock()
	defer db.metalock.Unlock()

	for i, tx := range db.txs {
		if tx == t {
			last := len(db.txs) - 1
			db.txs[i] = db.txs[last]
			db.txs[last] = nil
			db.txs = db.txs[:last]
			break
		}
	}

	db.statlock.Lock()
	db.stats.TxStats.add(&t.stats)
	db.statlock.Unlock()
}

// Update runs fn inside a managed read/write transaction, committing if
// fn returns nil and rolling back otherwise.
func (db *DB) Update(fn func(*Tx) error) error {
	t, err := db.Begin(true)
	if err != nil {
		return err
	}

	t.managed = true
	err = fn(t)
	t.managed = false
	if err != nil {
		_ = t.Rollback()
		return err
	}

	return t.Commit()
}

// View runs fn inside a managed read-only transaction, always rolling it
// back afterward (a read-only transaction never has anything to commit).
func (db *DB) View(fn func(*Tx) error) error {
	t, err := db.Begin(false)
	if err != nil {
		return err
	}

	t.managed = true
	err = fn(t)
	t.managed = false
	if err != nil {
		_ = t.Rollback()
		return err
	}

	return t.Rollback()
}

// Stats retrieves ongoing performance stats for the database. Only
// updated when a transaction closes.
func (db *DB) Stats() Stats {
	db.statlock.RLock()
	defer db.statlock.RUnlock()
	return db.stats
}

// page retrieves a page reference from the mmap at the current page
// size.
func (db *DB) page(id pgid) *page {
	pos := id * pgid(db.pageSize)
	return (*page)(unsafe.Pointer(&db.data[pos]))
}

// pageInBuffer retrieves a page reference from an arbitrary byte buffer
// at the current page size, used while building the bootstrap layout and
// while staging the meta page for a write.
func (db *DB) pageInBuffer(b []byte, id pgid) *page {
	return (*page)(unsafe.Pointer(&b[id*pgid(db.pageSize)]))
}

// freelistPage returns the page currently holding the freelist, per the
// authoritative meta.
func (db *DB) freelistPage() *page {
	return db.page(db.meta().freelist)
}

// meta returns whichever of the two meta pages is authoritative: the one
// with the greatest transaction id whose checksum still verifies.
func (db *DB) meta() *meta {
	metaA, metaB := db.meta0, db.meta1
	if db.meta1.txid > db.meta0.txid {
		metaA, metaB = db.meta1, db.meta0
	}

	if err := metaA.validate(); err == nil {
		return metaA
	}
	if err := metaB.validate(); err == nil {
		return metaB
	}

	panic("ember: both meta pages are invalid")
}

// allocate returns a contiguous block of count pages, drawn from the
// freelist's free set if possible, otherwise extending the high water
// mark (and, if needed, the mmap).
func (db *DB) allocate(id txid, count int) (*page, error) {
	var buf []byte
	if count == 1 {
		buf = db.pagePool.Get().([]byte)
	} else {
		buf = make([]byte, count*db.pageSize)
	}
	p := (*page)(unsafe.Pointer(&buf[0]))
	p.overflow = uint32(count - 1)

	if p.id = db.freelist.allocate(count); p.id != 0 {
		return p, nil
	}

	p.id = db.rwtx.meta.pgid
	var minsz = int((p.id+pgid(count))+1) * db.pageSize
	if minsz >= db.datasz {
		if err := db.mmap(minsz); err != nil {
			return nil, fmt.Errorf("mmap allocate error: %w", err)
		}
	}

	db.rwtx.meta.pgid += pgid(count)

	return p, nil
}

// Stats represents statistics about the database.
type Stats struct {
	FreePageN     int // number of pages in the free set, not pending
	PendingPageN  int // number of pages pending release
	FreeAlloc     int // bytes allocated across free and pending pages
	FreelistInuse int // bytes used by the freelist itself
	PendingN      int // number of transactions with pending pages
	TxStats       TxStats
}

// Sub returns the difference between two stats snapshots.
func (s *Stats) Sub(other *Stats) Stats {
	var diff Stats
	diff.FreePageN = s.FreePageN - other.FreePageN
	diff.PendingPageN = s.PendingPageN - other.PendingPageN
	diff.FreeAlloc = s.FreeAlloc - other.FreeAlloc
	diff.FreelistInuse = s.FreelistInuse - other.FreelistInuse
	diff.PendingN = s.PendingN - other.PendingN
	diff.TxStats = s.TxStats.Sub(&other.TxStats)
	return diff
}
