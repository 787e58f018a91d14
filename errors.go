package ember

import "errors"

// Error kinds. The set is closed: every mutating or lifecycle operation
// returns one of these (or wraps an I/O cause) rather than inventing new
// sentinels at call sites.
var (
	// ErrDatabaseNotOpen is returned when a DB instance is accessed before
	// it is opened or after it is closed.
	ErrDatabaseNotOpen = errors.New("database not open")

	// ErrDatabaseOpen is returned when opening a database that is already
	// open.
	ErrDatabaseOpen = errors.New("database already open")

	// ErrDatabaseReadOnly is returned when a write transaction is started
	// on a database opened with Options.ReadOnly.
	ErrDatabaseReadOnly = errors.New("database is in read-only mode")

	// ErrInvalidDatabase is returned when both meta pages on a database
	// are invalid. This typically occurs when a file is not a valid
	// database file, or is corrupted beyond recovery.
	ErrInvalidDatabase = errors.New("invalid database")

	// ErrInvalid is an alias of ErrInvalidDatabase kept for readers coming
	// from upstream bbolt naming.
	ErrInvalid = ErrInvalidDatabase

	// ErrInvalidMapping is returned when the database file fails to get
	// mapped into memory.
	ErrInvalidMapping = errors.New("database isn't correctly mapped")

	// ErrVersionMismatch is returned when the data file was created with
	// a different version of the file format.
	ErrVersionMismatch = errors.New("version mismatch")

	// ErrChecksumMismatch is returned when a meta page's checksum does
	// not match its recorded value.
	ErrChecksumMismatch = errors.New("checksum mismatch")

	// ErrFileSizeTooSmall is returned when the data file is smaller than
	// two pages.
	ErrFileSizeTooSmall = errors.New("file size too small")

	// ErrTimeout is returned when a database cannot obtain an exclusive
	// lock on the data file after the timeout passed to Open().
	ErrTimeout = errors.New("timeout")

	// ErrFreePagesNotLoaded is returned when a read-only transaction
	// opened without preloading free pages tries to access them.
	ErrFreePagesNotLoaded = errors.New("free pages are not pre-loaded")

	// ErrBucketNotFound is returned when trying to access a bucket that
	// has not been created yet.
	ErrBucketNotFound = errors.New("bucket not found")

	// ErrBucketExists is returned when creating a bucket that already
	// exists.
	ErrBucketExists = errors.New("bucket already exists")

	// ErrBucketNameRequired is returned when creating a bucket with a
	// blank name.
	ErrBucketNameRequired = errors.New("bucket name required")

	// ErrKeyRequired is returned when inserting a zero-length key.
	ErrKeyRequired = errors.New("key required")

	// ErrKeyTooLarge is returned when inserting a key larger than
	// MaxKeySize.
	ErrKeyTooLarge = errors.New("key too large")

	// ErrValueTooLarge is returned when inserting a value larger than
	// MaxValueSize.
	ErrValueTooLarge = errors.New("value too large")

	// ErrIncompatibleValue is returned when trying to create or delete a
	// bucket on an existing non-bucket key, or a non-bucket key on an
	// existing bucket key.
	ErrIncompatibleValue = errors.New("incompatible value")

	// ErrMMapTooSmall is returned when the requested mmap grow size is
	// smaller than the current size.
	ErrMMapTooSmall = errors.New("mmap too small")

	// ErrMMapTooLarge is returned when the requested mmap size would
	// exceed what the platform can map.
	ErrMMapTooLarge = errors.New("mmap too large")

	// ErrTrySolo is returned by a batched update function to force it to
	// be re-run outside of a batch.
	ErrTrySolo = errors.New("batch function returned an error and should be re-run solo")

	// ErrBatchDisabled is returned when Batch is called on a database
	// that has batching disabled.
	ErrBatchDisabled = errors.New("batch is disabled")

	// ErrTxClosed is returned when committing or rolling back a
	// transaction that has already been committed or rolled back.
	ErrTxClosed = errors.New("tx closed")

	// ErrTxNotWritable is returned when performing a write operation on a
	// read-only transaction.
	ErrTxNotWritable = errors.New("tx not writable")
)
