package emberdb

import "time"

// Options configures a call to Open. Use the With* constructors; the zero
// value of Options is not meant to be constructed directly by callers.
type Options struct {
	// Timeout bounds how long Open waits to acquire the file lock. Zero
	// means wait forever.
	Timeout time.Duration

	// NoGrowSync skips the fsync that normally follows growing the file.
	NoGrowSync bool

	// NoFreelistSync skips persisting the freelist page on commit; the next
	// Open rebuilds it by scanning every page reachable from the root
	// bucket.
	NoFreelistSync bool

	// ReadOnly opens the file with a shared lock; Begin(true) fails.
	ReadOnly bool

	// MmapFlags is passed through to the host mmap(2) call unmodified.
	MmapFlags int

	// InitialMmapSize is a floor for the first mmap length, letting callers
	// avoid remap churn when the eventual database size is known in
	// advance.
	InitialMmapSize int

	// PageSize overrides the default page size (the PageSize constant,
	// 4096). Only honored when creating a
	// new file; opening an existing file always uses the page size stored
	// in its meta pages.
	PageSize int

	// NoSync skips both the data fsync and the meta fsync on commit,
	// trading durability for commit throughput.
	NoSync bool

	// Logger receives core diagnostic messages. Defaults to a no-op.
	Logger Logger

	// NodeCacheSize bounds the number of *page overlays kept in the shared
	// LRU page cache. Zero selects a built-in default.
	NodeCacheSize uint32
}

// Option configures Options using the functional-options pattern.
type Option func(*Options)

// defaultOptions returns the baseline configuration used when no Option is
// supplied to Open.
func defaultOptions() Options {
	return Options{
		Timeout:       0,
		PageSize:      PageSize,
		Logger:        discardLogger{},
		NodeCacheSize: defaultNodeCacheSize,
	}
}

// WithTimeout bounds how long Open waits for the file lock.
func WithTimeout(d time.Duration) Option {
	return func(o *Options) { o.Timeout = d }
}

// WithNoGrowSync skips fsync after growing the file.
func WithNoGrowSync() Option {
	return func(o *Options) { o.NoGrowSync = true }
}

// WithNoFreelistSync skips persisting the freelist; the next Open rebuilds
// it by scanning reachable pages instead.
func WithNoFreelistSync() Option {
	return func(o *Options) { o.NoFreelistSync = true }
}

// WithReadOnly opens the database with a shared lock. Writable
// transactions fail with ErrDatabaseReadOnly.
func WithReadOnly() Option {
	return func(o *Options) { o.ReadOnly = true }
}

// WithMmapFlags passes extra flags through to the host mmap(2) call.
func WithMmapFlags(flags int) Option {
	return func(o *Options) { o.MmapFlags = flags }
}

// WithInitialMmapSize sets a floor for the first mmap length.
func WithInitialMmapSize(size int) Option {
	return func(o *Options) { o.InitialMmapSize = size }
}

// WithPageSize overrides the page size used when creating a new file.
func WithPageSize(size int) Option {
	return func(o *Options) { o.PageSize = size }
}

// WithNoSync skips both data and meta fsyncs on commit.
func WithNoSync() Option {
	return func(o *Options) { o.NoSync = true }
}

// WithLogger installs a Logger for core diagnostics.
func WithLogger(l Logger) Option {
	return func(o *Options) {
		if l != nil {
			o.Logger = l
		}
	}
}

// WithNodeCacheSize bounds the shared LRU page cache.
func WithNodeCacheSize(n uint32) Option {
	return func(o *Options) { o.NodeCacheSize = n }
}
