package emberdb

// IDB is the capability interface satisfied by *DB. Code that only needs
// to run transactions (not manage the file itself) should depend on this
// instead of the concrete type.
type IDB interface {
	Begin(writable bool) (*Tx, error)
	Update(fn func(tx *Tx) error) error
	View(fn func(tx *Tx) error) error
	Stats() Stats
	Close() error
}

// ITx is the capability interface satisfied by *Tx.
type ITx interface {
	Writable() bool
	Bucket(name []byte) *Bucket
	CreateBucket(name []byte) (*Bucket, error)
	CreateBucketIfNotExists(name []byte) (*Bucket, error)
	DeleteBucket(name []byte) error
	ForEachBucket(fn func(name []byte, b *Bucket) error) error
	OnCommit(fn func())
	Commit() error
	Rollback() error
	Size() int64
	Stats() TxStats
}

// IBucket is the capability interface satisfied by *Bucket.
type IBucket interface {
	Get(key []byte) []byte
	Put(key, value []byte, overwrite bool) (bool, error)
	Delete(key []byte) error
	Bucket(name []byte) *Bucket
	CreateBucket(name []byte) (*Bucket, error)
	CreateBucketIfNotExists(name []byte) (*Bucket, error)
	DeleteBucket(name []byte) error
	Cursor() *Cursor
	BucketsCursor() *Cursor
	ForEach(fn func(k, v []byte) error) error
	ForEachBucket(fn func(name []byte, b *Bucket) error) error
	Sequence() uint64
	SetSequence(v uint64) error
	NextSequence() (uint64, error)
}

// ICursor is the capability interface satisfied by *Cursor.
type ICursor interface {
	First() (key, value []byte)
	Last() (key, value []byte)
	Seek(seek []byte) (key, value []byte)
	Next() (key, value []byte)
	Prev() (key, value []byte)
	Delete() error
}

var (
	_ IDB     = (*DB)(nil)
	_ ITx     = (*Tx)(nil)
	_ IBucket = (*Bucket)(nil)
	_ ICursor = (*Cursor)(nil)
)
