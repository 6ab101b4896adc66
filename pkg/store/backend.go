package store

// Backend is the minimal ordered KV surface the stores are written against.
// The default deployment uses Pebble; tests use the in-memory backend. A Set
// of a whole record is the atomicity unit: readers see the old value or the
// new one, never a partial merge.
type Backend interface {
	Get(key []byte) ([]byte, error)
	Set(key, value []byte) error
	Delete(key []byte) error
	// Scan visits every key with the given prefix in ascending key order.
	// Returning an error from fn stops the scan and is returned as-is.
	Scan(prefix []byte, fn func(key, value []byte) error) error
	Close() error
}
