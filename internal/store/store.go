// Package store is the durable key/value layer under the conversation
// and artifact stores. Values are JSON documents; keys are flat strings.
// No transactions, no TTL — callers own their read-modify-write cycles.
package store

// KV is the persistence surface. Set returns an explicit acknowledgment
// error so callers (and tests) can assert durability instead of relying
// on timing.
type KV interface {
	// Get returns the stored value for key. The bool is false when the
	// key has never been set.
	Get(key string) ([]byte, bool, error)

	// Set stores value under key, replacing any previous value.
	Set(key string, value []byte) error

	Close() error
}
