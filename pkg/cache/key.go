package cache

import (
	"fmt"
	"strings"
)

// keyPrefix namespaces every key written by RedisStore.
const keyPrefix = "harvest:source"

// Key identifies the stored data of one source.
type Key struct {
	SourceID string
}

// String returns the key prefix of the source.
// Format: harvest:source:<id>
func (k Key) String() string {
	return fmt.Sprintf("%s:%s", keyPrefix, strings.TrimSpace(k.SourceID))
}

// Meta returns the key of the metadata document.
//
// Example:
//
//	harvest:source:parcels:meta
func (k Key) Meta() string {
	return k.String() + ":meta"
}

// Features returns the key of the feature hash.
func (k Key) Features() string {
	return k.String() + ":features"
}
