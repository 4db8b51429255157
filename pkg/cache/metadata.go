package cache

import "time"

// SourceMetadata records the last successful fetch of a source.
type SourceMetadata struct {
	// ETag and LastModified are opaque validators reported by the source,
	// when it has them.
	ETag         string `json:"etag,omitempty"`
	LastModified string `json:"last_modified,omitempty"`

	// RecordCount is the number of records stored by the last fetch.
	RecordCount int `json:"record_count"`

	// LastFetched is when the last fetch completed.
	LastFetched time.Time `json:"last_fetched"`
}

// Age returns how long ago the source was last fetched.
func (m *SourceMetadata) Age(now time.Time) time.Duration {
	return now.Sub(m.LastFetched)
}

// MetadataPatch is a partial metadata update. Nil fields are left unchanged.
type MetadataPatch struct {
	ETag         *string
	LastModified *string
	RecordCount  *int
	LastFetched  *time.Time
}

// apply merges the patch into m.
func (p MetadataPatch) apply(m *SourceMetadata) {
	if p.ETag != nil {
		m.ETag = *p.ETag
	}
	if p.LastModified != nil {
		m.LastModified = *p.LastModified
	}
	if p.RecordCount != nil {
		m.RecordCount = *p.RecordCount
	}
	if p.LastFetched != nil {
		m.LastFetched = *p.LastFetched
	}
}

// String returns a pointer to s, for building patches.
func String(s string) *string { return &s }

// Int returns a pointer to n.
func Int(n int) *int { return &n }

// Time returns a pointer to t.
func Time(t time.Time) *time.Time { return &t }

// needsRefresh reports whether a source with metadata m is due for a fetch.
// A source that was never fetched always is.
func needsRefresh(m *SourceMetadata, maxAge time.Duration, now time.Time) bool {
	if m == nil {
		return true
	}
	return m.Age(now) > maxAge
}
