package cache

import (
	"net/http"
	"testing"
	"time"
)

var baseTime = time.Date(2025, 3, 14, 12, 0, 0, 0, time.UTC)

func TestCacheEntry_Validate(t *testing.T) {
	tests := []struct {
		name    string
		entry   *CacheEntry
		wantErr bool
	}{
		{"nil entry", nil, true},
		{"stale before created", &CacheEntry{CreatedAt: baseTime, StaleAt: baseTime.Add(-time.Second)}, true},
		{"no ttl", &CacheEntry{CreatedAt: baseTime, StaleAt: baseTime}, false},
		{"with ttl", &CacheEntry{CreatedAt: baseTime, StaleAt: baseTime.Add(time.Hour)}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.entry.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestCacheEntry_IsStale(t *testing.T) {
	entry := &CacheEntry{CreatedAt: baseTime, StaleAt: baseTime.Add(time.Minute)}

	tests := []struct {
		name string
		now  time.Time
		want bool
	}{
		{"right after creation", baseTime, false},
		{"just before stale_at", baseTime.Add(time.Minute - time.Nanosecond), false},
		{"exactly stale_at", baseTime.Add(time.Minute), true},
		{"after stale_at", baseTime.Add(time.Hour), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := entry.IsStale(tt.now); got != tt.want {
				t.Errorf("IsStale(%v) = %v, want %v", tt.now, got, tt.want)
			}
		})
	}
}

func TestCacheEntry_NoTTLIsStaleImmediately(t *testing.T) {
	entry := &CacheEntry{CreatedAt: baseTime, StaleAt: baseTime}
	if !entry.IsStale(baseTime) {
		t.Error("entry without TTL should be stale at creation time")
	}
}

func TestCacheEntry_AgeAndTTL(t *testing.T) {
	entry := &CacheEntry{CreatedAt: baseTime, StaleAt: baseTime.Add(10 * time.Minute)}

	if got := entry.Age(baseTime.Add(3 * time.Minute)); got != 3*time.Minute {
		t.Errorf("Age() = %v, want 3m", got)
	}
	if got := entry.Age(baseTime.Add(-time.Minute)); got != 0 {
		t.Errorf("Age() before creation = %v, want 0", got)
	}
	if got := entry.TTL(baseTime.Add(4 * time.Minute)); got != 6*time.Minute {
		t.Errorf("TTL() = %v, want 6m", got)
	}
	if got := entry.TTL(baseTime.Add(time.Hour)); got != 0 {
		t.Errorf("TTL() after stale = %v, want 0", got)
	}
}

func TestCacheEntry_ExpiredAt(t *testing.T) {
	entry := &CacheEntry{CreatedAt: baseTime, StaleAt: baseTime}
	grace := time.Hour

	if entry.ExpiredAt(baseTime.Add(grace), grace) {
		t.Error("entry should not expire exactly at stale_at + grace")
	}
	if !entry.ExpiredAt(baseTime.Add(grace+time.Nanosecond), grace) {
		t.Error("entry should expire after stale_at + grace")
	}
	if entry.ExpiredAt(baseTime, 0) {
		t.Error("entry should not expire at stale_at with zero grace")
	}
}

func TestCacheEntry_Validators(t *testing.T) {
	lastMod := baseTime.Add(-time.Hour)
	entry := &CacheEntry{
		Metadata: map[string]string{
			MetaETag:         `"v1"`,
			MetaLastModified: lastMod.Format(http.TimeFormat),
		},
	}

	if got := entry.ETag(); got != `"v1"` {
		t.Errorf("ETag() = %q", got)
	}
	if got := entry.LastModified(); !got.Equal(lastMod) {
		t.Errorf("LastModified() = %v, want %v", got, lastMod)
	}

	entry.Metadata[MetaLastModified] = "yesterday"
	if got := entry.LastModified(); !got.IsZero() {
		t.Errorf("LastModified() with bad value = %v, want zero", got)
	}
}

func TestCacheEntry_Clone(t *testing.T) {
	original := &CacheEntry{
		Key:      "k",
		Body:     []byte("hello"),
		Metadata: map[string]string{MetaETag: `"a"`},
	}

	clone := original.Clone()
	clone.Body[0] = 'j'
	clone.Metadata[MetaETag] = `"b"`

	if string(original.Body) != "hello" {
		t.Errorf("original body changed to %q", original.Body)
	}
	if original.Metadata[MetaETag] != `"a"` {
		t.Errorf("original metadata changed to %q", original.Metadata[MetaETag])
	}

	var nilEntry *CacheEntry
	if nilEntry.Clone() != nil {
		t.Error("Clone() of nil should be nil")
	}
}
