// Package snapshot holds the last weather summary the sink received.
package snapshot

import (
	"image"
	"sync/atomic"
	"time"

	"github.com/zeebo/blake3"
)

// Snapshot is an immutable weather summary. Icon must not be modified once
// the snapshot is published.
type Snapshot struct {
	High       string
	Low        string
	Icon       image.Image
	IconDigest [32]byte
	SentTime   time.Time
}

// New builds a snapshot from a decoded icon and the PNG bytes it came from.
func New(high, low string, icon image.Image, iconPNG []byte, sent time.Time) Snapshot {
	return Snapshot{
		High:       high,
		Low:        low,
		Icon:       icon,
		IconDigest: Digest(iconPNG),
		SentTime:   sent,
	}
}

// Digest fingerprints an encoded icon.
func Digest(b []byte) [32]byte {
	return blake3.Sum256(b)
}

// Equal compares by value. Icons compare by digest.
func (s Snapshot) Equal(o Snapshot) bool {
	return s.High == o.High &&
		s.Low == o.Low &&
		s.IconDigest == o.IconDigest &&
		s.SentTime.Equal(o.SentTime)
}

// Cache publishes the current snapshot to any number of readers. Only one
// goroutine may call Replace.
type Cache struct {
	current atomic.Pointer[Snapshot]
}

func (c *Cache) Replace(s Snapshot) {
	c.current.Store(&s)
}

// Load returns the current snapshot and false when nothing has been stored.
func (c *Cache) Load() (Snapshot, bool) {
	p := c.current.Load()
	if p == nil {
		return Snapshot{}, false
	}
	return *p, true
}
