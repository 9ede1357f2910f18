package pds

import (
	"sync"
	"time"
)

// base32-sortable alphabet used for record keys.
const tidAlphabet = "234567abcdefghijklmnopqrstuvwxyz"

var (
	tidMu   sync.Mutex
	tidLast int64
)

// NewTID returns a timestamp identifier usable as a record key: 13 characters
// of base32-sortable text encoding microseconds since the epoch. Keys are
// strictly increasing within a process.
func NewTID() string {
	tidMu.Lock()
	now := time.Now().UnixMicro()
	if now <= tidLast {
		now = tidLast + 1
	}
	tidLast = now
	tidMu.Unlock()

	var buf [13]byte
	v := uint64(now)
	for i := 12; i >= 0; i-- {
		buf[i] = tidAlphabet[v&0x1f]
		v >>= 5
	}
	return string(buf[:])
}
