// Package fingerprint derives the proxy's own identity bytes on the wire
// and the dedup keys used to reject duplicate shares. Both are blake3
// digests: the proxy never hashes a share for proof-of-work (that's the
// pool's job), but it still needs a fast, collision-resistant hash for
// minting a unique extranonce1 prefix per process and for keying the
// recent-submits set a downstream session uses to reject duplicates
// (spec §4.5).
package fingerprint

import (
	"encoding/binary"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/zeebo/blake3"
)

// Prefix2 returns a 2-byte process-wide prefix for the extranonce1 space
// the proxy mints for its downstream sessions (spec §4.2, extranonce1
// uniqueness, I2). It is derived from the host name and process start
// time so two proxy instances on different hosts, or the same host
// restarted at a different time, are vanishingly unlikely to collide.
func Prefix2(startedAt time.Time) [2]byte {
	host, _ := os.Hostname()
	hasher := blake3.New()
	hasher.Write([]byte(host))
	var tsBuf [8]byte
	binary.BigEndian.PutUint64(tsBuf[:], uint64(startedAt.UnixNano()))
	hasher.Write(tsBuf[:])
	sum := hasher.Sum(nil)

	var out [2]byte
	copy(out[:], sum[:2])
	return out
}

// Minter hands out unique 4-byte extranonce1 values for downstream
// sessions: a 2-byte process prefix (stable for the proxy's lifetime)
// followed by a 2-byte monotone counter, so uniqueness across concurrently
// connected miners is both process-local and wire-cheap to verify (I2).
type Minter struct {
	prefix  [2]byte
	counter uint32
}

// NewMinter creates a Minter seeded from the process start time.
func NewMinter(startedAt time.Time) *Minter {
	return &Minter{prefix: Prefix2(startedAt)}
}

// Next mints the next extranonce1 value as a hex string.
func (m *Minter) Next() string {
	n := atomic.AddUint32(&m.counter, 1)
	var buf [4]byte
	copy(buf[0:2], m.prefix[:])
	binary.BigEndian.PutUint16(buf[2:4], uint16(n))
	return fmt.Sprintf("%x", buf)
}

// SubmitKey hashes the tuple that identifies one submitted share so a
// downstream session's recent-submits set can reject duplicates (spec
// §4.5) in constant space per entry regardless of field lengths.
func SubmitKey(proxyJobID, extranonce2, ntime, nonce string) string {
	hasher := blake3.New()
	hasher.Write([]byte(proxyJobID))
	hasher.Write([]byte{0})
	hasher.Write([]byte(extranonce2))
	hasher.Write([]byte{0})
	hasher.Write([]byte(ntime))
	hasher.Write([]byte{0})
	hasher.Write([]byte(nonce))
	return fmt.Sprintf("%x", hasher.Sum(nil))
}
