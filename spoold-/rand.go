package spoold

import (
	cryptorand "crypto/rand"
	"encoding/binary"
	"fmt"
	mathrand "math/rand"
	"sync"
	"time"
)

// NewRand returns a new PRNG seeded with random bytes from crypto/rand.
// Not safe for concurrent use, see Jitter.
func NewRand() *mathrand.Rand {
	return mathrand.New(mathrand.NewSource(CryptoRandInt()))
}

// CryptoRandInt returns a cryptographically random number.
func CryptoRandInt() int64 {
	buf := make([]byte, 8)
	_, err := cryptorand.Read(buf)
	if err != nil {
		panic(fmt.Errorf("reading random bytes: %v", err))
	}
	return int64(binary.LittleEndian.Uint64(buf))
}

var jitter = struct {
	sync.Mutex
	r *mathrand.Rand
}{r: NewRand()}

// Jitter returns d adjusted by a random amount of at most frac*d in either
// direction. Used to keep periodic work of many goroutines from aligning.
func Jitter(d time.Duration, frac float64) time.Duration {
	if d <= 0 || frac <= 0 {
		return d
	}
	jitter.Lock()
	f := jitter.r.Float64()
	jitter.Unlock()
	return d + time.Duration((2*f-1)*frac*float64(d))
}
