package rand

import (
	cryptorand "crypto/rand"
	"encoding/binary"
	"math/rand/v2"
	"sync"
)

const (
	bytesInUint64 = 8
	charset       = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789" // reduced base64
)

var charsetLen = len(charset)

var defaultRandBytes = newRandBytes()

func newRandBytes() *randBytes {
	seed := make([]byte, bytesInUint64*2)

	if _, err := cryptorand.Read(seed); err != nil {
		panic("unreachable")
	}

	return &randBytes{
		//nolint:gosec // request ids only need to be unique per connection
		rng: rand.New(rand.NewPCG(
			binary.LittleEndian.Uint64(seed[:8]),
			binary.LittleEndian.Uint64(seed[8:]),
		)),
	}
}

type randBytes struct {
	mut sync.Mutex
	rng *rand.Rand
}

func (rb *randBytes) read(buf []byte) {
	rb.mut.Lock()
	defer rb.mut.Unlock()

	var chunk [bytesInUint64]byte
	for i := 0; i < len(buf); i += bytesInUint64 {
		binary.LittleEndian.PutUint64(chunk[:], rb.rng.Uint64())
		copy(buf[i:], chunk[:])
	}
}

// NewRequestID returns a random alphanumeric id used to correlate an RPC
// response with its request. The distribution is not uniform; ids are not secrets.
func NewRequestID(length int) string {
	buf := make([]byte, length)
	defaultRandBytes.read(buf)

	for i, b := range buf {
		buf[i] = charset[int(b)%charsetLen]
	}

	return string(buf)
}
