package receipt

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"os"
	"strings"
	"sync/atomic"
	"time"
)

var refCounter uint32

// hostFingerprint distinguishes reference codes minted by different processes
// that share a wall clock.
var hostFingerprint = func() string {
	host, _ := os.Hostname()
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s-%d", host, os.Getpid())))
	return fmt.Sprintf("%04X", binary.BigEndian.Uint16(sum[:2]))
}()

// GenerateReferenceCode mints a human-quotable receipt reference of the form
// SF-YYYYMMDD-XXXXXXXX-CC. Uniqueness comes from the timestamp, a random
// block, the host fingerprint and an in-process counter; the trailing two
// characters are a checksum so support can reject typos without a lookup.
func GenerateReferenceCode() string {
	now := time.Now().UTC()

	var randomBlock [4]byte
	if _, err := rand.Read(randomBlock[:]); err != nil {
		// Fall back to the clock; the counter still keeps codes unique
		// within this process.
		binary.BigEndian.PutUint32(randomBlock[:], uint32(now.UnixNano()))
	}

	seq := atomic.AddUint32(&refCounter, 1) % 0x10000
	body := fmt.Sprintf("SF-%s-%08X-%s%04X",
		now.Format("20060102"),
		binary.BigEndian.Uint32(randomBlock[:]),
		hostFingerprint,
		seq,
	)
	return body + "-" + checksum(body)
}

// ValidateReferenceCode checks the structure and checksum of a reference code.
func ValidateReferenceCode(code string) bool {
	idx := strings.LastIndex(code, "-")
	if idx <= 0 || idx != len(code)-3 {
		return false
	}
	body, check := code[:idx], code[idx+1:]
	if !strings.HasPrefix(body, "SF-") {
		return false
	}
	return checksum(body) == check
}

func checksum(body string) string {
	sum := sha256.Sum256([]byte(body))
	const alphabet = "ABCDEFGHJKMNPQRSTVWXYZ23456789"
	return string([]byte{
		alphabet[int(sum[0])%len(alphabet)],
		alphabet[int(sum[1])%len(alphabet)],
	})
}
