package receipt

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestGenerateReferenceCodeFormat(t *testing.T) {
	code := GenerateReferenceCode()

	assert.True(t, strings.HasPrefix(code, "SF-"))
	assert.Contains(t, code, time.Now().UTC().Format("20060102"))

	parts := strings.Split(code, "-")
	assert.Len(t, parts, 5) // SF, date, random, host+seq, checksum
	assert.Len(t, parts[4], 2)
}

func TestGenerateReferenceCodeUniqueness(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		code := GenerateReferenceCode()
		assert.False(t, seen[code], "duplicate reference code: %s", code)
		seen[code] = true
	}
}

func TestValidateReferenceCode(t *testing.T) {
	code := GenerateReferenceCode()
	assert.True(t, ValidateReferenceCode(code))

	// Typo in the body invalidates the checksum.
	tampered := strings.Replace(code, "SF-", "SG-", 1)
	assert.False(t, ValidateReferenceCode(tampered))

	assert.False(t, ValidateReferenceCode(""))
	assert.False(t, ValidateReferenceCode("SF-20260101"))
	assert.False(t, ValidateReferenceCode("not-a-code"))
}
