package receipt

import (
	"encoding/json"
	"testing"
	"time"

	"storyforge/internal/models"

	"github.com/stretchr/testify/assert"
)

func testReceipt() *models.Receipt {
	return &models.Receipt{
		ReferenceCode: "SF-20260829-DEADBEEF-A1B12345-KM",
		BookID:        "book-1",
		Amount:        24.99,
		Currency:      "usd",
		CreatedAt:     time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC),
	}
}

func TestGenerateReceiptQRProducesPNG(t *testing.T) {
	q := NewQRGenerator("test-secret")
	png, err := q.GenerateReceiptQR(testReceipt())
	assert.NoError(t, err)
	assert.Equal(t, []byte("\x89PNG"), png[:4])
}

func TestDecryptPayloadRoundTrip(t *testing.T) {
	q := NewQRGenerator("test-secret")
	r := testReceipt()

	data, err := json.Marshal(qrPayload{
		ReferenceCode: r.ReferenceCode,
		BookID:        r.BookID,
		Amount:        r.Amount,
		Currency:      r.Currency,
		IssuedAt:      r.CreatedAt.Format("2006-01-02T15:04:05Z"),
	})
	assert.NoError(t, err)
	encoded, err := encryptAES(data, q.secret)
	assert.NoError(t, err)

	decoded, err := q.DecryptPayload(encoded)
	assert.NoError(t, err)
	assert.Equal(t, r.ReferenceCode, decoded.ReferenceCode)
	assert.Equal(t, r.BookID, decoded.BookID)
	assert.Equal(t, r.Amount, decoded.Amount)
	assert.Equal(t, r.Currency, decoded.Currency)
}

func TestDecryptPayloadRejectsWrongSecret(t *testing.T) {
	minted := NewQRGenerator("real-secret")
	data, err := json.Marshal(qrPayload{ReferenceCode: "SF-REF-1"})
	assert.NoError(t, err)
	encoded, err := encryptAES(data, minted.secret)
	assert.NoError(t, err)

	// Decrypting with a different key yields garbage, not a receipt.
	_, err = NewQRGenerator("other-secret").DecryptPayload(encoded)
	assert.Error(t, err)
}

func TestDecryptPayloadRejectsShortCiphertext(t *testing.T) {
	q := NewQRGenerator("test-secret")
	_, err := q.DecryptPayload("c2hvcnQ=")
	assert.ErrorIs(t, err, ErrInvalidReceipt)
}
