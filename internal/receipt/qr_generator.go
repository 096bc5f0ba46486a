package receipt

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"io"

	"storyforge/internal/models"

	"github.com/skip2/go-qrcode"
)

// QRGenerator renders a receipt as an encrypted QR image so a printed or
// emailed receipt can be verified without exposing the payment intent id.
type QRGenerator struct {
	secret []byte
}

func NewQRGenerator(secret string) *QRGenerator {
	hashed := sha256.Sum256([]byte(secret)) // normalize to 32 bytes
	return &QRGenerator{secret: hashed[:]}
}

// qrPayload is the subset of a receipt embedded in the QR image.
type qrPayload struct {
	ReferenceCode string  `json:"reference_code"`
	BookID        string  `json:"book_id"`
	Amount        float64 `json:"amount"`
	Currency      string  `json:"currency"`
	IssuedAt      string  `json:"issued_at"`
}

func (q *QRGenerator) GenerateReceiptQR(receipt *models.Receipt) ([]byte, error) {
	data, err := json.Marshal(qrPayload{
		ReferenceCode: receipt.ReferenceCode,
		BookID:        receipt.BookID,
		Amount:        receipt.Amount,
		Currency:      receipt.Currency,
		IssuedAt:      receipt.CreatedAt.Format("2006-01-02T15:04:05Z"),
	})
	if err != nil {
		return nil, err
	}

	encrypted, err := encryptAES(data, q.secret)
	if err != nil {
		return nil, err
	}

	return qrcode.Encode(encrypted, qrcode.Medium, 256)
}

// DecryptPayload reverses the QR encryption for verification endpoints.
func (q *QRGenerator) DecryptPayload(encoded string) (*models.Receipt, error) {
	raw, err := base64.URLEncoding.DecodeString(encoded)
	if err != nil {
		return nil, err
	}

	block, err := aes.NewCipher(q.secret)
	if err != nil {
		return nil, err
	}
	if len(raw) < aes.BlockSize {
		return nil, ErrInvalidReceipt
	}

	iv, data := raw[:aes.BlockSize], raw[aes.BlockSize:]
	stream := cipher.NewCFBDecrypter(block, iv)
	stream.XORKeyStream(data, data)

	var payload qrPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, err
	}
	return &models.Receipt{
		ReferenceCode: payload.ReferenceCode,
		BookID:        payload.BookID,
		Amount:        payload.Amount,
		Currency:      payload.Currency,
	}, nil
}

func encryptAES(data []byte, key []byte) (string, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", err
	}

	ciphertext := make([]byte, aes.BlockSize+len(data))
	iv := ciphertext[:aes.BlockSize]

	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return "", err
	}

	stream := cipher.NewCFBEncrypter(block, iv)
	stream.XORKeyStream(ciphertext[aes.BlockSize:], data)

	return base64.URLEncoding.EncodeToString(ciphertext), nil
}
