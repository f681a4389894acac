package offline

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"

	"github.com/AnuragDani/pos-terminal/internal/models"
)

type fingerprintItem struct {
	ProductID string  `json:"p"`
	Quantity  int     `json:"q"`
	UnitPrice float64 `json:"u"`
}

type fingerprint struct {
	Items     []fingerprintItem `json:"items"`
	Total     float64           `json:"total"`
	Timestamp int64             `json:"ts"`
}

// GenerateIntegrityHash fingerprints the fields that define a sale: its
// line items, grand total and timestamp. Floats are encoded in their
// shortest exact form so any edit changes the hash while a JSON round trip
// does not.
func GenerateIntegrityHash(tx models.OfflineTransaction) string {
	fp := fingerprint{
		Items:     make([]fingerprintItem, len(tx.Items)),
		Total:     tx.Total,
		Timestamp: tx.Timestamp.UnixNano(),
	}
	for i, item := range tx.Items {
		fp.Items[i] = fingerprintItem{
			ProductID: item.ProductID,
			Quantity:  item.Quantity,
			UnitPrice: item.UnitPrice,
		}
	}

	// NaN and Inf cannot be encoded
	data, err := json.Marshal(fp)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// ValidateIntegrity recomputes the fingerprint and compares it with the
// stored one. A record without a hash never validates.
func ValidateIntegrity(tx models.OfflineTransaction) bool {
	if tx.IntegrityHash == "" {
		return false
	}
	expected := GenerateIntegrityHash(tx)
	if expected == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(expected), []byte(tx.IntegrityHash)) == 1
}
