package fees

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ReferenceGenerator produces a human-readable payment reference.
type ReferenceGenerator func(now time.Time) string

// NewPaymentReference returns PAY-<unix nanos>-<9 random characters>.
// Uniqueness is best effort; the store's unique index is the backstop.
func NewPaymentReference(now time.Time) string {
	suffix := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", ""))[:9]
	return fmt.Sprintf("PAY-%d-%s", now.UnixNano(), suffix)
}

// FormatInvoiceNumber returns INV-<year>-<seq>, seq zero-padded to four digits.
func FormatInvoiceNumber(year, seq int) string {
	return fmt.Sprintf("INV-%d-%04d", year, seq)
}
