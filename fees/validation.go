package fees

import (
	"strings"

	"github.com/shopspring/decimal"
)

// ValidatePaymentAmount checks a payment amount against the invoice balance
// at validation time (total minus confirmed payments).
func ValidatePaymentAmount(amount, balance decimal.Decimal) error {
	if !amount.IsPositive() {
		return newValidationError("amount", "payment amount must be greater than zero")
	}
	if amount.GreaterThan(balance) {
		return newValidationError("amount", "payment amount (%s) exceeds invoice balance (%s)",
			FormatAmount(amount), FormatAmount(balance))
	}
	return nil
}

// ValidateBankDetails requires bank name and transaction reference for bank transfers.
// Other methods carry no requirement.
func ValidateBankDetails(method PaymentMethod, bankName, transactionReference string) error {
	if method != MethodBankTransfer {
		return nil
	}
	if strings.TrimSpace(bankName) == "" {
		return newValidationError("bank_name", "bank name is required for bank transfers")
	}
	if strings.TrimSpace(transactionReference) == "" {
		return newValidationError("transaction_reference", "transaction reference is required for bank transfers")
	}
	return nil
}

func ValidatePaymentMethod(method PaymentMethod) error {
	if !method.Valid() {
		return newValidationError("payment_method", "unknown payment method %q", method)
	}
	return nil
}

// ValidatePaymentInput runs every payment check; the first failure wins.
func ValidatePaymentInput(in PaymentInput, balance decimal.Decimal) error {
	if err := ValidatePaymentMethod(in.Method); err != nil {
		return err
	}
	if err := ValidatePaymentAmount(in.Amount, balance); err != nil {
		return err
	}
	return ValidateBankDetails(in.Method, in.BankName, in.TransactionReference)
}

func requireActor(field string, actor UserID) error {
	if strings.TrimSpace(string(actor)) == "" {
		return newValidationError(field, "actor id is required")
	}
	return nil
}
