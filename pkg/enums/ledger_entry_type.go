package enums

import "fmt"

// LedgerEntryType classifies an append-only credit ledger entry.
type LedgerEntryType string

const (
	LedgerEntryGeneration        LedgerEntryType = "generation"
	LedgerEntryRefund            LedgerEntryType = "refund"
	LedgerEntryPurchase          LedgerEntryType = "purchase"
	LedgerEntrySubscriptionGrant LedgerEntryType = "subscription_grant"
	LedgerEntryBonus             LedgerEntryType = "bonus"
	LedgerEntryAdminAdjustment   LedgerEntryType = "admin_adjustment"
)

var validLedgerEntryTypes = []LedgerEntryType{
	LedgerEntryGeneration,
	LedgerEntryRefund,
	LedgerEntryPurchase,
	LedgerEntrySubscriptionGrant,
	LedgerEntryBonus,
	LedgerEntryAdminAdjustment,
}

// String implements fmt.Stringer.
func (t LedgerEntryType) String() string {
	return string(t)
}

// IsValid reports whether the value is known.
func (t LedgerEntryType) IsValid() bool {
	for _, candidate := range validLedgerEntryTypes {
		if candidate == t {
			return true
		}
	}
	return false
}

// IsCredit reports whether entries of this type add to the balance.
func (t LedgerEntryType) IsCredit() bool {
	return t.IsValid() && t != LedgerEntryGeneration
}

// ParseLedgerEntryType converts raw input into a LedgerEntryType.
func ParseLedgerEntryType(value string) (LedgerEntryType, error) {
	for _, candidate := range validLedgerEntryTypes {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid ledger entry type %q", value)
}
