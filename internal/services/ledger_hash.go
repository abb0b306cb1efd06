package services

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/yieldledger/backend/internal/models"
)

// amountScale is the fixed number of decimals amounts are rendered with
// before hashing. It matches the NUMERIC(20,8) ledger columns.
const amountScale = 8

// NormalizeCreatedAt truncates t to the precision Postgres keeps.
func NormalizeCreatedAt(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

// ComputeEntryHash returns the hex SHA-256 of the entry's fields chained to
// previousHash. The field order and rendering are part of the stored data:
// changing them invalidates every historical hash.
func ComputeEntryHash(previousHash string, e models.LedgerEntry) (string, error) {
	metadata := "null"
	if len(e.Metadata) > 0 {
		canonical, err := e.Metadata.Canonical()
		if err != nil {
			return "", fmt.Errorf("canonicalize metadata: %w", err)
		}
		b, err := json.Marshal(canonical)
		if err != nil {
			return "", fmt.Errorf("encode metadata: %w", err)
		}
		metadata = string(b)
	}

	fields := []string{
		previousHash,
		e.UserID,
		string(e.EntryType),
		e.AmountDelta.StringFixed(amountScale),
		e.ActiveDepositsDelta.StringFixed(amountScale),
		e.BalanceAfter.StringFixed(amountScale),
		e.ActiveDepositsAfter.StringFixed(amountScale),
		e.ReferenceTable,
		e.ReferenceID,
		metadata,
		NormalizeCreatedAt(e.CreatedAt).Format(time.RFC3339Nano),
	}
	payload, err := json.Marshal(fields)
	if err != nil {
		return "", err
	}

	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:]), nil
}
