package domain

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// ErrInvalidTransaction marks a transaction that violates the input contract
// of the detection core.
var ErrInvalidTransaction = errors.New("invalid transaction")

// Transaction is a single ledger entry. It is created once from validated
// input and never mutated afterwards.
type Transaction struct {
	ID         string    `json:"transaction_id"`
	SenderID   string    `json:"sender_id"`
	ReceiverID string    `json:"receiver_id"`
	Amount     float64   `json:"amount"`
	Timestamp  time.Time `json:"timestamp"`
}

// Validate checks the contract every transaction must meet before it reaches
// the graph builder.
func (t Transaction) Validate() error {
	if t.SenderID == "" {
		return fmt.Errorf("%w: %s: sender_id is required", ErrInvalidTransaction, t.ID)
	}
	if t.ReceiverID == "" {
		return fmt.Errorf("%w: %s: receiver_id is required", ErrInvalidTransaction, t.ID)
	}
	if math.IsNaN(t.Amount) || math.IsInf(t.Amount, 0) || t.Amount < 0 {
		return fmt.Errorf("%w: %s: amount %v must be a non-negative number", ErrInvalidTransaction, t.ID, t.Amount)
	}
	if t.Timestamp.IsZero() {
		return fmt.Errorf("%w: %s: timestamp is required", ErrInvalidTransaction, t.ID)
	}
	return nil
}
