// Package ingest turns uploaded CSV ledgers into validated transactions.
package ingest

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"

	"github.com/opensource-finance/ringwatch/internal/domain"
)

var (
	// ErrMissingColumns is returned when a required field has no matching header.
	ErrMissingColumns = errors.New("missing required columns")

	// ErrNoTransactions is returned when the file holds no data rows.
	ErrNoTransactions = errors.New("no valid transactions found")
)

// maxReportedErrors caps the row messages kept on a ValidationError.
const maxReportedErrors = 10

// Required fields and the header names accepted for each, in match order.
const (
	FieldTransactionID = "transaction_id"
	FieldSenderID      = "sender_id"
	FieldReceiverID    = "receiver_id"
	FieldAmount        = "amount"
	FieldTimestamp     = "timestamp"
)

var requiredFields = []string{FieldTransactionID, FieldSenderID, FieldReceiverID, FieldAmount, FieldTimestamp}

var columnAliases = map[string][]string{
	FieldTransactionID: {"transaction_id", "txn_id", "tx_id", "id", "trans_id", "transaction", "txnid"},
	FieldSenderID:      {"sender_id", "sender", "from_id", "from", "source_id", "source", "from_account", "sender_account", "payer_id", "payer", "origin"},
	FieldReceiverID:    {"receiver_id", "receiver", "to_id", "to", "target_id", "target", "to_account", "receiver_account", "payee_id", "payee", "destination", "beneficiary"},
	FieldAmount:        {"amount", "value", "sum", "amt", "transaction_amount", "tx_amount", "money", "transfer_amount"},
	FieldTimestamp:     {"timestamp", "time", "date", "datetime", "created_at", "transaction_date", "tx_date", "trans_date", "created", "transaction_time"},
}

var headerSeparators = regexp.MustCompile(`[\s\-.]+`)

// ValidationError reports every rejected row of an upload. Only the first
// few messages are kept.
type ValidationError struct {
	Messages []string
	Total    int
}

func (e *ValidationError) Error() string {
	msg := fmt.Sprintf("validation failed: %s", strings.Join(e.Messages, "; "))
	if rest := e.Total - len(e.Messages); rest > 0 {
		msg += fmt.Sprintf(" ... and %d more errors", rest)
	}
	return msg
}

func (e *ValidationError) add(msg string) {
	e.Total++
	if len(e.Messages) < maxReportedErrors {
		e.Messages = append(e.Messages, msg)
	}
}

// NormalizeHeader lowercases a column name and folds separators into
// underscores.
func NormalizeHeader(h string) string {
	h = strings.TrimPrefix(h, "\ufeff")
	h = strings.NewReplacer(`"`, "", "'", "").Replace(h)
	h = strings.ToLower(strings.TrimSpace(h))
	return headerSeparators.ReplaceAllString(h, "_")
}

// ResolveColumns maps each required field to its column index.
func ResolveColumns(header []string) (map[string]int, error) {
	index := make(map[string]int, len(header))
	normalized := make([]string, len(header))
	for i, h := range header {
		n := NormalizeHeader(h)
		normalized[i] = n
		if _, ok := index[n]; !ok {
			index[n] = i
		}
	}

	columns := make(map[string]int, len(requiredFields))
	var missing []string
	for _, field := range requiredFields {
		found := false
		for _, alias := range columnAliases[field] {
			if i, ok := index[alias]; ok {
				columns[field] = i
				found = true
				break
			}
		}
		if !found {
			missing = append(missing, field)
		}
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: %s (found columns: %s)",
			ErrMissingColumns, strings.Join(missing, ", "), strings.Join(normalized, ", "))
	}
	return columns, nil
}

// Parse reads a CSV ledger. Any invalid row fails the whole upload.
func Parse(r io.Reader) ([]domain.Transaction, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err == io.EOF {
		return nil, ErrNoTransactions
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}

	columns, err := ResolveColumns(header)
	if err != nil {
		return nil, err
	}

	verr := &ValidationError{}
	var txs []domain.Transaction
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			var perr *csv.ParseError
			if !errors.As(err, &perr) {
				return nil, fmt.Errorf("failed to read rows: %w", err)
			}
			verr.add(fmt.Sprintf("row %d: %v", perr.Line, perr.Err))
			continue
		}
		line, _ := reader.FieldPos(0)
		if blank(record) {
			continue
		}

		tx, err := parseRecord(record, columns)
		if err != nil {
			verr.add(fmt.Sprintf("row %d: %v", line, err))
			continue
		}
		txs = append(txs, tx)
	}

	if verr.Total > 0 {
		return nil, verr
	}
	if len(txs) == 0 {
		return nil, ErrNoTransactions
	}
	return txs, nil
}

func parseRecord(record []string, columns map[string]int) (domain.Transaction, error) {
	field := func(name string) string {
		i := columns[name]
		if i >= len(record) {
			return ""
		}
		return strings.TrimSpace(record[i])
	}

	tx := domain.Transaction{
		ID:         field(FieldTransactionID),
		SenderID:   field(FieldSenderID),
		ReceiverID: field(FieldReceiverID),
	}
	switch {
	case tx.ID == "":
		return tx, errors.New("transaction_id is empty")
	case tx.SenderID == "":
		return tx, errors.New("sender_id is empty")
	case tx.ReceiverID == "":
		return tx, errors.New("receiver_id is empty")
	}

	amount, err := ParseAmount(field(FieldAmount))
	if err != nil {
		return tx, err
	}
	tx.Amount = amount

	ts, err := ParseTimestamp(field(FieldTimestamp))
	if err != nil {
		return tx, err
	}
	tx.Timestamp = ts

	return tx, nil
}

func blank(record []string) bool {
	for _, v := range record {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}
