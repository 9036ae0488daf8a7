package ingestion

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"TokenMarket/internal/command"
)

// ParseRawMessage converts a RawMessage (JSON bytes + op type string)
// into a typed op. The shell validates, parses, and converts raw
// messages before submitting to the deterministic core.
func ParseRawMessage(raw RawMessage, opType string) (command.Op, error) {
	switch opType {
	case "CreditBalance":
		return parseCreditBalance(raw.Data)
	case "DebitBalance":
		return parseDebitBalance(raw.Data)
	case "DisputeOpened":
		return parseDisputeOpened(raw.Data)
	case "DisputeResolved":
		return parseDisputeResolved(raw.Data)
	default:
		return nil, fmt.Errorf("unknown op type: %s", opType)
	}
}

// --- JSON wire formats ---
// These structs represent the JSON payloads received from NATS.
// Field names use snake_case to match upstream producers.

type paymentJSON struct {
	PaymentID   string `json:"payment_id"`
	UserID      string `json:"user_id"`
	Asset       string `json:"asset"`
	Amount      int64  `json:"amount"`
	Sequence    int64  `json:"sequence"`
	TimestampUs int64  `json:"timestamp_us"`
}

func parseCreditBalance(data []byte) (*command.CreditBalance, error) {
	var j paymentJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse CreditBalance: %w", err)
	}

	paymentID, err := uuid.Parse(j.PaymentID)
	if err != nil {
		return nil, fmt.Errorf("parse payment_id: %w", err)
	}
	userID, err := uuid.Parse(j.UserID)
	if err != nil {
		return nil, fmt.Errorf("parse user_id: %w", err)
	}

	return &command.CreditBalance{
		PaymentID: paymentID,
		UserID:    userID,
		Asset:     j.Asset,
		Amount:    j.Amount,
		Sequence:  j.Sequence,
		Timestamp: j.TimestampUs,
	}, nil
}

func parseDebitBalance(data []byte) (*command.DebitBalance, error) {
	var j paymentJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse DebitBalance: %w", err)
	}

	paymentID, err := uuid.Parse(j.PaymentID)
	if err != nil {
		return nil, fmt.Errorf("parse payment_id: %w", err)
	}
	userID, err := uuid.Parse(j.UserID)
	if err != nil {
		return nil, fmt.Errorf("parse user_id: %w", err)
	}

	return &command.DebitBalance{
		PaymentID: paymentID,
		UserID:    userID,
		Asset:     j.Asset,
		Amount:    j.Amount,
		Sequence:  j.Sequence,
		Timestamp: j.TimestampUs,
	}, nil
}

type disputeOpenedJSON struct {
	TradeID     string `json:"trade_id"`
	RequestedBy string `json:"requested_by"`
	Reason      string `json:"reason"`
	TimestampUs int64  `json:"timestamp_us"`
}

func parseDisputeOpened(data []byte) (*command.DisputeTrade, error) {
	var j disputeOpenedJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse DisputeOpened: %w", err)
	}

	tradeID, err := uuid.Parse(j.TradeID)
	if err != nil {
		return nil, fmt.Errorf("parse trade_id: %w", err)
	}
	requestedBy, err := uuid.Parse(j.RequestedBy)
	if err != nil {
		return nil, fmt.Errorf("parse requested_by: %w", err)
	}

	return &command.DisputeTrade{
		TradeID:     tradeID,
		RequestedBy: requestedBy,
		Reason:      j.Reason,
		Timestamp:   j.TimestampUs,
	}, nil
}

type disputeResolvedJSON struct {
	TradeID     string `json:"trade_id"`
	ResolvedBy  string `json:"resolved_by"`
	Outcome     string `json:"outcome"` // "release" pays the seller, "refund" returns escrow to the buyer
	Reason      string `json:"reason,omitempty"`
	TimestampUs int64  `json:"timestamp_us"`
}

// parseDisputeResolved maps a resolution verdict onto the matching op:
// release settles the trade, refund cancels it. The Resolution flag is what
// authorizes the op against a disputed trade; the operator's ID is carried
// only for the audit trail.
func parseDisputeResolved(data []byte) (command.Op, error) {
	var j disputeResolvedJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse DisputeResolved: %w", err)
	}

	tradeID, err := uuid.Parse(j.TradeID)
	if err != nil {
		return nil, fmt.Errorf("parse trade_id: %w", err)
	}
	resolvedBy, err := uuid.Parse(j.ResolvedBy)
	if err != nil {
		return nil, fmt.Errorf("parse resolved_by: %w", err)
	}

	switch j.Outcome {
	case "release":
		return &command.CompleteTrade{
			TradeID:    tradeID,
			SellerID:   resolvedBy,
			Timestamp:  j.TimestampUs,
			Resolution: true,
		}, nil
	case "refund":
		return &command.CancelTrade{
			TradeID:     tradeID,
			RequestedBy: resolvedBy,
			Reason:      j.Reason,
			Timestamp:   j.TimestampUs,
			Resolution:  true,
		}, nil
	default:
		return nil, fmt.Errorf("unknown resolution outcome: %q", j.Outcome)
	}
}
