package command

import (
	"encoding/json"
	"fmt"
)

// UnmarshalOp reconstructs a typed op from its stored JSON payload.
// Used during startup replay: the op log stores the marshalled op
// struct alongside the envelope's op_type discriminator.
func UnmarshalOp(opType string, payload []byte) (Op, error) {
	var op Op
	switch opType {
	case "CreateListing":
		op = &CreateListing{}
	case "DeactivateListing":
		op = &DeactivateListing{}
	case "InitiateTrade":
		op = &InitiateTrade{}
	case "AcceptTrade":
		op = &AcceptTrade{}
	case "ConfirmPayment":
		op = &ConfirmPayment{}
	case "CompleteTrade":
		op = &CompleteTrade{}
	case "CancelTrade":
		op = &CancelTrade{}
	case "DisputeTrade":
		op = &DisputeTrade{}
	case "CreditBalance":
		op = &CreditBalance{}
	case "DebitBalance":
		op = &DebitBalance{}
	default:
		return nil, fmt.Errorf("unknown op type: %s", opType)
	}

	if err := json.Unmarshal(payload, op); err != nil {
		return nil, fmt.Errorf("unmarshal %s: %w", opType, err)
	}
	return op, nil
}
