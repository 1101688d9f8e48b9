package daraja

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/msingigym/backend/internal/payment"
)

// callbackEnvelope is the nested structure Daraja posts to the callback URL:
//
//	{"Body":{"stkCallback":{...,"CallbackMetadata":{"Item":[{"Name":...,"Value":...}]}}}}
//
// Pointer fields let the parser tell "absent" from "zero" before trusting
// anything inside.
type callbackEnvelope struct {
	Body *struct {
		StkCallback *stkCallback `json:"stkCallback"`
	} `json:"Body"`
}

type stkCallback struct {
	MerchantRequestID string            `json:"MerchantRequestID"`
	CheckoutRequestID string            `json:"CheckoutRequestID"`
	ResultCode        *int              `json:"ResultCode"`
	ResultDesc        string            `json:"ResultDesc"`
	CallbackMetadata  *callbackMetadata `json:"CallbackMetadata"`
}

type callbackMetadata struct {
	Item []metadataItem `json:"Item"`
}

type metadataItem struct {
	Name  string `json:"Name"`
	Value any    `json:"Value"`
}

type parsedMetadata struct {
	receipt string
	amount  int64
	phone   string
	paidAt  time.Time
}

// toMap extracts the well-known metadata items. Daraja sends Amount and
// PhoneNumber as JSON numbers and the receipt as a string, but the types have
// been observed to drift, so every field tolerates both.
func (m *callbackMetadata) toMap() parsedMetadata {
	var out parsedMetadata

	for _, item := range m.Item {
		switch item.Name {
		case "MpesaReceiptNumber":
			out.receipt = asString(item.Value)
		case "Amount":
			out.amount = asInt64(item.Value)
		case "PhoneNumber":
			out.phone = asString(item.Value)
		case "TransactionDate":
			// Numeric YYYYMMDDHHMMSS in Nairobi time.
			raw := asString(item.Value)
			if t, err := time.Parse(timestampLayout, raw); err == nil {
				out.paidAt = t
			}
		}
	}

	return out
}

func asString(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case float64:
		return strconv.FormatInt(int64(val), 10)
	case json.Number:
		return val.String()
	default:
		return ""
	}
}

func asInt64(v any) int64 {
	switch val := v.(type) {
	case float64:
		return int64(val)
	case string:
		n, _ := strconv.ParseFloat(val, 64)
		return int64(n)
	case json.Number:
		n, _ := val.Int64()
		return n
	default:
		return 0
	}
}

// ParseCallback validates and decodes a raw callback delivery. A payload
// missing the Body.stkCallback structure or a result code yields
// payment.ErrMalformedCallback rather than a zero-valued verdict.
func (c *Client) ParseCallback(raw []byte) (*payment.Callback, error) {
	var env callbackEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %s", payment.ErrMalformedCallback, err)
	}

	if env.Body == nil || env.Body.StkCallback == nil {
		return nil, fmt.Errorf("%w: missing Body.stkCallback", payment.ErrMalformedCallback)
	}

	cb := env.Body.StkCallback
	if cb.ResultCode == nil {
		return nil, fmt.Errorf("%w: missing ResultCode", payment.ErrMalformedCallback)
	}

	out := &payment.Callback{
		CheckoutRequestID: cb.CheckoutRequestID,
		MerchantRequestID: cb.MerchantRequestID,
		Detail:            cb.ResultDesc,
	}

	if *cb.ResultCode != 0 {
		out.Outcome = payment.OutcomeFailure
		return out, nil
	}

	out.Outcome = payment.OutcomeSuccess

	if cb.CallbackMetadata != nil {
		meta := cb.CallbackMetadata.toMap()
		out.ReceiptReference = meta.receipt
		out.Amount = meta.amount
		out.Phone = meta.phone
		out.PaidAt = meta.paidAt
	}

	return out, nil
}
