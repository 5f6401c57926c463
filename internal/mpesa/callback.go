package mpesa

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Callback is the outcome Daraja posts to the callback URL once the customer
// has answered (or ignored) the STK prompt.
type Callback struct {
	MerchantRequestID string
	CheckoutRequestID string
	ResultCode        int
	ResultDesc        string
	Amount            float64
	Receipt           string
	Phone             string
	TransactionDate   string
}

func (c *Callback) Succeeded() bool { return c.ResultCode == 0 }

type callbackEnvelope struct {
	Body struct {
		STKCallback *struct {
			MerchantRequestID string `json:"MerchantRequestID"`
			CheckoutRequestID string `json:"CheckoutRequestID"`
			ResultCode        *int   `json:"ResultCode"`
			ResultDesc        string `json:"ResultDesc"`
			CallbackMetadata  *struct {
				Item []struct {
					Name  string      `json:"Name"`
					Value interface{} `json:"Value"`
				} `json:"Item"`
			} `json:"CallbackMetadata"`
		} `json:"stkCallback"`
	} `json:"Body"`
}

// ParseCallback decodes a Daraja STK callback body.
func ParseCallback(body []byte) (*Callback, error) {
	var env callbackEnvelope
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedCallback, err)
	}
	cb := env.Body.STKCallback
	if cb == nil || cb.CheckoutRequestID == "" || cb.ResultCode == nil {
		return nil, ErrMalformedCallback
	}

	out := &Callback{
		MerchantRequestID: cb.MerchantRequestID,
		CheckoutRequestID: cb.CheckoutRequestID,
		ResultCode:        *cb.ResultCode,
		ResultDesc:        cb.ResultDesc,
	}
	if cb.CallbackMetadata == nil {
		if out.Succeeded() {
			return nil, fmt.Errorf("%w: success without metadata", ErrMalformedCallback)
		}
		return out, nil
	}
	for _, item := range cb.CallbackMetadata.Item {
		switch item.Name {
		case "Amount":
			if n, ok := item.Value.(json.Number); ok {
				out.Amount, _ = n.Float64()
			}
		case "MpesaReceiptNumber":
			out.Receipt = fmt.Sprint(item.Value)
		case "PhoneNumber":
			out.Phone = fmt.Sprint(item.Value)
		case "TransactionDate":
			out.TransactionDate = fmt.Sprint(item.Value)
		}
	}
	if out.Succeeded() && out.Receipt == "" {
		return nil, fmt.Errorf("%w: success without receipt", ErrMalformedCallback)
	}
	return out, nil
}
