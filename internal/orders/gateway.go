package orders

import "context"

type ReturnContext struct {
	ReturnURL string
	CancelURL string
	ClientIP  string
	Locale    string
}

// Instruction tells the client where to complete payment. COD instructions
// carry no redirect.
type Instruction struct {
	Method      PaymentMethod `json:"method"`
	RedirectURL string        `json:"redirect_url,omitempty"`
	Reference   string        `json:"reference,omitempty"`
}

// Callback is the raw, unverified payload a gateway delivered.
type Callback struct {
	Body      []byte
	Signature string
}

// PaymentResult is a callback after its signature has been checked. The
// service trusts nothing else a gateway sends.
type PaymentResult struct {
	Method    PaymentMethod
	OrderID   string
	Amount    int64
	Success   bool
	Reference string
}

// Gateway encapsulates one processor's redirect and signature scheme.
// VerifyCallback returns an error wrapping ErrInvalidSignature when the
// payload cannot be authenticated.
type Gateway interface {
	Method() PaymentMethod
	Initiate(ctx context.Context, orderID string, amount int64, rc ReturnContext) (Instruction, error)
	VerifyCallback(ctx context.Context, cb Callback) (PaymentResult, error)
}

// CallbackAcker is implemented by gateways that expect a specific reply to
// their server-to-server callbacks. err is the outcome of HandleCallback.
type CallbackAcker interface {
	AckCallback(err error) (status int, body any)
}
