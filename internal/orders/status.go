package orders

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusShipped    Status = "shipped"
	StatusDelivered  Status = "delivered"
	StatusCancelled  Status = "cancelled"
)

var validNext = map[Status]map[Status]bool{
	StatusPending:    {StatusProcessing: true, StatusCancelled: true},
	StatusProcessing: {StatusShipped: true, StatusCancelled: true},
	StatusShipped:    {StatusDelivered: true},
	StatusDelivered:  {},
	StatusCancelled:  {},
}

func CanTransition(from, to Status) bool {
	return validNext[from][to]
}

func (s Status) Terminal() bool {
	return s == StatusDelivered || s == StatusCancelled
}

func (s Status) Valid() bool {
	_, ok := validNext[s]
	return ok
}

type PaymentMethod string

const (
	MethodCOD    PaymentMethod = "COD"
	MethodStripe PaymentMethod = "STRIPE"
	MethodVNPay  PaymentMethod = "VNPAY"
)

func (m PaymentMethod) Valid() bool {
	switch m {
	case MethodCOD, MethodStripe, MethodVNPay:
		return true
	}
	return false
}
