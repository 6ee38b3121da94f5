package chat

import (
	"strings"

	"github.com/pliu/tandem/internal/apperr"
)

// DeliveryPolicy decides when a sender is told a message was delivered.
type DeliveryPolicy string

const (
	// DeliveryStrict confirms delivery only when a live recipient connection
	// accepted the message, and records it in the ledger.
	DeliveryStrict DeliveryPolicy = "strict"
	// DeliveryOptimistic confirms every relayed message and leaves the ledger
	// at sent.
	DeliveryOptimistic DeliveryPolicy = "optimistic"
)

func ParseDeliveryPolicy(s string) (DeliveryPolicy, error) {
	switch DeliveryPolicy(strings.ToLower(strings.TrimSpace(s))) {
	case "", DeliveryStrict:
		return DeliveryStrict, nil
	case DeliveryOptimistic:
		return DeliveryOptimistic, nil
	}
	return "", apperr.InvalidArg("unknown delivery policy " + s)
}
