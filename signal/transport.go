package signal

import (
	"context"
	"encoding/json"
)

// the transport is an external rpc/subscription client
// this package only defines the contract it needs

// the well known server side state broker
const BrokerEndpoint = "SignalsHandler"

const (
	BrokerMethodSubscribe = "subscribe"
	BrokerMethodUpdate    = "update"
)

// what the transport should do with a subscription after the connection is lost
type LostSubscriptionAction int

const (
	LostSubscriptionResubscribe LostSubscriptionAction = iota
	LostSubscriptionRemove
)

func (self LostSubscriptionAction) String() string {
	switch self {
	case LostSubscriptionResubscribe:
		return "resubscribe"
	case LostSubscriptionRemove:
		return "remove"
	default:
		return "unknown"
	}
}

// callbacks are invoked by the transport in delivery order
// any callback may be nil
type SubscriptionCallbacks struct {
	OnNext     func(message json.RawMessage)
	OnError    func(err error)
	OnComplete func()
	// called when the transport loses the underlying connection
	OnLost func() LostSubscriptionAction
}

type Subscription interface {
	// idempotent
	Cancel()
}

type Transport interface {
	// opens a server push subscription
	Subscribe(
		endpoint string,
		method string,
		params map[string]any,
		callbacks SubscriptionCallbacks,
	) (Subscription, error)

	// blocks until the result arrives or `ctx` is done
	Call(
		ctx context.Context,
		endpoint string,
		method string,
		params map[string]any,
	) (json.RawMessage, error)
}
