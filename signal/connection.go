package signal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/golang/glog"
)

// receives events pushed on the persistent subscription
type ReceiveFunction func(event *Event)

// the subscription lifecycle of one signal with the state broker
// owns at most one persistent subscription
type Connection struct {
	ctx    context.Context
	cancel context.CancelFunc

	transport        Transport
	clientSignalId   Id
	providerEndpoint string
	providerMethod   string
	params           map[string]any

	receive ReceiveFunction

	stateLock    sync.Mutex
	subscription Subscription

	// notified on establish and terminate
	stateMonitor *Monitor
}

func NewConnection(
	ctx context.Context,
	transport Transport,
	clientSignalId Id,
	providerEndpoint string,
	providerMethod string,
	params map[string]any,
	receive ReceiveFunction,
) *Connection {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &Connection{
		ctx:              cancelCtx,
		cancel:           cancel,
		transport:        transport,
		clientSignalId:   clientSignalId,
		providerEndpoint: providerEndpoint,
		providerMethod:   providerMethod,
		params:           params,
		receive:          receive,
		stateMonitor:     NewMonitor(),
	}
}

func (self *Connection) ClientSignalId() Id {
	return self.clientSignalId
}

func (self *Connection) subscribeParams() map[string]any {
	params := self.params
	if params == nil {
		params = map[string]any{}
	}
	return map[string]any{
		"providerEndpoint": self.providerEndpoint,
		"providerMethod":   self.providerMethod,
		"clientSignalId":   self.clientSignalId,
		"params":           params,
	}
}

// `receive` nil drops pushed events
func (self *Connection) subscribe(receive ReceiveFunction) (Subscription, error) {
	tag := fmt.Sprintf("[conn]%s subscribe %s.%s", self.clientSignalId, self.providerEndpoint, self.providerMethod)
	subscribe := func() (Subscription, error) {
		return self.transport.Subscribe(
			BrokerEndpoint,
			BrokerMethodSubscribe,
			self.subscribeParams(),
			SubscriptionCallbacks{
				OnNext: func(message json.RawMessage) {
					if receive == nil {
						return
					}
					event := &Event{}
					if err := json.Unmarshal(message, event); err != nil {
						glog.Infof("[conn]%s bad event = %s\n", self.clientSignalId, err)
						return
					}
					receive(event)
				},
				OnError: func(err error) {
					glog.Infof("[conn]%s subscription error = %s\n", self.clientSignalId, err)
				},
				OnComplete: func() {
					glog.V(1).Infof("[conn]%s subscription complete\n", self.clientSignalId)
				},
				OnLost: func() LostSubscriptionAction {
					// the transport owns reconnecting. The subscription stays logically alive.
					glog.V(1).Infof("[conn]%s subscription lost, resubscribe\n", self.clientSignalId)
					return LostSubscriptionResubscribe
				},
			},
		)
	}
	return TraceWithReturnError(tag, subscribe)
}

// idempotent
// opens the persistent subscription if there is none
func (self *Connection) Establish() (Subscription, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.subscription != nil {
		return self.subscription, nil
	}
	select {
	case <-self.ctx.Done():
		return nil, errors.New("Done")
	default:
	}

	subscription, err := self.subscribe(self.receive)
	if err != nil {
		return nil, err
	}
	self.subscription = subscription
	self.stateMonitor.NotifyAll()
	glog.V(1).Infof("[conn]%s established\n", self.clientSignalId)
	return subscription, nil
}

func (self *Connection) IsEstablished() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.subscription != nil
}

// closed on the next establish or terminate
func (self *Connection) StateNotify() chan struct{} {
	return self.stateMonitor.NotifyChannel()
}

// sends one command and waits for the server result
// without a persistent subscription, a temporary subscription is held for the call
func (self *Connection) Send(ctx context.Context, command Command) (*Event, error) {
	commandBytes, err := MarshalCommand(command)
	if err != nil {
		return nil, err
	}

	self.stateLock.Lock()
	temporary := self.subscription == nil
	self.stateLock.Unlock()

	if temporary {
		// pushes on the temporary subscription are not applied.
		// its snapshot may predate the result of this call.
		subscription, err := self.subscribe(nil)
		if err != nil {
			return nil, err
		}
		defer subscription.Cancel()
		glog.V(2).Infof("[conn]%s temporary subscription for %s\n", self.clientSignalId, command.CommandId())
	}

	resultBytes, err := self.transport.Call(
		ctx,
		BrokerEndpoint,
		BrokerMethodUpdate,
		map[string]any{
			"clientSignalId": self.clientSignalId,
			"event":          json.RawMessage(commandBytes),
		},
	)
	if err != nil {
		return nil, err
	}
	event := &Event{}
	if err := json.Unmarshal(resultBytes, event); err != nil {
		return nil, err
	}
	return event, nil
}

// idempotent
func (self *Connection) Terminate() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.subscription != nil {
		self.subscription.Cancel()
		self.subscription = nil
		self.stateMonitor.NotifyAll()
		glog.V(1).Infof("[conn]%s terminated\n", self.clientSignalId)
	}
}

func (self *Connection) Close() {
	self.Terminate()
	self.cancel()
}
