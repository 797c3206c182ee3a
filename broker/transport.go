package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/golang/glog"

	"github.com/bringyour/statesync/signal"
)

// an in process `signal.Transport` connected directly to a broker
// params and results are encoded to json as they would be on a network
type Transport struct {
	broker *Broker

	stateLock          sync.Mutex
	nextSubscriptionId int
	subscriptions      map[int]*transportSubscription
}

func NewTransport(broker *Broker) *Transport {
	return &Transport{
		broker:        broker,
		subscriptions: map[int]*transportSubscription{},
	}
}

func (self *Broker) Transport() *Transport {
	return NewTransport(self)
}

// convert the params to the broker args through json
func decodeParams[T any](params map[string]any) (*T, error) {
	paramsBytes, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	var args T
	if err := json.Unmarshal(paramsBytes, &args); err != nil {
		return nil, err
	}
	return &args, nil
}

func (self *Transport) Subscribe(
	endpoint string,
	method string,
	params map[string]any,
	callbacks signal.SubscriptionCallbacks,
) (signal.Subscription, error) {
	if endpoint != signal.BrokerEndpoint || method != signal.BrokerMethodSubscribe {
		return nil, fmt.Errorf("Unknown subscription %s.%s", endpoint, method)
	}
	args, err := decodeParams[SubscribeArgs](params)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(self.broker.ctx)
	subscription := &transportSubscription{
		ctx:       ctx,
		cancel:    cancel,
		transport: self,
		args:      args,
		callbacks: callbacks,
		messages:  []json.RawMessage{},
		monitor:   signal.NewMonitor(),
	}

	brokerSubscriptionId, err := self.broker.Subscribe(args, subscription.push)
	if err != nil {
		cancel()
		return nil, err
	}
	subscription.brokerSubscriptionId = brokerSubscriptionId

	self.stateLock.Lock()
	subscription.transportSubscriptionId = self.nextSubscriptionId
	self.nextSubscriptionId += 1
	self.subscriptions[subscription.transportSubscriptionId] = subscription
	self.stateLock.Unlock()

	go subscription.run()
	return subscription, nil
}

func (self *Transport) Call(
	ctx context.Context,
	endpoint string,
	method string,
	params map[string]any,
) (json.RawMessage, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	if endpoint != signal.BrokerEndpoint || method != signal.BrokerMethodUpdate {
		return nil, fmt.Errorf("Unknown method %s.%s", endpoint, method)
	}
	args, err := decodeParams[UpdateArgs](params)
	if err != nil {
		return nil, err
	}
	command, err := signal.UnmarshalCommand(args.Event)
	if err != nil {
		return nil, err
	}
	event, err := self.broker.Update(args.ClientSignalId, command)
	if err != nil {
		return nil, err
	}
	return json.Marshal(event)
}

// the number of open subscriptions
func (self *Transport) SubscriptionCount() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return len(self.subscriptions)
}

// simulates a lost connection
// each subscription is dropped at the broker and handled per its lost callback
func (self *Transport) DropSubscriptions() {
	self.stateLock.Lock()
	subscriptions := make([]*transportSubscription, 0, len(self.subscriptions))
	for _, subscription := range self.subscriptions {
		subscriptions = append(subscriptions, subscription)
	}
	self.stateLock.Unlock()

	for _, subscription := range subscriptions {
		subscription.lost()
	}
}

func (self *Transport) remove(subscription *transportSubscription) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	delete(self.subscriptions, subscription.transportSubscriptionId)
}

type transportSubscription struct {
	ctx    context.Context
	cancel context.CancelFunc

	transport *Transport
	args      *SubscribeArgs
	callbacks signal.SubscriptionCallbacks

	transportSubscriptionId int

	stateLock            sync.Mutex
	brokerSubscriptionId int
	// pushed messages not yet delivered
	messages []json.RawMessage
	monitor  *signal.Monitor

	cancelOnce sync.Once
}

// PushFunction
// queues without blocking so that the broker is never held up by a slow client
func (self *transportSubscription) push(event *signal.Event) {
	message, err := json.Marshal(event)
	if err != nil {
		glog.Infof("[broker]%s push error = %s\n", self.args.ClientSignalId, err)
		return
	}
	self.stateLock.Lock()
	self.messages = append(self.messages, message)
	self.stateLock.Unlock()
	self.monitor.NotifyAll()
}

// delivers messages in push order
func (self *transportSubscription) run() {
	for {
		notify := self.monitor.NotifyChannel()

		self.stateLock.Lock()
		messages := self.messages
		self.messages = []json.RawMessage{}
		self.stateLock.Unlock()

		for _, message := range messages {
			select {
			case <-self.ctx.Done():
				return
			default:
			}
			if self.callbacks.OnNext != nil {
				signal.HandleError(func() {
					self.callbacks.OnNext(message)
				})
			}
		}

		select {
		case <-self.ctx.Done():
			return
		case <-notify:
		}
	}
}

func (self *transportSubscription) lost() {
	self.stateLock.Lock()
	brokerSubscriptionId := self.brokerSubscriptionId
	self.stateLock.Unlock()
	self.transport.broker.Unsubscribe(brokerSubscriptionId)

	action := signal.LostSubscriptionResubscribe
	if self.callbacks.OnLost != nil {
		action = self.callbacks.OnLost()
	}
	glog.V(1).Infof("[broker]%s subscription lost, %s\n", self.args.ClientSignalId, action)

	switch action {
	case signal.LostSubscriptionResubscribe:
		select {
		case <-self.ctx.Done():
			return
		default:
		}
		brokerSubscriptionId, err := self.transport.broker.Subscribe(self.args, self.push)
		if err != nil {
			if self.callbacks.OnError != nil {
				self.callbacks.OnError(err)
			}
			self.Cancel()
			return
		}
		self.stateLock.Lock()
		self.brokerSubscriptionId = brokerSubscriptionId
		self.stateLock.Unlock()
		select {
		case <-self.ctx.Done():
			// canceled while resubscribing
			self.transport.broker.Unsubscribe(brokerSubscriptionId)
		default:
		}
	default:
		self.Cancel()
		if self.callbacks.OnComplete != nil {
			self.callbacks.OnComplete()
		}
	}
}

// idempotent
func (self *transportSubscription) Cancel() {
	self.cancelOnce.Do(func() {
		self.stateLock.Lock()
		brokerSubscriptionId := self.brokerSubscriptionId
		self.stateLock.Unlock()
		self.transport.broker.Unsubscribe(brokerSubscriptionId)
		self.transport.remove(self)
		self.cancel()
	})
}

var _ signal.Transport = (*Transport)(nil)
