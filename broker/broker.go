package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/golang/glog"

	"github.com/bringyour/statesync/signal"
)

/*
The broker is the server side of the signal protocol, kept in process.
Each provider (endpoint.method) owns one authoritative tree.
- subscribe registers a client signal with a provider and pushes a snapshot of the tree
- update applies one command to the provider tree. Accepted commands are pushed to every
  subscription of the provider in the order they were applied.
*/

// returns false to reject the command without applying it
type FilterFunction func(clientSignalId signal.Id, command signal.Command) bool

type BrokerSettings struct {
	Filter FilterFunction
}

func DefaultBrokerSettings() *BrokerSettings {
	return &BrokerSettings{}
}

type SubscribeArgs struct {
	ProviderEndpoint string         `json:"providerEndpoint"`
	ProviderMethod   string         `json:"providerMethod"`
	ClientSignalId   signal.Id      `json:"clientSignalId"`
	Params           map[string]any `json:"params,omitempty"`
}

type UpdateArgs struct {
	ClientSignalId signal.Id       `json:"clientSignalId"`
	Event          json.RawMessage `json:"event"`
}

// called with each pushed event, in order, while holding the broker lock
// must not call back into the broker
type PushFunction func(event *signal.Event)

type provider struct {
	key  string
	tree *signal.NodeTree
	// subscription id -> subscriber
	subscribers map[int]*subscriber
}

type subscriber struct {
	subscriptionId int
	clientSignalId signal.Id
	provider       *provider
	push           PushFunction
}

type Broker struct {
	ctx    context.Context
	cancel context.CancelFunc

	settings *BrokerSettings

	stateLock          sync.Mutex
	nextSubscriptionId int
	// provider key -> provider
	providers map[string]*provider
	// client signal id -> subscription id -> subscriber
	clientSubscribers map[signal.Id]map[int]*subscriber
}

func NewBrokerWithDefaults(ctx context.Context) *Broker {
	return NewBroker(ctx, DefaultBrokerSettings())
}

func NewBroker(ctx context.Context, settings *BrokerSettings) *Broker {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &Broker{
		ctx:               cancelCtx,
		cancel:            cancel,
		settings:          settings,
		providers:         map[string]*provider{},
		clientSubscribers: map[signal.Id]map[int]*subscriber{},
	}
}

func providerKey(providerEndpoint string, providerMethod string) string {
	return fmt.Sprintf("%s.%s", providerEndpoint, providerMethod)
}

// must hold `stateLock`
func (self *Broker) provider(providerEndpoint string, providerMethod string) *provider {
	key := providerKey(providerEndpoint, providerMethod)
	p, ok := self.providers[key]
	if !ok {
		p = &provider{
			key:         key,
			tree:        signal.EmptyNodeTree(),
			subscribers: map[int]*subscriber{},
		}
		self.providers[key] = p
	}
	return p
}

// the authoritative tree of a provider
func (self *Broker) Tree(providerEndpoint string, providerMethod string) *signal.NodeTree {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.provider(providerEndpoint, providerMethod).tree
}

// the number of open subscriptions for a client signal
func (self *Broker) SubscriptionCount(clientSignalId signal.Id) int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return len(self.clientSubscribers[clientSignalId])
}

// pushes a snapshot of the provider tree before any command
func (self *Broker) Subscribe(args *SubscribeArgs, push PushFunction) (subscriptionId int, err error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	select {
	case <-self.ctx.Done():
		return 0, errors.New("Done")
	default:
	}

	p := self.provider(args.ProviderEndpoint, args.ProviderMethod)

	subscriptionId = self.nextSubscriptionId
	self.nextSubscriptionId += 1
	s := &subscriber{
		subscriptionId: subscriptionId,
		clientSignalId: args.ClientSignalId,
		provider:       p,
		push:           push,
	}
	p.subscribers[subscriptionId] = s
	clientSubscribers, ok := self.clientSubscribers[args.ClientSignalId]
	if !ok {
		clientSubscribers = map[int]*subscriber{}
		self.clientSubscribers[args.ClientSignalId] = clientSubscribers
	}
	clientSubscribers[subscriptionId] = s

	glog.V(1).Infof("[broker]%s subscribe %s (%d)\n", args.ClientSignalId, p.key, subscriptionId)

	signal.HandleError(func() {
		push(&signal.Event{
			Accepted: true,
			Command:  signal.NewSnapshot(p.tree),
		})
	})
	return subscriptionId, nil
}

// idempotent
func (self *Broker) Unsubscribe(subscriptionId int) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	for clientSignalId, clientSubscribers := range self.clientSubscribers {
		s, ok := clientSubscribers[subscriptionId]
		if !ok {
			continue
		}
		delete(clientSubscribers, subscriptionId)
		if len(clientSubscribers) == 0 {
			delete(self.clientSubscribers, clientSignalId)
		}
		delete(s.provider.subscribers, subscriptionId)
		glog.V(1).Infof("[broker]%s unsubscribe %s (%d)\n", clientSignalId, s.provider.key, subscriptionId)
		return
	}
}

// The client signal must hold a subscription, which names the provider.
// An accepted command is pushed to every subscription of the provider, including the caller's.
func (self *Broker) Update(clientSignalId signal.Id, command signal.Command) (*signal.Event, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	var p *provider
	for _, s := range self.clientSubscribers[clientSignalId] {
		p = s.provider
		break
	}
	if p == nil {
		return nil, fmt.Errorf("No subscription for client signal %s.", clientSignalId)
	}

	if _, ok := command.(*signal.SnapshotCommand); ok {
		// clients never replace the authoritative tree
		return &signal.Event{Accepted: false, Command: command}, nil
	}
	if self.settings.Filter != nil && !self.settings.Filter(clientSignalId, command) {
		glog.V(2).Infof("[broker]%s filtered %s\n", clientSignalId, command.CommandId())
		return &signal.Event{Accepted: false, Command: command}, nil
	}

	tree, accepted := signal.Apply(p.tree, command)
	event := &signal.Event{
		Accepted: accepted,
		Command:  command,
	}
	if !accepted {
		glog.V(2).Infof("[broker]%s rejected %s\n", clientSignalId, command.CommandId())
		return event, nil
	}
	p.tree = tree
	glog.V(2).Infof("[broker]%s accepted %s\n", clientSignalId, command.CommandId())

	for _, s := range p.subscribers {
		signal.HandleError(func() {
			s.push(event)
		})
	}
	return event, nil
}

// drops all subscriptions
func (self *Broker) Close() {
	self.cancel()

	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	for _, p := range self.providers {
		p.subscribers = map[int]*subscriber{}
	}
	self.clientSubscribers = map[signal.Id]map[int]*subscriber{}
}
