package signal

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/golang/glog"
)

/*
A full stack signal is local state whose authoritative copy lives on the server.
- the confirmed tree is the last state acknowledged by the server
- the unconfirmed commands are local commands not yet resolved by the server
- the public tree is the confirmed tree with the unconfirmed commands applied in submission order.
  It is what readers see, so local changes are visible without waiting for the server.

Commands are only merged into the confirmed tree once the server accepts them.
The connection to the server is held only while the signal has observers.
*/

type SignalSettings struct {
	// commands waiting for the sender
	SendBufferSize int
	// per command round trip
	SendTimeout time.Duration
	// how long an accepted command waits for its push before it is merged from the call result
	ConfirmPushTimeout time.Duration
	// `Update` retries after this if the confirmed tree has not changed
	UpdateRetryTimeout time.Duration
	// resolved command ids kept to drop late duplicate deliveries
	ResolvedHistorySize int
}

func DefaultSignalSettings() *SignalSettings {
	return &SignalSettings{
		SendBufferSize:      1024,
		SendTimeout:         30 * time.Second,
		ConfirmPushTimeout:  5 * time.Second,
		UpdateRetryTimeout:  1 * time.Second,
		ResolvedHistorySize: 1024,
	}
}

type ObserveFunction func(tree *NodeTree)

type observer struct {
	callback ObserveFunction
	// owned by the notify goroutine
	lastTree *NodeTree
}

type FullStackSignal struct {
	ctx    context.Context
	cancel context.CancelFunc

	id       Id
	settings *SignalSettings

	connection *Connection

	stateLock sync.Mutex
	confirmed *NodeTree
	// incremented on each change of `confirmed`
	confirmedVersion uint64
	unconfirmed      *commandQueue
	// incremented on each change of `unconfirmed`
	unconfirmedVersion uint64
	// memoized public tree, valid for the versions it was computed from
	public                   *NodeTree
	publicConfirmedVersion   uint64
	publicUnconfirmedVersion uint64
	// incremented on each snapshot merged into `confirmed`
	snapshotVersion uint64
	resolved        *resolvedHistory

	sends chan *pendingCommand

	// serializes connect and disconnect on observer transitions
	observeLock sync.Mutex
	observers   *CallbackList[*observer]
	notify      chan struct{}

	confirmedMonitor *Monitor
}

func NewFullStackSignalWithDefaults(
	ctx context.Context,
	transport Transport,
	providerEndpoint string,
	providerMethod string,
	params map[string]any,
) *FullStackSignal {
	return NewFullStackSignal(
		ctx,
		transport,
		providerEndpoint,
		providerMethod,
		params,
		DefaultSignalSettings(),
	)
}

func NewFullStackSignal(
	ctx context.Context,
	transport Transport,
	providerEndpoint string,
	providerMethod string,
	params map[string]any,
	settings *SignalSettings,
) *FullStackSignal {
	cancelCtx, cancel := context.WithCancel(ctx)
	id := NewId()
	confirmed := EmptyNodeTree()
	signal := &FullStackSignal{
		ctx:              cancelCtx,
		cancel:           cancel,
		id:               id,
		settings:         settings,
		confirmed:        confirmed,
		unconfirmed:      newCommandQueue(),
		public:           confirmed,
		resolved:         newResolvedHistory(settings.ResolvedHistorySize),
		sends:            make(chan *pendingCommand, settings.SendBufferSize),
		observers:        NewCallbackList[*observer](),
		notify:           make(chan struct{}, 1),
		confirmedMonitor: NewMonitor(),
	}
	signal.connection = NewConnection(
		cancelCtx,
		transport,
		id,
		providerEndpoint,
		providerMethod,
		params,
		signal.receive,
	)
	go signal.run()
	go signal.runNotify()
	return signal
}

// the client signal id
func (self *FullStackSignal) Id() Id {
	return self.id
}

func (self *FullStackSignal) Connection() *Connection {
	return self.connection
}

// the public tree
func (self *FullStackSignal) Tree() *NodeTree {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.publicTree()
}

// must hold `stateLock`
func (self *FullStackSignal) publicTree() *NodeTree {
	if self.publicConfirmedVersion != self.confirmedVersion || self.publicUnconfirmedVersion != self.unconfirmedVersion {
		// a command that no longer applies is skipped and the rest still apply
		self.public, _ = ApplyAll(self.confirmed, self.unconfirmed.Commands())
		self.publicConfirmedVersion = self.confirmedVersion
		self.publicUnconfirmedVersion = self.unconfirmedVersion
	}
	return self.public
}

func (self *FullStackSignal) ConfirmedTree() *NodeTree {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.confirmed
}

// the number of unconfirmed commands
func (self *FullStackSignal) PendingCount() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.unconfirmed.QueueSize()
}

// the number of server snapshots merged into the confirmed tree
func (self *FullStackSignal) snapshotCount() uint64 {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.snapshotVersion
}

// closed on the next change to the confirmed tree
func (self *FullStackSignal) confirmedNotify() chan struct{} {
	return self.confirmedMonitor.NotifyChannel()
}

// Submit shows the command in the public tree immediately and sends it to the server.
// The command is merged into the confirmed tree only if the server accepts it.
func (self *FullStackSignal) Submit(command Command) *Operation {
	operation := newOperation()

	var item *pendingCommand
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		select {
		case <-self.ctx.Done():
			return
		default:
		}
		item = self.unconfirmed.Add(command, operation)
		self.unconfirmedVersion += 1
	}()
	if item == nil {
		operation.resolve(false, errors.New("Done"))
		return operation
	}
	glog.V(2).Infof("[signal]%s submit %s\n", self.id, command.CommandId())
	self.notifyObservers()

	select {
	case self.sends <- item:
	case <-self.ctx.Done():
	}
	select {
	case <-self.ctx.Done():
		// the sender may have exited before it saw the item
		self.resolve(command.CommandId(), false, nil, errors.New("Done"))
	default:
	}
	return operation
}

// sends commands one at a time in submission order
func (self *FullStackSignal) run() {
	defer func() {
		// fail everything still pending
		self.stateLock.Lock()
		commandIds := []Id{}
		for _, command := range self.unconfirmed.Commands() {
			commandIds = append(commandIds, command.CommandId())
		}
		self.stateLock.Unlock()
		for _, commandId := range commandIds {
			self.resolve(commandId, false, nil, errors.New("Done"))
		}
	}()

	for {
		select {
		case <-self.ctx.Done():
			return
		case item := <-self.sends:
			HandleError(func() {
				self.send(item)
			}, func(err error) {
				self.resolve(item.command.CommandId(), false, nil, err)
			})
		}
	}
}

func (self *FullStackSignal) send(item *pendingCommand) {
	commandId := item.command.CommandId()

	self.stateLock.Lock()
	item.snapshotVersion = self.snapshotVersion
	self.stateLock.Unlock()

	sendCtx, sendCancel := context.WithTimeout(self.ctx, self.settings.SendTimeout)
	defer sendCancel()

	event, err := self.connection.Send(sendCtx, item.command)
	if err != nil {
		glog.Infof("[signal]%s send %s error = %s\n", self.id, commandId, err)
		self.resolve(commandId, false, nil, err)
		return
	}
	command := event.Command
	if command == nil {
		command = item.command
	}
	glog.V(2).Infof("[signal]%s send %s accepted = %t\n", self.id, commandId, event.Accepted)

	if !event.Accepted {
		self.resolve(commandId, false, command, nil)
		return
	}
	if self.awaitPush(item) {
		self.resolveFromCall(commandId, command)
	}
}

// An accepted command is also pushed on the persistent subscription, in server order
// relative to peer commands. While connected, the push is what merges the command into
// the confirmed tree. The call result is used only if the push does not arrive.
// returns true if the caller should resolve from the call result
func (self *FullStackSignal) awaitPush(item *pendingCommand) bool {
	timeout := time.After(self.settings.ConfirmPushTimeout)
	for {
		notify := self.connection.StateNotify()
		if !self.connection.IsEstablished() {
			return true
		}
		select {
		case <-self.ctx.Done():
			return false
		case <-item.operation.Done():
			return false
		case <-notify:
		case <-timeout:
			glog.Infof("[signal]%s no push for accepted %s\n", self.id, item.command.CommandId())
			return true
		}
	}
}

// removes the command from the unconfirmed set exactly once
// an accepted command is merged into the confirmed tree
// returns false if the command was not pending
func (self *FullStackSignal) resolve(commandId Id, accepted bool, command Command, err error) bool {
	return self.resolveWith(commandId, accepted, err, func(item *pendingCommand) bool {
		return accepted && self.confirm(command)
	})
}

// resolves an accepted command whose push did not arrive.
// A snapshot received after the send was taken after the server applied the command,
// so the command is already in the confirmed tree and must not be merged again.
func (self *FullStackSignal) resolveFromCall(commandId Id, command Command) bool {
	return self.resolveWith(commandId, true, nil, func(item *pendingCommand) bool {
		if item.snapshotVersion != self.snapshotVersion {
			glog.V(1).Infof("[signal]%s accepted %s is in a newer snapshot\n", self.id, commandId)
			return false
		}
		return self.confirm(command)
	})
}

// `merge` runs with `stateLock` held and returns true if the confirmed tree changed
func (self *FullStackSignal) resolveWith(
	commandId Id,
	accepted bool,
	err error,
	merge func(item *pendingCommand) bool,
) bool {
	var item *pendingCommand
	confirmedChanged := false
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		item = self.unconfirmed.RemoveByCommandId(commandId)
		if item == nil {
			return
		}
		self.unconfirmedVersion += 1
		self.resolved.Add(commandId)

		confirmedChanged = merge(item)
	}()
	if item == nil {
		return false
	}

	item.operation.resolve(accepted, err)
	if confirmedChanged {
		self.confirmedMonitor.NotifyAll()
	}
	self.notifyObservers()
	return true
}

// must hold `stateLock`
func (self *FullStackSignal) confirm(command Command) bool {
	next, ok := Apply(self.confirmed, command)
	if !ok {
		// the server accepted a command that does not apply locally.
		// the next snapshot realigns the confirmed tree.
		glog.Infof("[signal]%s accepted command %s does not apply to the confirmed tree\n", self.id, command.CommandId())
		return false
	}
	self.confirmed = next
	self.confirmedVersion += 1
	if _, ok := command.(*SnapshotCommand); ok {
		self.snapshotVersion += 1
	}
	return true
}

// ReceiveFunction
func (self *FullStackSignal) receive(event *Event) {
	commandId := event.Command.CommandId()

	self.stateLock.Lock()
	pending := self.unconfirmed.ContainsCommandId(commandId)
	self.stateLock.Unlock()

	if pending {
		self.resolve(commandId, event.Accepted, event.Command, nil)
		return
	}
	if !event.Accepted {
		return
	}

	confirmedChanged := false
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		if self.resolved.Contains(commandId) {
			// late duplicate
			return
		}
		self.resolved.Add(commandId)
		confirmedChanged = self.confirm(event.Command)
	}()
	if confirmedChanged {
		glog.V(2).Infof("[signal]%s receive %s\n", self.id, commandId)
		self.confirmedMonitor.NotifyAll()
		self.notifyObservers()
	}
}

// Observe calls back with the public tree, now and on each change.
// The first observer connects the signal to the server and the last observer to leave disconnects it.
func (self *FullStackSignal) Observe(callback ObserveFunction) (unobserve func()) {
	self.observeLock.Lock()
	defer self.observeLock.Unlock()

	callbackId, count := self.observers.Add(&observer{
		callback: callback,
	})
	if count == 1 {
		if _, err := self.connection.Establish(); err != nil {
			glog.Infof("[signal]%s connect error = %s\n", self.id, err)
		}
	}
	self.notifyObservers()

	var once sync.Once
	return func() {
		once.Do(func() {
			self.unobserve(callbackId)
		})
	}
}

func (self *FullStackSignal) unobserve(callbackId int) {
	self.observeLock.Lock()
	defer self.observeLock.Unlock()

	count, removed := self.observers.Remove(callbackId)
	if removed && count == 0 {
		self.connection.Terminate()
	}
}

func (self *FullStackSignal) ObserverCount() int {
	return self.observers.Len()
}

func (self *FullStackSignal) notifyObservers() {
	select {
	case self.notify <- struct{}{}:
	default:
		// a notification is already pending and will see the latest tree
	}
}

// delivers the latest public tree to each observer that has not seen it
// changes between deliveries are coalesced
func (self *FullStackSignal) runNotify() {
	for {
		select {
		case <-self.ctx.Done():
			return
		case <-self.notify:
		}

		tree := self.Tree()
		for _, o := range self.observers.Get() {
			if o.lastTree == tree {
				continue
			}
			o.lastTree = tree
			HandleError(func() {
				o.callback(tree)
			})
		}
	}
}

// fails pending commands and closes the connection
func (self *FullStackSignal) Close() {
	self.cancel()
	self.connection.Close()
}

// a bounded set of recent command ids
type resolvedHistory struct {
	size       int
	commandIds []Id
	next       int
	contains   map[Id]bool
}

func newResolvedHistory(size int) *resolvedHistory {
	return &resolvedHistory{
		size:       size,
		commandIds: make([]Id, 0, size),
		contains:   map[Id]bool{},
	}
}

func (self *resolvedHistory) Add(commandId Id) {
	if self.size <= 0 || self.contains[commandId] {
		return
	}
	if len(self.commandIds) < self.size {
		self.commandIds = append(self.commandIds, commandId)
	} else {
		delete(self.contains, self.commandIds[self.next])
		self.commandIds[self.next] = commandId
		self.next = (self.next + 1) % self.size
	}
	self.contains[commandId] = true
}

func (self *resolvedHistory) Contains(commandId Id) bool {
	return self.contains[commandId]
}
