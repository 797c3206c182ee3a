package signal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"golang.org/x/exp/slices"

	"github.com/go-playground/assert/v2"
)

// a scripted server behind the transport contract
// pushes are delivered synchronously, in apply order
type testServer struct {
	stateLock          sync.Mutex
	tree               *NodeTree
	nextSubscriptionId int
	subscriptions      map[int]*testSubscription
	subscribeCount     int
	cancelCount        int
	callCount          int

	// returns false to reject without applying
	filter func(clientSignalId Id, command Command) bool
	// called before each update, outside the server lock
	beforeCall func(clientSignalId Id, command Command)
	callErr    error
}

type testSubscription struct {
	server         *testServer
	subscriptionId int
	clientSignalId Id
	callbacks      SubscriptionCallbacks
	cancelOnce     sync.Once
}

func newTestServer() *testServer {
	return &testServer{
		tree:          EmptyNodeTree(),
		subscriptions: map[int]*testSubscription{},
	}
}

func (self *testServer) Subscribe(
	endpoint string,
	method string,
	params map[string]any,
	callbacks SubscriptionCallbacks,
) (Subscription, error) {
	if endpoint != BrokerEndpoint || method != BrokerMethodSubscribe {
		return nil, fmt.Errorf("Unknown subscription %s.%s", endpoint, method)
	}
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	subscription := &testSubscription{
		server:         self,
		subscriptionId: self.nextSubscriptionId,
		clientSignalId: params["clientSignalId"].(Id),
		callbacks:      callbacks,
	}
	self.nextSubscriptionId += 1
	self.subscriptions[subscription.subscriptionId] = subscription
	self.subscribeCount += 1

	subscription.push(&Event{
		Accepted: true,
		Command:  NewSnapshot(self.tree),
	})
	return subscription, nil
}

func (self *testServer) Call(
	ctx context.Context,
	endpoint string,
	method string,
	params map[string]any,
) (json.RawMessage, error) {
	if endpoint != BrokerEndpoint || method != BrokerMethodUpdate {
		return nil, fmt.Errorf("Unknown method %s.%s", endpoint, method)
	}
	clientSignalId := params["clientSignalId"].(Id)
	command, err := UnmarshalCommand(params["event"].(json.RawMessage))
	if err != nil {
		return nil, err
	}

	self.stateLock.Lock()
	beforeCall := self.beforeCall
	self.stateLock.Unlock()
	if beforeCall != nil {
		beforeCall(clientSignalId, command)
	}

	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.callCount += 1
	if self.callErr != nil {
		return nil, self.callErr
	}

	event := &Event{
		Accepted: false,
		Command:  command,
	}
	if self.filter == nil || self.filter(clientSignalId, command) {
		if tree, ok := Apply(self.tree, command); ok {
			self.tree = tree
			event.Accepted = true
		}
	}
	if event.Accepted {
		subscriptionIds := []int{}
		for subscriptionId := range self.subscriptions {
			subscriptionIds = append(subscriptionIds, subscriptionId)
		}
		slices.Sort(subscriptionIds)
		for _, subscriptionId := range subscriptionIds {
			self.subscriptions[subscriptionId].push(event)
		}
	}
	return json.Marshal(event)
}

func (self *testServer) Tree() *NodeTree {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.tree
}

func (self *testServer) Counts() (subscribeCount int, cancelCount int, openCount int) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.subscribeCount, self.cancelCount, len(self.subscriptions)
}

func (self *testServer) CallCount() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.callCount
}

func (self *testServer) SetFilter(filter func(clientSignalId Id, command Command) bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.filter = filter
}

func (self *testServer) SetBeforeCall(beforeCall func(clientSignalId Id, command Command)) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.beforeCall = beforeCall
}

func (self *testServer) SetCallErr(err error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.callErr = err
}

// drops the subscriptions of a client without telling the client, as a lost connection does
func (self *testServer) LoseSubscriptions(clientSignalId Id) []*testSubscription {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	lost := []*testSubscription{}
	for subscriptionId, subscription := range self.subscriptions {
		if subscription.clientSignalId == clientSignalId {
			lost = append(lost, subscription)
			delete(self.subscriptions, subscriptionId)
		}
	}
	return lost
}

// registers lost subscriptions again and pushes each a snapshot
func (self *testServer) Resubscribe(subscriptions []*testSubscription) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	for _, subscription := range subscriptions {
		self.subscriptions[subscription.subscriptionId] = subscription
		subscription.push(&Event{
			Accepted: true,
			Command:  NewSnapshot(self.tree),
		})
	}
}

// must hold the server lock
func (self *testSubscription) push(event *Event) {
	message, err := json.Marshal(event)
	if err != nil {
		panic(err)
	}
	if self.callbacks.OnNext != nil {
		self.callbacks.OnNext(message)
	}
}

func (self *testSubscription) Cancel() {
	self.cancelOnce.Do(func() {
		self.server.stateLock.Lock()
		defer self.server.stateLock.Unlock()
		delete(self.server.subscriptions, self.subscriptionId)
		self.server.cancelCount += 1
	})
}

func testSignalSettings() *SignalSettings {
	settings := DefaultSignalSettings()
	settings.UpdateRetryTimeout = 10 * time.Millisecond
	settings.ConfirmPushTimeout = 1 * time.Second
	return settings
}

func newTestSignal(ctx context.Context, server *testServer) *FullStackSignal {
	return NewFullStackSignal(ctx, server, "TestEndpoint", "test", nil, testSignalSettings())
}

func requireWait(t *testing.T, operation *Operation) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	accepted, err := operation.Wait(ctx)
	assert.Equal(t, err, nil)
	return accepted
}

func number(tree *NodeTree, id Id) float64 {
	v, _ := NumberOf(tree.Value(id))
	return v
}

func TestSubscriptionLifecycle(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server := newTestServer()
	s := newTestSignal(ctx, server)
	defer s.Close()

	// no observers, no subscription
	subscribeCount, cancelCount, _ := server.Counts()
	assert.Equal(t, subscribeCount, 0)
	assert.Equal(t, s.Connection().IsEstablished(), false)

	unobserve1 := s.Observe(func(tree *NodeTree) {})
	subscribeCount, _, _ = server.Counts()
	assert.Equal(t, subscribeCount, 1)
	assert.Equal(t, s.Connection().IsEstablished(), true)

	unobserve2 := s.Observe(func(tree *NodeTree) {})
	subscribeCount, _, _ = server.Counts()
	assert.Equal(t, subscribeCount, 1)
	assert.Equal(t, s.ObserverCount(), 2)

	unobserve1()
	// repeated calls are ignored
	unobserve1()
	_, cancelCount, _ = server.Counts()
	assert.Equal(t, cancelCount, 0)

	unobserve2()
	subscribeCount, cancelCount, openCount := server.Counts()
	assert.Equal(t, subscribeCount, 1)
	assert.Equal(t, cancelCount, 1)
	assert.Equal(t, openCount, 0)
	assert.Equal(t, s.Connection().IsEstablished(), false)

	// observing again subscribes again
	unobserve3 := s.Observe(func(tree *NodeTree) {})
	subscribeCount, _, _ = server.Counts()
	assert.Equal(t, subscribeCount, 2)
	unobserve3()
	_, cancelCount, _ = server.Counts()
	assert.Equal(t, cancelCount, 2)
}

func TestTemporarySubscription(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server := newTestServer()
	s := newTestSignal(ctx, server)
	defer s.Close()

	v := NewValueSignal[string](s, ZeroId)
	assert.Equal(t, requireWait(t, v.Set("a")), true)

	// a one off write does not leave a subscription open
	subscribeCount, cancelCount, openCount := server.Counts()
	assert.Equal(t, subscribeCount, 1)
	assert.Equal(t, cancelCount, 1)
	assert.Equal(t, openCount, 0)

	assert.Equal(t, ValueEqual(server.Tree().Value(ZeroId), StringValue("a")), true)
	assert.Equal(t, ValueEqual(s.ConfirmedTree().Value(ZeroId), StringValue("a")), true)
	assert.Equal(t, s.PendingCount(), 0)
}

func TestConfirmedPublicConvergence(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server := newTestServer()
	// reject every third command
	n := 0
	server.SetFilter(func(clientSignalId Id, command Command) bool {
		n += 1
		return n%3 != 0
	})

	s := newTestSignal(ctx, server)
	defer s.Close()
	unobserve := s.Observe(func(tree *NodeTree) {})
	defer unobserve()

	l := NewListSignal[int](s, ZeroId)
	operations := []*Operation{}
	for i := 0; i < 30; i += 1 {
		operations = append(operations, l.InsertLast(i).Operation)
	}
	acceptedCount := 0
	for _, operation := range operations {
		if requireWait(t, operation) {
			acceptedCount += 1
		}
	}
	assert.Equal(t, acceptedCount, 20)
	assert.Equal(t, s.PendingCount(), 0)
	assert.Equal(t, s.Tree().Equal(s.ConfirmedTree()), true)
	assert.Equal(t, s.ConfirmedTree().Equal(server.Tree()), true)

	values, err := l.Values()
	assert.Equal(t, err, nil)
	assert.Equal(t, len(values), 20)
	// submission order is kept
	assert.Equal(t, slices.IsSortedFunc(values, func(a int, b int) int {
		return a - b
	}), true)
}

func TestCompareAndSet(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server := newTestServer()
	server.tree, _ = Apply(server.tree, NewSet(ZeroId, NumberValue(1)))

	a := newTestSignal(ctx, server)
	defer a.Close()
	b := newTestSignal(ctx, server)
	defer b.Close()
	defer a.Observe(func(tree *NodeTree) {})()
	defer b.Observe(func(tree *NodeTree) {})()

	aValue := NewValueSignal[float64](a, ZeroId)
	bValue := NewValueSignal[float64](b, ZeroId)

	assert.Equal(t, requireWait(t, aValue.Replace(1, 2)), true)
	assert.Equal(t, requireWait(t, aValue.Replace(1, 3)), false)
	assert.Equal(t, number(server.Tree(), ZeroId), float64(2))

	// both expect 2, only the first applied wins
	aOp := aValue.Replace(2, 5)
	assert.Equal(t, requireWait(t, aOp), true)
	bOp := bValue.Replace(2, 6)
	assert.Equal(t, requireWait(t, bOp), false)

	assert.Equal(t, number(server.Tree(), ZeroId), float64(5))
	assert.Equal(t, number(a.ConfirmedTree(), ZeroId), float64(5))
	assert.Equal(t, number(b.ConfirmedTree(), ZeroId), float64(5))
	assert.Equal(t, number(b.Tree(), ZeroId), float64(5))
}

func TestRejectedIncrement(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server := newTestServer()
	server.tree, _ = Apply(server.tree, NewSet(ZeroId, NumberValue(10)))

	a := newTestSignal(ctx, server)
	defer a.Close()
	b := newTestSignal(ctx, server)
	defer b.Close()
	defer a.Observe(func(tree *NodeTree) {})()
	defer b.Observe(func(tree *NodeTree) {})()

	aNumber := NewNumberSignal(a, ZeroId)
	bNumber := NewNumberSignal(b, ZeroId)

	aValue, _ := aNumber.Value()
	bValue, _ := bNumber.Value()
	assert.Equal(t, aValue, float64(10))
	assert.Equal(t, bValue, float64(10))

	// the server rejects b and holds its call until released
	gate := make(chan struct{})
	server.SetFilter(func(clientSignalId Id, command Command) bool {
		return clientSignalId != b.Id()
	})
	server.SetBeforeCall(func(clientSignalId Id, command Command) {
		if clientSignalId == b.Id() {
			<-gate
		}
	})

	bOp := bNumber.Increment(1)
	// optimistic
	bValue, _ = bNumber.Value()
	assert.Equal(t, bValue, float64(11))

	assert.Equal(t, requireWait(t, aNumber.Increment(1)), true)
	aValue, _ = aNumber.Value()
	assert.Equal(t, aValue, float64(11))

	close(gate)
	assert.Equal(t, requireWait(t, bOp), false)

	bValue, _ = bNumber.Value()
	assert.Equal(t, bValue, float64(11))
	assert.Equal(t, number(b.ConfirmedTree(), ZeroId), float64(11))
	assert.Equal(t, number(server.Tree(), ZeroId), float64(11))
	assert.Equal(t, b.PendingCount(), 0)
}

func TestZeroIncrement(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server := newTestServer()
	s := newTestSignal(ctx, server)
	defer s.Close()

	n := NewNumberSignal(s, ZeroId)
	assert.Equal(t, requireWait(t, n.Increment(0)), true)
	assert.Equal(t, server.CallCount(), 0)
	assert.Equal(t, s.PendingCount(), 0)
}

func TestTransportFailure(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server := newTestServer()
	server.SetCallErr(errors.New("Unreachable."))

	s := newTestSignal(ctx, server)
	defer s.Close()
	defer s.Observe(func(tree *NodeTree) {})()

	v := NewValueSignal[string](s, ZeroId)
	operation := v.Set("a")

	waitCtx, waitCancel := context.WithTimeout(ctx, 10*time.Second)
	defer waitCancel()
	accepted, err := operation.Wait(waitCtx)
	assert.Equal(t, accepted, false)
	assert.NotEqual(t, err, nil)

	result, ok := operation.Result()
	assert.Equal(t, ok, true)
	assert.Equal(t, result.Err.Error(), "Unreachable.")

	// nothing merged, nothing left pending
	assert.Equal(t, s.PendingCount(), 0)
	assert.Equal(t, s.ConfirmedTree().Value(ZeroId) == nil, true)
	assert.Equal(t, s.Tree().Equal(s.ConfirmedTree()), true)
}

func TestUpdateRetryConvergence(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server := newTestServer()

	clients := 4
	increments := 8

	var wg sync.WaitGroup
	errs := make(chan error, clients)
	for i := 0; i < clients; i += 1 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s := newTestSignal(ctx, server)
			defer s.Close()
			n := NewNumberSignal(s, ZeroId)
			for j := 0; j < increments; j += 1 {
				update := n.Update(ctx, func(current float64) float64 {
					return current + 1
				})
				waitCtx, waitCancel := context.WithTimeout(ctx, 30*time.Second)
				accepted, err := update.Wait(waitCtx)
				waitCancel()
				if err != nil {
					errs <- err
					return
				}
				if !accepted {
					errs <- errors.New("Not accepted.")
					return
				}
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.Equal(t, err, nil)
	}

	// no lost updates
	assert.Equal(t, number(server.Tree(), ZeroId), float64(clients*increments))
	// updates hold the connection only while running
	_, _, openCount := server.Counts()
	assert.Equal(t, openCount, 0)
}

func TestUpdateCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server := newTestServer()
	server.SetFilter(func(clientSignalId Id, command Command) bool {
		return false
	})

	s := newTestSignal(ctx, server)
	defer s.Close()
	v := NewValueSignal[string](s, ZeroId)

	update := v.Update(ctx, func(current string) string {
		return current + "a"
	})
	time.Sleep(50 * time.Millisecond)
	update.Cancel()

	waitCtx, waitCancel := context.WithTimeout(ctx, 10*time.Second)
	defer waitCancel()
	accepted, err := update.Wait(waitCtx)
	assert.Equal(t, accepted, false)
	assert.Equal(t, IsCanceled(err), true)
	assert.Equal(t, 0 < update.Attempts(), true)
	assert.Equal(t, server.Tree().Value(ZeroId) == nil, true)
}

func TestObserveNotifications(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server := newTestServer()
	s := newTestSignal(ctx, server)
	defer s.Close()

	values := make(chan string, 64)
	v := NewValueSignal[string](s, ZeroId)
	unobserve := v.Observe(func(value string) {
		values <- value
	})
	defer unobserve()

	assert.Equal(t, requireWait(t, v.Set("a")), true)
	assert.Equal(t, requireWait(t, v.Set("b")), true)

	// notifications coalesce, the last one is the current value
	timeout := time.After(10 * time.Second)
	for {
		select {
		case value := <-values:
			if value == "b" {
				return
			}
		case <-timeout:
			t.Fatal("Missing notification.")
		}
	}
}

func TestDuplicatePush(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server := newTestServer()
	s := newTestSignal(ctx, server)
	defer s.Close()

	increment := NewIncrement(ZeroId, 1)
	other := NewSet(NewId(), NumberValue(1))

	s.receive(&Event{Accepted: true, Command: increment})
	// an unrelated rejected push is ignored
	s.receive(&Event{Accepted: false, Command: other})
	s.receive(&Event{Accepted: true, Command: increment})

	assert.Equal(t, number(s.ConfirmedTree(), ZeroId), float64(1))
	assert.Equal(t, number(s.Tree(), ZeroId), float64(1))
}

func TestResubscribeSnapshotHoldsAcceptedCommand(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server := newTestServer()
	server.tree, _ = Apply(server.tree, NewSet(ZeroId, NumberValue(10)))

	a := newTestSignal(ctx, server)
	defer a.Close()
	defer a.Observe(func(tree *NodeTree) {})()
	assert.Equal(t, number(a.ConfirmedTree(), ZeroId), float64(10))

	// the increment is applied while the subscription is lost, so its push never arrives
	lost := server.LoseSubscriptions(a.Id())
	assert.Equal(t, len(lost), 1)
	operation := NewNumberSignal(a, ZeroId).Increment(1)

	timeout := time.After(10 * time.Second)
	for number(server.Tree(), ZeroId) != 11 {
		select {
		case <-timeout:
			t.Fatal("Increment not applied.")
		case <-time.After(time.Millisecond):
		}
	}

	// a peer write moves the node on
	b := newTestSignal(ctx, server)
	defer b.Close()
	assert.Equal(t, requireWait(t, NewNumberSignal(b, ZeroId).Increment(1)), true)

	// the snapshot on resubscribe already holds both increments
	server.Resubscribe(lost)
	assert.Equal(t, number(a.ConfirmedTree(), ZeroId), float64(12))

	assert.Equal(t, requireWait(t, operation), true)
	assert.Equal(t, number(server.Tree(), ZeroId), float64(12))
	assert.Equal(t, number(a.ConfirmedTree(), ZeroId), float64(12))
	assert.Equal(t, number(a.Tree(), ZeroId), float64(12))
	assert.Equal(t, a.PendingCount(), 0)
}

func TestUpdateMissingNode(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server := newTestServer()
	s := newTestSignal(ctx, server)
	defer s.Close()

	v := NewValueSignal[int](s, NewId())
	update := v.Update(context.Background(), func(current int) int {
		return current + 1
	})

	waitCtx, waitCancel := context.WithTimeout(ctx, 10*time.Second)
	defer waitCancel()
	accepted, err := update.Wait(waitCtx)
	assert.Equal(t, accepted, false)
	assert.Equal(t, err, nil)
	assert.Equal(t, update.Attempts(), 0)
	assert.Equal(t, server.CallCount(), 0)
}

func TestSubmitAfterClose(t *testing.T) {
	server := newTestServer()
	s := newTestSignal(context.Background(), server)
	s.Close()

	operation := s.Submit(NewSet(ZeroId, NumberValue(1)))
	accepted, err := operation.Wait(context.Background())
	assert.Equal(t, accepted, false)
	assert.NotEqual(t, err, nil)
	assert.Equal(t, s.PendingCount(), 0)
}
