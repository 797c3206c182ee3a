package signal

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/golang/glog"
)

// a typed view of one node of a full stack signal
// `T` is any json encodable type
type ValueSignal[T any] struct {
	signal *FullStackSignal
	nodeId Id
}

func NewValueSignal[T any](signal *FullStackSignal, nodeId Id) *ValueSignal[T] {
	return &ValueSignal[T]{
		signal: signal,
		nodeId: nodeId,
	}
}

func (self *ValueSignal[T]) NodeId() Id {
	return self.nodeId
}

func (self *ValueSignal[T]) Signal() *FullStackSignal {
	return self.signal
}

// the public value. An absent node or null value is the zero `T`.
func (self *ValueSignal[T]) Value() (T, error) {
	return FromValue[T](self.signal.Tree().Value(self.nodeId))
}

func (self *ValueSignal[T]) Set(value T) *Operation {
	v, err := ToValue(value)
	if err != nil {
		return newResolvedOperation(false, err)
	}
	return self.signal.Submit(NewSet(self.nodeId, v))
}

// sets `next` only if the value is still `expected` when the server applies it
func (self *ValueSignal[T]) Replace(expected T, next T) *Operation {
	expectedValue, err := ToValue(expected)
	if err != nil {
		return newResolvedOperation(false, err)
	}
	nextValue, err := ToValue(next)
	if err != nil {
		return newResolvedOperation(false, err)
	}
	return self.signal.Submit(NewTransaction(
		NewValueCondition(self.nodeId, expectedValue),
		NewSet(self.nodeId, nextValue),
	))
}

// Update applies `update` to the current value and replaces it, retrying on conflict
// until a replace is accepted, `ctx` is done, or the operation is canceled.
// The signal is held connected while the update runs so that peer changes are seen.
func (self *ValueSignal[T]) Update(ctx context.Context, update func(current T) T) *UpdateOperation {
	cancelCtx, cancel := context.WithCancel(ctx)
	operation := &UpdateOperation{
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go HandleError(func() {
		defer cancel()
		operation.finish(self.runUpdate(cancelCtx, operation, update))
	}, func(err error) {
		operation.finish(false, err)
	})
	return operation
}

func (self *ValueSignal[T]) runUpdate(
	ctx context.Context,
	operation *UpdateOperation,
	update func(current T) T,
) (bool, error) {
	unobserve := self.signal.Observe(func(tree *NodeTree) {})
	defer unobserve()

	retryTimeout := self.signal.settings.UpdateRetryTimeout
	awaitedSnapshot := false
	for {
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		default:
		}

		// take the notify channel before reading so that no confirmed change is missed
		notify := self.signal.confirmedNotify()

		tree := self.signal.Tree()
		if !tree.Contains(self.nodeId) && !self.signal.ConfirmedTree().Contains(self.nodeId) {
			if self.signal.snapshotCount() == 0 && !awaitedSnapshot {
				// the node may be in the server tree that has not arrived yet
				awaitedSnapshot = true
				select {
				case <-ctx.Done():
					return false, ctx.Err()
				case <-notify:
				case <-time.After(retryTimeout):
				}
				continue
			}
			// a missing node is not a conflict. No retry can succeed.
			glog.V(1).Infof("[signal]%s update %s node missing\n", self.signal.Id(), self.nodeId)
			return false, nil
		}
		currentValue := tree.Value(self.nodeId)
		current, err := FromValue[T](currentValue)
		if err != nil {
			return false, err
		}
		nextValue, err := ToValue(update(current))
		if err != nil {
			return false, err
		}
		if currentValue == nil {
			currentValue = NullValue()
		}

		attempt := operation.addAttempt()
		accepted, err := self.signal.Submit(NewTransaction(
			NewValueCondition(self.nodeId, currentValue),
			NewSet(self.nodeId, nextValue),
		)).Wait(ctx)
		if err != nil {
			return false, err
		}
		if accepted {
			return true, nil
		}
		glog.V(2).Infof("[signal]%s update %s attempt %d rejected\n", self.signal.Id(), self.nodeId, attempt)

		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-notify:
		case <-time.After(retryTimeout):
		}
	}
}

// calls back with the public value, now and on each change
func (self *ValueSignal[T]) Observe(callback func(value T)) (unobserve func()) {
	return self.signal.Observe(func(tree *NodeTree) {
		value, err := FromValue[T](tree.Value(self.nodeId))
		if err != nil {
			glog.Infof("[signal]%s %s bad value = %s\n", self.signal.Id(), self.nodeId, err)
			return
		}
		callback(value)
	})
}

// an optimistic read-modify-write retry loop
type UpdateOperation struct {
	cancel context.CancelFunc

	done chan struct{}

	stateLock sync.Mutex
	attempts  int
	result    OperationResult
}

func (self *UpdateOperation) addAttempt() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.attempts += 1
	return self.attempts
}

func (self *UpdateOperation) finish(accepted bool, err error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	select {
	case <-self.done:
		return
	default:
	}
	self.result = OperationResult{
		Accepted: accepted,
		Err:      err,
	}
	close(self.done)
}

// stops further retries
// a replace already sent may still be applied by the server
func (self *UpdateOperation) Cancel() {
	self.cancel()
}

func (self *UpdateOperation) Done() <-chan struct{} {
	return self.done
}

// the number of replace attempts sent so far
func (self *UpdateOperation) Attempts() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.attempts
}

func (self *UpdateOperation) Result() (result OperationResult, ok bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	select {
	case <-self.done:
		return self.result, true
	default:
		return OperationResult{}, false
	}
}

func (self *UpdateOperation) Wait(ctx context.Context) (accepted bool, err error) {
	select {
	case <-self.done:
		result, _ := self.Result()
		return result.Accepted, result.Err
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// true if the update stopped because of `Cancel` or its context
func IsCanceled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
