package signal

import (
	"context"
	"sync"
)

type OperationResult struct {
	// false for a rejected command and for a failed send
	Accepted bool
	// the transport error, if the command could not be delivered
	Err error
}

type OperationResultFunction func(result OperationResult)

// the outcome of a submitted command
// resolves exactly once
type Operation struct {
	stateLock sync.Mutex
	done      chan struct{}
	resolved  bool
	result    OperationResult
	callbacks []OperationResultFunction
}

func newOperation() *Operation {
	return &Operation{
		done: make(chan struct{}),
	}
}

func newResolvedOperation(accepted bool, err error) *Operation {
	operation := newOperation()
	operation.resolve(accepted, err)
	return operation
}

// returns false if already resolved
func (self *Operation) resolve(accepted bool, err error) bool {
	self.stateLock.Lock()
	if self.resolved {
		self.stateLock.Unlock()
		return false
	}
	self.resolved = true
	self.result = OperationResult{
		Accepted: accepted,
		Err:      err,
	}
	result := self.result
	callbacks := self.callbacks
	self.callbacks = nil
	close(self.done)
	self.stateLock.Unlock()

	for _, callback := range callbacks {
		HandleError(func() {
			callback(result)
		})
	}
	return true
}

func (self *Operation) Done() <-chan struct{} {
	return self.done
}

// non-blocking
func (self *Operation) Result() (result OperationResult, ok bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.result, self.resolved
}

// calls back once with the result. If already resolved, calls back immediately.
func (self *Operation) OnResult(callback OperationResultFunction) {
	self.stateLock.Lock()
	if !self.resolved {
		self.callbacks = append(self.callbacks, callback)
		self.stateLock.Unlock()
		return
	}
	result := self.result
	self.stateLock.Unlock()
	HandleError(func() {
		callback(result)
	})
}

// returns `ctx.Err()` if `ctx` is done first
// a canceled wait does not cancel the command, which may already be on its way to the server
func (self *Operation) Wait(ctx context.Context) (accepted bool, err error) {
	select {
	case <-self.done:
		result, _ := self.Result()
		return result.Accepted, result.Err
	case <-ctx.Done():
		return false, ctx.Err()
	}
}
