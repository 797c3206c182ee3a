package signal

import (
	"container/heap"

	"golang.org/x/exp/slices"
)

type pendingCommand struct {
	command        Command
	sequenceNumber uint64
	operation      *Operation
	// the signal snapshot count when the command was sent
	snapshotVersion uint64

	// the index of the item in the heap
	heapIndex int
}

// the unconfirmed commands of a signal
// ordered by submission (sequenceNumber), indexed by command id
// not safe for concurrent use. The owning signal holds its state lock.
type commandQueue struct {
	orderedItems []*pendingCommand
	// command_id -> item
	commandIdItems     map[Id]*pendingCommand
	nextSequenceNumber uint64
}

func newCommandQueue() *commandQueue {
	commandQueue := &commandQueue{
		orderedItems:   []*pendingCommand{},
		commandIdItems: map[Id]*pendingCommand{},
	}
	heap.Init(commandQueue)
	return commandQueue
}

func (self *commandQueue) QueueSize() int {
	return len(self.orderedItems)
}

func (self *commandQueue) Add(command Command, operation *Operation) *pendingCommand {
	item := &pendingCommand{
		command:        command,
		sequenceNumber: self.nextSequenceNumber,
		operation:      operation,
	}
	self.nextSequenceNumber += 1
	self.commandIdItems[command.CommandId()] = item
	heap.Push(self, item)
	return item
}

func (self *commandQueue) ContainsCommandId(commandId Id) bool {
	_, ok := self.commandIdItems[commandId]
	return ok
}

func (self *commandQueue) GetByCommandId(commandId Id) *pendingCommand {
	return self.commandIdItems[commandId]
}

// returns nil if not present
func (self *commandQueue) RemoveByCommandId(commandId Id) *pendingCommand {
	item, ok := self.commandIdItems[commandId]
	if !ok {
		return nil
	}
	delete(self.commandIdItems, commandId)
	item_ := heap.Remove(self, item.heapIndex)
	if item != item_ {
		panic("Heap invariant broken.")
	}
	return item
}

func (self *commandQueue) PeekFirst() *pendingCommand {
	if len(self.orderedItems) == 0 {
		return nil
	}
	return self.orderedItems[0]
}

func (self *commandQueue) RemoveFirst() *pendingCommand {
	if len(self.orderedItems) == 0 {
		return nil
	}
	item := heap.Remove(self, 0).(*pendingCommand)
	delete(self.commandIdItems, item.command.CommandId())
	return item
}

// the commands in submission order
func (self *commandQueue) Commands() []Command {
	items := slices.Clone(self.orderedItems)
	slices.SortFunc(items, func(a *pendingCommand, b *pendingCommand) int {
		if a.sequenceNumber < b.sequenceNumber {
			return -1
		} else if b.sequenceNumber < a.sequenceNumber {
			return 1
		} else {
			return 0
		}
	})
	commands := make([]Command, 0, len(items))
	for _, item := range items {
		commands = append(commands, item.command)
	}
	return commands
}

// heap.Interface

func (self *commandQueue) Push(x any) {
	item := x.(*pendingCommand)
	item.heapIndex = len(self.orderedItems)
	self.orderedItems = append(self.orderedItems, item)
}

func (self *commandQueue) Pop() any {
	n := len(self.orderedItems)
	i := n - 1
	item := self.orderedItems[i]
	self.orderedItems[i] = nil
	self.orderedItems = self.orderedItems[:n-1]
	return item
}

// sort.Interface

func (self *commandQueue) Len() int {
	return len(self.orderedItems)
}

func (self *commandQueue) Less(i int, j int) bool {
	return self.orderedItems[i].sequenceNumber < self.orderedItems[j].sequenceNumber
}

func (self *commandQueue) Swap(i int, j int) {
	a := self.orderedItems[i]
	b := self.orderedItems[j]
	b.heapIndex = i
	self.orderedItems[i] = b
	a.heapIndex = j
	self.orderedItems[j] = a
}
