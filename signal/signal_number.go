package signal

// a numeric value view
// a null value reads as 0
type NumberSignal struct {
	*ValueSignal[float64]
}

func NewNumberSignal(signal *FullStackSignal, nodeId Id) *NumberSignal {
	return &NumberSignal{
		ValueSignal: NewValueSignal[float64](signal, nodeId),
	}
}

// a zero delta is accepted without contacting the server
func (self *NumberSignal) Increment(delta float64) *Operation {
	if delta == 0 {
		return newResolvedOperation(true, nil)
	}
	return self.signal.Submit(NewIncrement(self.nodeId, delta))
}
