// Package input defines what queue consumers hand to the pipeline.
package input

// Kind tells the pipeline how to decode a payload.
type Kind int

const (
	KindActivity Kind = iota + 1
	KindSignal
)

func (k Kind) String() string {
	switch k {
	case KindActivity:
		return "activity"
	case KindSignal:
		return "signal"
	default:
		return "unknown"
	}
}

// Message is one raw payload popped from a queue.
type Message struct {
	Kind    Kind
	Payload []byte
}
