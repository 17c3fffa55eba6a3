package coordinate

import (
	"context"
	"sync"

	"github.com/golang/glog"
)

type sequencedOp struct {
	execute func()
	done    chan struct{}
}

type documentSequence struct {
	pending []*sequencedOp
	running bool
}

// linearizes operations per document. operations for one document run
// in submission order on a single worker; distinct documents proceed
// fully in parallel. a worker exits when its queue drains and is
// recreated on demand.
type Sequencer struct {
	ctx context.Context

	mutex     sync.Mutex
	sequences map[string]*documentSequence
}

func NewSequencer(ctx context.Context) *Sequencer {
	return &Sequencer{
		ctx:       ctx,
		sequences: map[string]*documentSequence{},
	}
}

// enqueues the operation and blocks until it has run.
// there is no cancellation of an enqueued operation.
// it runs to completion even if the submitting context is done.
func (self *Sequencer) Do(documentId string, execute func()) {
	op := &sequencedOp{
		execute: execute,
		done:    make(chan struct{}),
	}

	self.mutex.Lock()
	sequence, ok := self.sequences[documentId]
	if !ok {
		sequence = &documentSequence{}
		self.sequences[documentId] = sequence
	}
	sequence.pending = append(sequence.pending, op)
	if !sequence.running {
		sequence.running = true
		go self.run(documentId, sequence)
	}
	self.mutex.Unlock()

	<-op.done
}

func (self *Sequencer) run(documentId string, sequence *documentSequence) {
	glog.V(2).Infof("[seq]open %s\n", documentId)
	for {
		self.mutex.Lock()
		if len(sequence.pending) == 0 {
			sequence.running = false
			delete(self.sequences, documentId)
			self.mutex.Unlock()
			glog.V(2).Infof("[seq]close %s\n", documentId)
			return
		}
		op := sequence.pending[0]
		sequence.pending = sequence.pending[1:]
		self.mutex.Unlock()

		func() {
			defer close(op.done)
			op.execute()
		}()
	}
}
