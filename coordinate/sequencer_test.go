package coordinate

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func TestSequencerOrdersOneDocument(t *testing.T) {
	ctx := context.Background()
	sequencer := NewSequencer(ctx)

	n := 200
	order := []int{}
	var orderMutex sync.Mutex

	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < n; i += 1 {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			sequencer.Do("doc1", func() {
				orderMutex.Lock()
				order = append(order, i)
				orderMutex.Unlock()
			})
		}(i)
	}
	close(start)
	wg.Wait()

	// every op ran exactly once
	assert.Equal(t, len(order), n)
	seen := map[int]bool{}
	for _, i := range order {
		assert.Equal(t, seen[i], false)
		seen[i] = true
	}

	// the sequence worker exits shortly after draining
	deadline := time.Now().Add(5 * time.Second)
	for {
		sequencer.mutex.Lock()
		open := len(sequencer.sequences)
		sequencer.mutex.Unlock()
		if open == 0 {
			break
		}
		if !time.Now().Before(deadline) {
			t.Fatalf("sequences still open: %d", open)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestSequencerDoBlocksUntilRun(t *testing.T) {
	ctx := context.Background()
	sequencer := NewSequencer(ctx)

	ran := false
	sequencer.Do("doc1", func() {
		ran = true
	})
	assert.Equal(t, ran, true)
}

func TestSequencerDocumentsParallel(t *testing.T) {
	ctx := context.Background()
	sequencer := NewSequencer(ctx)

	// an op on doc1 blocks until an op on doc2 has run.
	// deadlock here would mean documents share a sequence.
	doc2Ran := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		sequencer.Do("doc1", func() {
			<-doc2Ran
		})
	}()
	sequencer.Do("doc2", func() {
		close(doc2Ran)
	})
	<-done
}
