package transfer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestChannelSink_DropsProgressWithoutReader(t *testing.T) {
	s := NewChannelSink(1)

	s.OnProgress(Progress{ID: "a", Fraction: 0.1})
	s.OnProgress(Progress{ID: "a", Fraction: 0.2})

	p := <-s.OnProgressed
	assert.InDelta(t, 0.1, p.Fraction, 1e-9)

	select {
	case p := <-s.OnProgressed:
		t.Fatalf("unexpected buffered progress %+v", p)
	default:
	}
}

func TestChannelSink_CompletionBlocksUntilRead(t *testing.T) {
	s := NewChannelSink(0)

	done := make(chan struct{})

	go func() {
		s.OnCompleted(Completed{ID: "a"})
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("completion delivered without a reader")
	case <-time.After(10 * time.Millisecond):
	}

	c := <-s.OnFinished
	assert.Equal(t, "a", c.ID)
	<-done
}
