package shutdown

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestTriggerClosesStopChannelAndRunsCallbackOnce(t *testing.T) {
	c := New(zerolog.Nop())
	calls := 0
	c.OnStop(func() { calls++ })

	c.Trigger()
	c.Trigger()

	select {
	case <-c.StopChannel():
	default:
		t.Fatal("stop channel should be closed")
	}
	if calls != 1 {
		t.Fatalf("callback ran %d times, want 1", calls)
	}
	if !c.IsStopped() {
		t.Fatal("IsStopped() = false, want true")
	}
}

func TestTrackInvocationBlocksWaitUntilDone(t *testing.T) {
	c := New(zerolog.Nop())
	done := c.TrackInvocation()

	waitReturned := make(chan struct{})
	go func() {
		c.Wait()
		close(waitReturned)
	}()

	select {
	case <-waitReturned:
		t.Fatal("Wait returned before in-flight invocation finished")
	case <-time.After(20 * time.Millisecond):
	}

	done()

	select {
	case <-waitReturned:
	case <-time.After(time.Second):
		t.Fatal("Wait did not return after invocation finished")
	}
}
