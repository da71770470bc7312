package distlock

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNoopAlwaysAcquires(t *testing.T) {
	var l Noop
	release, ok := l.Acquire(context.Background(), "any-key")
	assert.True(t, ok)
	release()
}

func TestLocalSerializesSameKey(t *testing.T) {
	l := NewLocal()

	release1, ok1 := l.Acquire(context.Background(), "k")
	assert.True(t, ok1)

	acquired := make(chan struct{})
	go func() {
		release2, ok2 := l.Acquire(context.Background(), "k")
		assert.True(t, ok2)
		close(acquired)
		release2()
	}()

	select {
	case <-acquired:
		t.Fatal("second acquire should have blocked until release")
	default:
	}

	release1()
	<-acquired
}

func TestLocalDifferentKeysDoNotContend(t *testing.T) {
	l := NewLocal()
	release1, ok1 := l.Acquire(context.Background(), "a")
	assert.True(t, ok1)
	defer release1()

	release2, ok2 := l.Acquire(context.Background(), "b")
	assert.True(t, ok2)
	release2()
}
