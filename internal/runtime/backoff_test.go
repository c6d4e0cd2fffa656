package runtime

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoff_DoublesThenCaps(t *testing.T) {
	b := NewBackoff(250*time.Millisecond, 5*time.Second)
	got := []time.Duration{
		b.Next(), b.Next(), b.Next(), b.Next(), b.Next(), b.Next(), b.Next(),
	}
	want := []time.Duration{
		250 * time.Millisecond,
		500 * time.Millisecond,
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		5 * time.Second, // 8s would exceed the 5s ceiling
		5 * time.Second,
	}
	assert.Equal(t, want, got)
}

func TestBackoff_ResetReturnsToBase(t *testing.T) {
	b := NewBackoff(250*time.Millisecond, 5*time.Second)
	b.Next()
	b.Next()
	b.Reset()
	assert.Equal(t, 250*time.Millisecond, b.Next())
}
