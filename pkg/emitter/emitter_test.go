package emitter

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEmitter(t *testing.T) {
	e := New[int]()
	var a, b []int
	offA := e.On(func(m int) { a = append(a, m) })
	e.On(func(m int) { b = append(b, m) })
	e.Emit(1)
	offA()
	offA()
	e.Emit(2)
	assert.Equal(t, []int{1}, a)
	assert.Equal(t, []int{1, 2}, b)
	assert.Equal(t, 1, e.Len())
}

func TestOffDuringEmit(t *testing.T) {
	e := New[string]()
	var got []string
	var off func()
	off = e.On(func(m string) {
		got = append(got, "first:"+m)
		off()
	})
	e.On(func(m string) { got = append(got, "second:"+m) })
	e.Emit("x")
	e.Emit("y")
	assert.Equal(t, []string{"first:x", "second:x", "second:y"}, got)
}
