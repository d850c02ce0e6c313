package intern

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBijection(t *testing.T) {
	in := New()
	seen := map[Surrogate]string{}
	for i := 0; i < 1000; i++ {
		h := fmt.Sprintf("%064x", i)
		s := in.Intern(h)
		assert.Equal(t, s, in.Intern(h))
		back, err := in.Resolve(s)
		require.NoError(t, err)
		assert.Equal(t, h, back)
		_, dup := seen[s]
		assert.False(t, dup)
		seen[s] = h
	}
	assert.Equal(t, 1000, in.Len())
}

func TestResolveUnknown(t *testing.T) {
	in := New()
	_, err := in.Resolve(0)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = in.Resolve(42)
	assert.ErrorIs(t, err, ErrNotFound)
	_, ok := in.Lookup("abc")
	assert.False(t, ok)
	s := in.Intern("abc")
	l, ok := in.Lookup("abc")
	assert.True(t, ok)
	assert.Equal(t, s, l)
}

func TestConcurrentIntern(t *testing.T) {
	in := New()
	var wg sync.WaitGroup
	results := make([]Surrogate, 16)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = in.Intern("same")
		}(i)
	}
	wg.Wait()
	for _, s := range results {
		assert.Equal(t, results[0], s)
	}
	assert.Equal(t, 1, in.Len())
}
