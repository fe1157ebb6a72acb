package worker

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_LazyAndCached(t *testing.T) {
	r := NewRegistry()
	built := 0
	r.Register("a", func() Worker { built++; return okWorker("a", "a-api", 0) })

	assert.Zero(t, built, "factory must not run at registration")
	assert.True(t, r.Has("a"))

	w1, err := r.Get("a")
	require.NoError(t, err)
	w2, err := r.Get("a")
	require.NoError(t, err)
	assert.Same(t, w1, w2)
	assert.Equal(t, 1, built)
}

func TestRegistry_Unknown(t *testing.T) {
	r := NewRegistry()
	_, err := r.Get("nope")
	var uerr *UnknownWorkerError
	require.True(t, errors.As(err, &uerr))
	assert.Equal(t, "nope", uerr.ID)
	assert.False(t, r.Has("nope"))
}

func TestRegistry_NilFactoryResult(t *testing.T) {
	r := NewRegistry()
	r.Register("nil", func() Worker { return nil })
	_, err := r.Get("nil")
	assert.Error(t, err)
}

func TestRegistry_ReRegisterDropsInstance(t *testing.T) {
	r := NewRegistry()
	r.Register("a", func() Worker { return okWorker("a", "v1", 0) })
	w, _ := r.Get("a")
	assert.Equal(t, "v1", w.Provider())

	r.Register("a", func() Worker { return okWorker("a", "v2", 0) })
	w, _ = r.Get("a")
	assert.Equal(t, "v2", w.Provider())
}

func TestRegistry_IDsAndAll(t *testing.T) {
	r := NewRegistry()
	r.Register("c", func() Worker { return okWorker("c", "c", 0) })
	r.Register("a", func() Worker { return okWorker("a", "a", 0) })
	assert.Equal(t, []string{"a", "c"}, r.IDs())

	all, err := r.All()
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "a", all[0].ID())
}
