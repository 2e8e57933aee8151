package kv

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func Test_Memory(t *testing.T) {
	type Foo struct {
		Name string
		Age  int
	}
	s := NewMemStore()

	_, _, err := Get[Foo](t.Context(), s, "foobar")
	require.ErrorIs(t, err, ErrNotFound)

	_, err = Put(t.Context(), s, "p1", Foo{Name: "P1", Age: 10}, PutOptions{})
	require.NoError(t, err)
	_, err = Put(t.Context(), s, "p2", Foo{Name: "P2", Age: 20}, PutOptions{})
	require.NoError(t, err)

	loaded, _, err := Get[Foo](t.Context(), s, "p1")
	require.NoError(t, err)
	require.Equal(t, Foo{Name: "P1", Age: 10}, loaded)

	require.NoError(t, s.Delete(t.Context(), "p1"))
	_, _, err = Get[Foo](t.Context(), s, "p1")
	require.ErrorIs(t, err, ErrNotFound)

	require.Equal(t, []string{"p2"}, s.Keys("p"))
}

func Test_Memory_Conditional(t *testing.T) {
	s := NewMemStore()

	rev, err := s.Put(t.Context(), "k", []byte("1"), PutOptions{IfAbsent: true})
	require.NoError(t, err)

	_, err = s.Put(t.Context(), "k", []byte("x"), PutOptions{IfAbsent: true})
	require.ErrorIs(t, err, ErrRevisionMismatch)

	_, err = s.Put(t.Context(), "k", []byte("x"), PutOptions{IfRevision: rev + 10})
	require.ErrorIs(t, err, ErrRevisionMismatch)

	rev2, err := s.Put(t.Context(), "k", []byte("2"), PutOptions{IfRevision: rev})
	require.NoError(t, err)
	require.Greater(t, rev2, rev)

	e, err := s.Get(t.Context(), "k")
	require.NoError(t, err)
	require.Equal(t, "2", string(e.Data))
	require.Equal(t, rev2, e.Revision)

	_, err = s.Put(t.Context(), "missing", []byte("x"), PutOptions{IfRevision: 1})
	require.ErrorIs(t, err, ErrRevisionMismatch)
}

func Test_Faulty(t *testing.T) {
	f := NewFaultyStore(NewMemStore())
	f.FailPuts(true)
	_, err := f.Put(t.Context(), "k", []byte("1"), PutOptions{})
	require.ErrorIs(t, err, ErrInjected)

	f.FailPuts(false)
	_, err = f.Put(t.Context(), "k", []byte("1"), PutOptions{})
	require.NoError(t, err)

	f.FailGets(true)
	_, err = f.Get(t.Context(), "k")
	require.ErrorIs(t, err, ErrInjected)
}
