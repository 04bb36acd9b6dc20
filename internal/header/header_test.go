package header

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAddPreservesOrderAndDuplicates(t *testing.T) {
	m := New(0)
	m.Add("Host", "example.com")
	m.Add("X-Foo", "1")
	m.Add("X-Foo", "2")

	assert.Equal(t, 3, m.Len())
	assert.Equal(t, []string{"1", "2"}, m.GetAll("x-foo"))
	assert.Equal(t, "example.com", m.Get("HOST"))
}

func TestSetReplacesAllExisting(t *testing.T) {
	m := New(0)
	m.Add("X-Foo", "1")
	m.Add("X-Bar", "z")
	m.Add("X-Foo", "2")
	m.Set("X-Foo", "3")

	assert.Equal(t, []string{"3"}, m.GetAll("x-foo"))
	assert.Equal(t, 2, m.Len())
}

func TestDel(t *testing.T) {
	m := New(0)
	m.Add("X-Foo", "1")
	m.Add("X-Bar", "z")
	m.Del("x-foo")

	assert.False(t, m.Has("X-Foo"))
	assert.Equal(t, 1, m.Len())
}

func TestPseudoHeadersAreOrdinaryEntries(t *testing.T) {
	m := New(0)
	m.Add(PseudoMethod, "GET")
	m.Add(PseudoPath, "/")
	m.Add(Host, "example.com")

	assert.True(t, IsPseudo(m.Entries()[0].Name))
	assert.False(t, IsPseudo(m.Entries()[2].Name))
	assert.Equal(t, 1, m.Count(PseudoMethod))
}

func TestCloneIsIndependent(t *testing.T) {
	m := New(0)
	m.Add("X-Foo", "1")
	c := m.Clone()
	c.Add("X-Foo", "2")

	assert.Equal(t, 1, m.Len())
	assert.Equal(t, 2, c.Len())
}

func TestByteSize(t *testing.T) {
	m := New(0)
	m.Add("Host", "a") // 4 + 1 + 4 = 9
	assert.Equal(t, 9, m.ByteSize())
}
