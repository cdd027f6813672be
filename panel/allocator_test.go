package panel

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticLister struct {
	inbounds []Inbound
	err      error
}

func (s staticLister) ListInbounds(context.Context) ([]Inbound, error) {
	return s.inbounds, s.err
}

func TestFreePortSkipsTaken(t *testing.T) {
	port, err := FreePort([]Inbound{{Port: 21000}, {Port: 443}}, 21000, 21010)
	require.NoError(t, err)
	assert.Equal(t, 21001, port)
}

func TestFreePortLowestWins(t *testing.T) {
	port, err := FreePort([]Inbound{{Port: 21001}, {Port: 21003}}, 21000, 21010)
	require.NoError(t, err)
	assert.Equal(t, 21000, port)
}

func TestFreePortExhausted(t *testing.T) {
	_, err := FreePort([]Inbound{{Port: 21000}, {Port: 21001}}, 21000, 21002)
	assert.ErrorIs(t, err, ErrResourceExhausted)
}

func TestAllocatePortPropagatesListError(t *testing.T) {
	a := NewAllocator(staticLister{err: errors.New("boom")})
	_, err := a.AllocatePort(context.Background(), 1, 2)
	assert.EqualError(t, err, "boom")
}

func TestAllocatePort(t *testing.T) {
	a := NewAllocator(staticLister{inbounds: []Inbound{{Port: 21000}}})
	port, err := a.AllocatePort(context.Background(), 21000, 22000)
	require.NoError(t, err)
	assert.Equal(t, 21001, port)
}

func TestGenerateClientIdentity(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		id := GenerateClientIdentity()
		parsed, err := uuid.Parse(id)
		require.NoError(t, err)
		assert.Equal(t, uuid.Version(4), parsed.Version())
		assert.False(t, seen[id])
		seen[id] = true
	}
	assert.Len(t, NewSubID(), 16)
}
