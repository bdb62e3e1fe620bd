package broadcast

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestActivatedMessage(t *testing.T) {
	msg := Activated()
	assert.Equal(t, TypeActivated, msg.Type)
	assert.JSONEq(t, `{"type":"ACTIVATED"}`, string(msg.Raw))

	decoded, err := Decode(msg.Raw)
	require.NoError(t, err)
	assert.Equal(t, TypeActivated, decoded.Type)
}

func TestDecode(t *testing.T) {
	msg, err := Decode([]byte(`{"data":1}`))
	require.NoError(t, err)
	assert.Empty(t, msg.Type)

	_, err = Decode([]byte(`{not json`))
	assert.Error(t, err)
}

func TestHub_SameNameSameChannel(t *testing.T) {
	hub := NewHub()
	a := hub.Open(WorkerChannel)
	b := hub.Open(WorkerChannel)
	assert.Same(t, a, b)
	assert.Equal(t, "sw", a.Name())

	sub, cancel := b.Subscribe(1)
	defer cancel()
	require.NoError(t, a.Post(Activated()))
	got := <-sub
	assert.Equal(t, TypeActivated, got.Type)
}

func TestChannel_FanOutAndCancel(t *testing.T) {
	ch := NewHub().Open("sw")
	s1, c1 := ch.Subscribe(2)
	s2, c2 := ch.Subscribe(2)

	require.NoError(t, ch.Post(Activated()))
	assert.Equal(t, TypeActivated, (<-s1).Type)
	assert.Equal(t, TypeActivated, (<-s2).Type)

	c1()
	c1()
	_, open := <-s1
	assert.False(t, open)

	require.NoError(t, ch.Post(NewMessage("PING")))
	assert.Equal(t, "PING", (<-s2).Type)
	c2()
}

func TestChannel_FullSubscriberDoesNotBlock(t *testing.T) {
	ch := NewHub().Open("sw")
	sub, cancel := ch.Subscribe(1)
	defer cancel()

	require.NoError(t, ch.Post(NewMessage("A")))
	require.NoError(t, ch.Post(NewMessage("B")))
	assert.Equal(t, "A", (<-sub).Type)
	assert.Len(t, sub, 0)
}

func TestHub_Close(t *testing.T) {
	hub := NewHub()
	ch := hub.Open("sw")
	sub, cancel := ch.Subscribe(1)
	hub.Close()

	_, open := <-sub
	assert.False(t, open)
	assert.ErrorIs(t, ch.Post(Activated()), ErrClosed)
	cancel()

	late, _ := ch.Subscribe(1)
	_, open = <-late
	assert.False(t, open)
}
