package transporttest

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1ureka/togetherly/internal/media"
	"github.com/1ureka/togetherly/internal/transport"
)

func open(t *testing.T, n *Network, id string) *Endpoint {
	t.Helper()
	ep := n.NewEndpoint()
	_, err := ep.Open(context.Background(), id)
	require.NoError(t, err)
	return ep
}

func TestOpenCollision(t *testing.T) {
	n := NewNetwork()
	open(t, n, "a")

	_, err := n.NewEndpoint().Open(context.Background(), "a")
	assert.ErrorIs(t, err, transport.ErrUnavailableID)
}

func TestFailNextOpenInOrder(t *testing.T) {
	n := NewNetwork()
	n.FailNextOpen(transport.ErrNetwork, transport.ErrUnavailableID)
	ep := n.NewEndpoint()

	_, err := ep.Open(context.Background(), "a")
	assert.ErrorIs(t, err, transport.ErrNetwork)
	_, err = ep.Open(context.Background(), "a")
	assert.ErrorIs(t, err, transport.ErrUnavailableID)
	id, err := ep.Open(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, "a", id)
	assert.Equal(t, 3, ep.Opens())
}

func TestDialDeliversSynchronously(t *testing.T) {
	n := NewNetwork()
	a, b := open(t, n, "a"), open(t, n, "b")

	var got []string
	b.OnIncomingChannel(func(ch transport.Channel) {
		assert.Equal(t, "a", ch.Peer())
		ch.OnMessage(func(data []byte) { got = append(got, string(data)) })
	})

	ch, err := a.Dial("b", transport.Metadata{"nickname": "A"})
	require.NoError(t, err)
	require.True(t, ch.IsOpen())
	require.NoError(t, ch.Send([]byte("1")))
	require.NoError(t, ch.Send([]byte("2")))

	assert.Equal(t, []string{"1", "2"}, got)
	assert.Len(t, a.Channels()[0].Sent(), 2)
	assert.Equal(t, "A", b.Channels()[0].Metadata()["nickname"])
}

func TestDialErrors(t *testing.T) {
	n := NewNetwork()
	a := open(t, n, "a")

	_, err := a.Dial("missing", nil)
	assert.ErrorIs(t, err, transport.ErrPeerUnavailable)

	open(t, n, "b")
	n.FailDial("b", transport.ErrNetwork)
	_, err = a.Dial("b", nil)
	assert.ErrorIs(t, err, transport.ErrNetwork)

	n.FailDial("b", nil)
	_, err = a.Dial("b", nil)
	assert.NoError(t, err)

	_, err = n.NewEndpoint().Dial("b", nil)
	assert.ErrorIs(t, err, transport.ErrNetwork)
}

func TestCloseIsMutualAndOnce(t *testing.T) {
	n := NewNetwork()
	a, b := open(t, n, "a"), open(t, n, "b")

	remoteCloses := 0
	b.OnIncomingChannel(func(ch transport.Channel) {
		ch.OnClose(func() { remoteCloses++ })
	})
	ch, err := a.Dial("b", nil)
	require.NoError(t, err)

	localCloses := 0
	ch.OnClose(func() { localCloses++ })
	require.NoError(t, ch.Close())
	require.NoError(t, ch.Close())

	assert.Equal(t, 1, localCloses)
	assert.Equal(t, 1, remoteCloses)
	assert.ErrorIs(t, ch.Send([]byte("x")), transport.ErrNotOpen)
}

func TestManualOpenAndFail(t *testing.T) {
	n := NewNetwork()
	n.SetManualOpen(true)
	a, b := open(t, n, "a"), open(t, n, "b")
	b.OnIncomingChannel(func(transport.Channel) {})

	ch, err := a.Dial("b", nil)
	require.NoError(t, err)
	assert.False(t, ch.IsOpen())

	opened := false
	ch.OnOpen(func() { opened = true })
	a.Channels()[0].Open()
	assert.True(t, opened)
	assert.True(t, b.Channels()[0].IsOpen())

	var failure error
	ch.OnError(func(err error) { failure = err })
	a.Channels()[0].Fail(errors.New("boom"))
	assert.EqualError(t, failure, "boom")
	assert.True(t, b.Channels()[0].Closed())
}

func TestCallExchangesStreams(t *testing.T) {
	n := NewNetwork()
	a, b := open(t, n, "a"), open(t, n, "b")

	aliceStream := media.NewStream(media.NewBasicTrack("", media.KindAudio, nil))
	bobStream := media.NewStream(media.NewBasicTrack("", media.KindAudio, nil))

	var bobGot *media.Stream
	b.OnIncomingCall(func(c transport.IncomingCall) {
		c.OnStream(func(s *media.Stream) { bobGot = s })
		require.NoError(t, c.Answer(bobStream))
	})

	call, err := a.Call("b", aliceStream, transport.Metadata{"kind": "audio"})
	require.NoError(t, err)

	var aliceGot *media.Stream
	call.OnStream(func(s *media.Stream) { aliceGot = s })

	assert.Same(t, bobStream, aliceGot)
	assert.Same(t, aliceStream, bobGot)

	require.NoError(t, call.Close())
	assert.True(t, b.Calls()[0].Closed())
}

func TestUnhandledIncomingIsClosed(t *testing.T) {
	n := NewNetwork()
	a := open(t, n, "a")
	open(t, n, "b")

	ch, err := a.Dial("b", nil)
	require.NoError(t, err)
	assert.False(t, ch.IsOpen())
}
