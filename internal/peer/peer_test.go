package peer_test

import (
	"testing"

	"github.com/blukai/netrumble/internal/peer"
	"github.com/blukai/netrumble/internal/protocol"
	"github.com/matryer/is"
)

func TestRegistry(t *testing.T) {
	is := is.New(t)

	r := peer.NewRegistry(10, "me")
	is.Equal(r.Len(), 1)
	is.True(r.Local().IsLocal)
	is.True(r.Local().Ship != nil)

	other, created := r.GetOrCreate(3, "them")
	is.True(created)
	is.True(!other.IsLocal)
	again, created := r.GetOrCreate(3, "ignored")
	is.True(!created)
	is.Equal(again, other)
	is.Equal(again.DisplayName, "them")

	all := r.All()
	is.Equal(len(all), 2)
	is.Equal(all[0].ID, protocol.PeerID(3))
	is.Equal(all[1].ID, protocol.PeerID(10))

	is.True(!r.Remove(10))
	is.True(r.Remove(3))
	is.True(!r.Remove(3))
	is.Equal(r.Len(), 1)
}

func TestPlaying(t *testing.T) {
	is := is.New(t)

	r := peer.NewRegistry(1, "me")
	a, _ := r.GetOrCreate(2, "a")
	b, _ := r.GetOrCreate(3, "b")
	r.Local().EnterGame()
	a.EnterGame()
	b.EnterGame()
	b.Depart()

	playing := r.Playing()
	is.Equal(len(playing), 2)
	is.Equal(playing[1], a)
	is.Equal(len(r.Ships()), 2)

	b.EnterLobby()
	is.True(!b.Inactive)
	is.True(b.InLobby)
	is.True(!b.InGame)

	r.RemoveRemotes()
	is.Equal(r.Len(), 1)
}
