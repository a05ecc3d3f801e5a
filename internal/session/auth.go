package session

import (
	"bytes"

	"github.com/blukai/netrumble/internal/byteorder"
	"github.com/blukai/netrumble/internal/protocol"
	"github.com/blukai/netrumble/internal/transport"
	"github.com/cespare/xxhash/v2"
)

// Authenticator validates identity tickets for an external auth service.
// done may be called later and from any goroutine.
type Authenticator interface {
	Authenticate(id protocol.PeerID, ticket []byte, done func(ok bool))
}

type AuthenticatorFunc func(id protocol.PeerID, ticket []byte, done func(ok bool))

func (f AuthenticatorFunc) Authenticate(id protocol.PeerID, ticket []byte, done func(ok bool)) {
	f(id, ticket, done)
}

// TicketAuthenticator accepts tickets minted by Ticket with the same secret.
type TicketAuthenticator struct {
	Secret string
}

func (a TicketAuthenticator) Authenticate(id protocol.PeerID, ticket []byte, done func(ok bool)) {
	done(bytes.Equal(ticket, Ticket(a.Secret, id)))
}

// Ticket binds id to secret.
func Ticket(secret string, id protocol.PeerID) []byte {
	d := xxhash.New()
	d.WriteString(secret)
	d.Write(byteorder.AppendUint64(nil, uint64(id)))
	return d.Sum(nil)
}

type authResult struct {
	handle transport.ConnHandle
	id     protocol.PeerID
	ok     bool
}

// QueueAuthResult hands an authentication result to the tick goroutine. it
// is safe to call from any goroutine; the result is applied by the next Tick.
// it reports false when the queue is full, in which case the pending
// connection eventually times out.
func (r *Registry) QueueAuthResult(handle transport.ConnHandle, id protocol.PeerID, ok bool) bool {
	select {
	case r.results <- authResult{handle: handle, id: id, ok: ok}:
		return true
	default:
		return false
	}
}
