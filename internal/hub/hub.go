// Package hub maintains the persistent push channels to the collaboration
// server: one reconnecting WebSocket per logical channel, RPC invocations with
// completions, and replay of the channel's join call after every reconnect.
package hub

import (
	"context"
	"errors"
	"fmt"
)

// Channel identifies one of the logical push channels.
type Channel string

const (
	ChannelMap     Channel = "map"
	ChannelSession Channel = "session"
)

// State is the transport state of a Connection.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "disconnected"
	}
}

// Status is the tri-state shown to users.
type Status string

const (
	StatusConnected  Status = "connected"
	StatusConnecting Status = "connecting"
	StatusError      Status = "error"
)

// Lifecycle is a connection lifecycle notification.
type Lifecycle int

const (
	LifecycleConnecting Lifecycle = iota
	LifecycleConnected
	LifecycleReconnecting
	LifecycleReconnected
	LifecycleClosed
)

func (l Lifecycle) String() string {
	switch l {
	case LifecycleConnecting:
		return "Connecting"
	case LifecycleConnected:
		return "Connected"
	case LifecycleReconnecting:
		return "Reconnecting"
	case LifecycleReconnected:
		return "Reconnected"
	default:
		return "Closed"
	}
}

// LifecycleEvent is passed to lifecycle listeners. Err is set on Reconnecting
// and on Closed when a transport failure caused it.
type LifecycleEvent struct {
	Channel   Channel
	Lifecycle Lifecycle
	Err       error
}

var (
	// ErrNotConnected is returned by Invoke and Send while the connection is
	// not in the Connected state. Callers decide whether to drop or retry.
	ErrNotConnected = errors.New("hub: not connected")
	// ErrConnectInFlight is returned when a connect or rejoin is already running.
	ErrConnectInFlight = errors.New("hub: connect already in flight")
	// ErrClosed is returned once the connection was disconnected.
	ErrClosed = errors.New("hub: connection closed")
	// ErrInvokeTimeout is returned when no completion arrives in time.
	ErrInvokeTimeout = errors.New("hub: invocation timed out")
	// ErrSendBufferFull is returned when the outbound queue cannot take a frame.
	ErrSendBufferFull = errors.New("hub: send buffer full")
)

// RemoteError is a failed completion reported by the server.
type RemoteError struct {
	Target  string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("hub: %s failed: %s", e.Target, e.Message)
}

// TokenProvider supplies an access token for each dial, so expired tokens are
// refreshed on reconnect.
type TokenProvider interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a TokenProvider that never refreshes.
type StaticToken string

func (t StaticToken) Token(context.Context) (string, error) {
	return string(t), nil
}

// Invoker sends RPCs and waits for their completion.
type Invoker interface {
	Invoke(ctx context.Context, target string, args ...any) error
}

// JoinFunc joins the channel's room for sessionID. It runs after the first
// connect and again after every reconnect, before any other traffic is sent.
type JoinFunc func(ctx context.Context, sessionID string, inv Invoker) error
