package core

//go:generate mockgen -destination=mock_core/signal_mock.go -package=mock_core . SignalConnection

// Frame is a raw encoded signaling message.
type Frame []byte

// SignalConnection abstracts for a system messaging transport
// Owned by the adapter; the adapter must Close() it.
type SignalConnection interface {
	// Encode serializes v with the codec negotiated on this connection.
	Encode(v any) (Frame, error)
	TrySend(Frame) error
	Close()
}
