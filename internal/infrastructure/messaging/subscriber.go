package messaging

import (
	"errors"
	"fmt"

	"go.nanomsg.org/mangos/v3"
	"go.nanomsg.org/mangos/v3/protocol/sub"

	"github.com/orbitalops/fds-service/internal/core/ports"
)

// Subscriber listens on the reply endpoint every module publishes to and
// accepts all topics.
type Subscriber struct {
	sock mangos.Socket
}

// Listen binds a subscription socket on endpoint.
func Listen(endpoint string) (*Subscriber, error) {
	sock, err := sub.NewSocket()
	if err != nil {
		return nil, fmt.Errorf("new sub socket: %w", err)
	}
	if err := sock.SetOption(mangos.OptionSubscribe, []byte("")); err != nil {
		_ = sock.Close()
		return nil, fmt.Errorf("subscribe: %w", err)
	}
	if err := sock.Listen(endpoint); err != nil {
		_ = sock.Close()
		return nil, fmt.Errorf("listen %s: %w", endpoint, err)
	}
	return &Subscriber{sock: sock}, nil
}

// Recv blocks until a frame arrives. After Close it returns an error
// wrapping ports.ErrSourceClosed.
func (s *Subscriber) Recv() ([]byte, error) {
	frame, err := s.sock.Recv()
	if err != nil {
		if errors.Is(err, mangos.ErrClosed) {
			return nil, ports.ErrSourceClosed
		}
		return nil, fmt.Errorf("receive reply: %w", err)
	}
	return frame, nil
}

func (s *Subscriber) Close() error {
	if err := s.sock.Close(); err != nil && !errors.Is(err, mangos.ErrClosed) {
		return err
	}
	return nil
}
