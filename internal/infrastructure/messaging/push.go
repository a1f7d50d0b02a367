// Package messaging carries frames between the service and its module
// instances over nng sockets: push towards a module, sub for module
// replies, rep for module-originated control requests.
package messaging

import (
	"errors"
	"fmt"
	"time"

	"go.nanomsg.org/mangos/v3"
	"go.nanomsg.org/mangos/v3/protocol/push"

	// Registers tcp, ipc and inproc transports.
	_ "go.nanomsg.org/mangos/v3/transport/all"

	"github.com/orbitalops/fds-service/internal/core/ports"
)

// ErrSendTimeout is returned when a module does not take a frame within
// the send deadline.
var ErrSendTimeout = errors.New("push send timed out")

// PushDialer opens push sockets to module endpoints.
type PushDialer struct{}

func (PushDialer) Dial(endpoint string, sendDeadline time.Duration) (ports.PushSocket, error) {
	sock, err := push.NewSocket()
	if err != nil {
		return nil, fmt.Errorf("new push socket: %w", err)
	}
	if sendDeadline > 0 {
		if err := sock.SetOption(mangos.OptionSendDeadline, sendDeadline); err != nil {
			_ = sock.Close()
			return nil, fmt.Errorf("set send deadline: %w", err)
		}
	}
	if err := sock.Dial(endpoint); err != nil {
		_ = sock.Close()
		return nil, fmt.Errorf("dial %s: %w", endpoint, err)
	}
	return &pushSocket{sock: sock, endpoint: endpoint}, nil
}

type pushSocket struct {
	sock     mangos.Socket
	endpoint string
}

func (p *pushSocket) Send(frame []byte) error {
	if err := p.sock.Send(frame); err != nil {
		if errors.Is(err, mangos.ErrSendTimeout) {
			return fmt.Errorf("%w: %s", ErrSendTimeout, p.endpoint)
		}
		return fmt.Errorf("send to %s: %w", p.endpoint, err)
	}
	return nil
}

func (p *pushSocket) Close() error {
	if err := p.sock.Close(); err != nil && !errors.Is(err, mangos.ErrClosed) {
		return err
	}
	return nil
}
