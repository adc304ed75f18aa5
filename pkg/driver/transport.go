package driver

import (
	"github.com/itohio/goplasma/pkg/config"
	"github.com/itohio/goplasma/pkg/link"
	"github.com/itohio/goplasma/pkg/protocol"
	"github.com/sirupsen/logrus"
)

// Transport carries one command/reply exchange at a time.
type Transport interface {
	Send(text string, framing link.Framing) ([]byte, error)
	Close() error
}

var _ Transport = (*link.Link)(nil)

// Dialer opens a transport. Initialize calls it once per connection attempt.
type Dialer func() (Transport, error)

// SerialDialer opens the configured serial port.
func SerialDialer(cfg config.SerialConfig, log logrus.FieldLogger) Dialer {
	return func() (Transport, error) {
		l, err := link.Open(cfg, link.WithLogger(log))
		if err != nil {
			return nil, err
		}
		return l, nil
	}
}

// PortDialer wraps an already open port, such as the simulator.
func PortDialer(port link.Port, opts ...link.Option) Dialer {
	return func() (Transport, error) {
		return link.New(port, opts...), nil
	}
}

func framingOf(s protocol.Shape) link.Framing {
	switch s {
	case protocol.ShapeNone:
		return link.NoReply
	case protocol.ShapeBlock:
		return link.Block
	default:
		return link.Line
	}
}
