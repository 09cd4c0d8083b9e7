package bus

import (
	"context"
	"strings"
	"sync/atomic"

	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"
)

// NATSConfig configures the NATS core backend.
type NATSConfig struct {
	Servers []string
	Name    string
	OnFatal func(error)
}

type NATS struct {
	nc      *nats.Conn
	closing atomic.Bool
	onFatal fatalFunc
}

func NewNATS(cfg NATSConfig) (*NATS, error) {
	b := &NATS{onFatal: cfg.OnFatal}

	// No transparent reconnection: a lost bus must be visible to operators,
	// not papered over while events silently miss remote instances.
	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.NoReconnect(),
		nats.ClosedHandler(func(_ *nats.Conn) {
			if !b.closing.Load() {
				fatalOrLog(b.onFatal, errors.New("nats connection closed"))
			}
		}),
	}
	nc, err := nats.Connect(strings.Join(cfg.Servers, ","), opts...)
	if err != nil {
		return nil, errors.Wrap(err, "nats connect")
	}
	b.nc = nc
	return b, nil
}

func (b *NATS) Publish(_ context.Context, channel string, payload []byte) error {
	return errors.Wrap(b.nc.Publish(channel, payload), "nats publish")
}

func (b *NATS) Subscribe(ctx context.Context, channel string, h Handler) error {
	sub, err := b.nc.Subscribe(channel, func(m *nats.Msg) {
		h(m.Data)
	})
	if err != nil {
		return errors.Wrap(err, "nats subscribe")
	}
	go func() {
		<-ctx.Done()
		_ = sub.Unsubscribe()
	}()
	return nil
}

func (b *NATS) Close() error {
	b.closing.Store(true)
	b.nc.Close()
	return nil
}
