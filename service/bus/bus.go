// Package bus abstracts the pub/sub transport that relays events between
// hub instances. All backends share one contract: a message published to a
// channel reaches every subscriber, including the publisher's own listener.
// None of the backends promises cross-instance ordering, and none retries a
// dead subscription; terminal failures go through OnFatal so the process can
// surface them instead of silently degrading to local-only fanout.
package bus

import (
	"context"

	"vibehub/logger"
)

// Handler receives one raw message from the relay channel.
type Handler func(payload []byte)

type Bus interface {
	// Publish sends payload to every subscriber of channel.
	Publish(ctx context.Context, channel string, payload []byte) error
	// Subscribe starts a background listener for the process lifetime (or
	// until ctx is canceled) and returns once the subscription is active.
	// Handler errors must not terminate the listener.
	Subscribe(ctx context.Context, channel string, h Handler) error
	Close() error
}

// fatalFunc is what backends call when a subscription dies for good.
type fatalFunc func(error)

func fatalOrLog(f fatalFunc, err error) {
	if f != nil {
		f(err)
		return
	}
	logger.Errorf("[bus] terminal failure: %v", err)
}
