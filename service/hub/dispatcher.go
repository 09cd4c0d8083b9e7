package hub

import (
	"encoding/json"

	"vibehub/logger"
)

// Dispatcher pushes serialized events to the live connections of each
// recipient. Delivery is best-effort and at-most-once: offline recipients
// are skipped, send failures prune the one dead connection and nothing is
// escalated to the publisher.
type Dispatcher struct {
	reg    *Registry
	onDead func(UserID, Conn) // invoked for each connection whose send failed
}

func NewDispatcher(reg *Registry, onDead func(UserID, Conn)) *Dispatcher {
	return &Dispatcher{reg: reg, onDead: onDead}
}

// Dispatch serializes ev once and sends it to every live connection of
// every recipient. A failure on one connection never aborts delivery to the
// rest.
func (d *Dispatcher) Dispatch(ev *Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		logger.Errorf("[dispatch] marshal %s event: %v", ev.Type, err)
		return
	}
	for _, user := range ev.Recipients {
		for _, c := range d.reg.ConnectionsFor(user) {
			if werr := c.WriteMessage(data); werr != nil {
				logger.Warnf("[dispatch] send user=%d conn=%s: %v", user, c.ID(), werr)
				if d.onDead != nil {
					d.onDead(user, c)
				}
			}
		}
	}
}
