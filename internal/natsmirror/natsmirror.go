// Package natsmirror adapts a nats.Conn into the eventbus.Mirror interface
// so the Facade's in-process bus can optionally fan published events out to
// an external NATS subject, best-effort and fire-and-forget (§4.5). This is
// a read-only observability tap, never a coordination channel: nothing in
// the orchestrator core reads back from NATS.
package natsmirror

import (
	"encoding/json"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/apexorch/apex/internal/eventbus"
	"github.com/apexorch/apex/internal/logger"
)

// Mirror publishes events to NATS subjects prefixed with "apex.".
type Mirror struct {
	conn *nats.Conn
	log  *logger.Logger
}

// Connect dials url with the teacher's reconnect-tolerant option set and
// returns a ready-to-attach Mirror.
func Connect(url string, log *logger.Logger) (*Mirror, error) {
	conn, err := nats.Connect(url,
		nats.Name("apex-orchestrator"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				log.Warn("natsmirror: disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("natsmirror: reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			log.Error("natsmirror: async error", zap.Error(err))
		}),
	)
	if err != nil {
		return nil, err
	}
	return &Mirror{conn: conn, log: log}, nil
}

// Close closes the underlying connection; it does not call Drain first.
func (m *Mirror) Close() {
	if m.conn != nil {
		m.conn.Close()
	}
}

// Publish implements eventbus.Mirror. Marshal or publish failures are
// logged, never returned — mirror failures must never propagate to the
// Facade's callers.
func (m *Mirror) Publish(subject string, event eventbus.Event) {
	data, err := json.Marshal(event)
	if err != nil {
		m.log.Warn("natsmirror: failed to marshal event", zap.String("subject", subject), zap.Error(err))
		return
	}
	if err := m.conn.Publish("apex."+subject, data); err != nil {
		m.log.Warn("natsmirror: publish failed", zap.String("subject", subject), zap.Error(err))
	}
}

var _ eventbus.Mirror = (*Mirror)(nil)
