package emitter

import (
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// Subjects for the NATS sink. Other backend services (email receipts,
// analytics) consume the same events the websocket hub pushes.
//
//	chainwatch.user.<userID>.<event>
//	chainwatch.broadcast.<event>
func userSubject(userID, event string) string {
	return fmt.Sprintf("chainwatch.user.%s.%s", userID, event)
}

func broadcastSubject(event string) string {
	return fmt.Sprintf("chainwatch.broadcast.%s", event)
}

// NATSSink publishes emitted events to a NATS cluster.
type NATSSink struct {
	conn   *nats.Conn
	logger zerolog.Logger
}

// NewNATSSink connects to NATS with automatic reconnect. Connection
// lifecycle is logged but never fatal: the sink is best-effort like
// every other emitter.
func NewNATSSink(url string, logger zerolog.Logger) (*NATSSink, error) {
	log := logger.With().Str("component", "nats-sink").Logger()

	opts := []nats.Option{
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.ReconnectJitter(500*time.Millisecond, 500*time.Millisecond),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("disconnected from NATS")
		}),
		nats.ReconnectHandler(func(conn *nats.Conn) {
			log.Info().Str("url", conn.ConnectedUrl()).Msg("reconnected to NATS")
		}),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			log.Error().Err(err).Msg("NATS error")
		}),
	}

	conn, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	log.Info().Str("url", conn.ConnectedUrl()).Msg("connected to NATS")
	return &NATSSink{conn: conn, logger: log}, nil
}

func (s *NATSSink) publish(subject, event string, payload any) {
	data, err := encodeEnvelope(event, payload)
	if err != nil {
		s.logger.Error().Err(err).Str("event", event).Msg("failed to encode event")
		return
	}
	if err := s.conn.Publish(subject, data); err != nil {
		s.logger.Error().Err(err).Str("subject", subject).Msg("failed to publish event")
	}
}

func (s *NATSSink) EmitToUser(userID, event string, payload any) {
	s.publish(userSubject(userID, event), event, payload)
}

func (s *NATSSink) Broadcast(event string, payload any) {
	s.publish(broadcastSubject(event), event, payload)
}

// IsConnected reports the sink's connection health for diagnostics.
func (s *NATSSink) IsConnected() bool {
	return s.conn != nil && s.conn.IsConnected()
}

// Close drains and closes the connection.
func (s *NATSSink) Close() {
	if s.conn != nil {
		s.conn.Close()
	}
}
