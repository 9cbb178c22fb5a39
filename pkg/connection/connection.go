// Package connection maintains the agent's single outbound WebSocket to
// the gateway: dial, authenticate with the device keypair, then hand
// every inbound frame to a Dispatcher until the socket drops or the
// process is asked to stop. One goroutine owns the socket; stop is
// driven by context.Context cancellation.
package connection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/cuemby/portacode-agent/pkg/agenterrors"
	"github.com/cuemby/portacode-agent/pkg/keypair"
	"github.com/cuemby/portacode-agent/pkg/log"
	"github.com/cuemby/portacode-agent/pkg/metrics"
	"github.com/cuemby/portacode-agent/pkg/types"
)

// authSuccessMarker is the fixed text the gateway must echo back after
// receiving the device's public key for the session to proceed.
const authSuccessMarker = "ok"

// DefaultReconnectDelay is the constant backoff between connection
// attempts.
const DefaultReconnectDelay = 5 * time.Second

// Sender delivers an outbound frame over the live connection. Handlers
// receive a Sender bound to the connection that produced their inbound
// frame, so events keep routing correctly across reconnects.
type Sender interface {
	Send(frame types.ResponseFrame) error
}

// Dispatcher routes one decoded inbound frame to its handler. Dispatch
// must not block the read loop for long; long-running work should be
// handed off to a goroutine or worker internally.
type Dispatcher interface {
	Dispatch(ctx context.Context, frame types.CommandFrame, sender Sender)
}

// Config configures a Supervisor.
type Config struct {
	GatewayURL     string
	Keypair        *keypair.Keypair
	Dispatcher     Dispatcher
	ReconnectDelay time.Duration
}

// Supervisor owns the reconnect loop:
// Disconnected -> Dialing -> Authenticating -> Running, retried forever
// on constant backoff except for a distinguishable auth rejection.
type Supervisor struct {
	cfg Config
	log zerolog.Logger

	writeMu sync.Mutex // serializes writes to the one active connection
	conn    *websocket.Conn
}

// New constructs a Supervisor. cfg.ReconnectDelay defaults to
// DefaultReconnectDelay when zero.
func New(cfg Config) *Supervisor {
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = DefaultReconnectDelay
	}
	return &Supervisor{cfg: cfg, log: log.WithComponent("connection")}
}

// Run blocks, maintaining the connection until ctx is cancelled. It
// returns nil on a clean ctx-driven shutdown, or an *agenterrors.AuthRejected
// if the gateway permanently refuses this device's identity — the caller
// (cmd/portacode-agent) should exit with agenterrors.ExitAuthRejected in
// that case and never respawn.
func (s *Supervisor) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}

		s.log.Info().Str("gateway", s.cfg.GatewayURL).Msg("dialing gateway")
		err := s.runOnce(ctx)

		var rejected *agenterrors.AuthRejected
		if errors.As(err, &rejected) {
			s.log.Error().Str("reason", rejected.Reason).Msg("authentication rejected; not retrying")
			return err
		}
		if err != nil {
			s.log.Warn().Err(err).Msg("connection error")
		}

		if ctx.Err() != nil {
			return nil
		}

		metrics.ReconnectsTotal.Inc()
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(s.cfg.ReconnectDelay):
		}
	}
}

func (s *Supervisor) runOnce(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, s.cfg.GatewayURL, nil)
	if err != nil {
		return fmt.Errorf("dial gateway: %w", err)
	}
	defer conn.Close()

	// A blocked ReadMessage only returns once the socket closes, so tie
	// the close to ctx for an orderly shutdown on SIGINT/SIGTERM.
	stopClose := context.AfterFunc(ctx, func() { conn.Close() })
	defer stopClose()

	s.writeMu.Lock()
	s.conn = conn
	s.writeMu.Unlock()
	defer func() {
		s.writeMu.Lock()
		s.conn = nil
		s.writeMu.Unlock()
	}()

	if err := s.authenticate(ctx, conn); err != nil {
		return err
	}

	return s.listen(ctx, conn)
}

// authenticate sends the device's PEM-encoded public key as the first
// text frame and requires the fixed success marker in response.
func (s *Supervisor) authenticate(ctx context.Context, conn *websocket.Conn) error {
	if err := conn.WriteMessage(websocket.TextMessage, s.cfg.Keypair.PublicKeyPEM); err != nil {
		return fmt.Errorf("send auth frame: %w", err)
	}

	type readResult struct {
		msg []byte
		err error
	}
	done := make(chan readResult, 1)
	go func() {
		_, msg, err := conn.ReadMessage()
		done <- readResult{msg, err}
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case r := <-done:
		if r.err != nil {
			return fmt.Errorf("read auth response: %w", r.err)
		}
		if string(r.msg) != authSuccessMarker {
			return &agenterrors.AuthRejected{Reason: string(r.msg)}
		}
		return nil
	}
}

func (s *Supervisor) listen(ctx context.Context, conn *websocket.Conn) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read frame: %w", err)
		}

		var frame types.CommandFrame
		if err := json.Unmarshal(msg, &frame); err != nil {
			s.log.Warn().Err(err).Msg("dropping malformed frame")
			continue
		}

		if s.cfg.Dispatcher != nil {
			s.cfg.Dispatcher.Dispatch(ctx, frame, s)
		}
	}
}

// Send implements Sender, writing frame as JSON to the currently active
// connection. Writes are serialized: gorilla/websocket forbids
// concurrent writers on one connection.
func (s *Supervisor) Send(frame types.ResponseFrame) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if s.conn == nil {
		return fmt.Errorf("connection: not connected")
	}
	payload, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	return s.conn.WriteMessage(websocket.TextMessage, payload)
}
