package handlers

import (
	"context"
	"time"

	"github.com/cuemby/portacode-agent/pkg/agenterrors"
	"github.com/cuemby/portacode-agent/pkg/connection"
	"github.com/cuemby/portacode-agent/pkg/types"
)

// exitDelayAfterAck gives the websocket write enough time to flush
// before the process exits; there is no socket-level flush-confirmation
// API to wait on instead.
const exitDelayAfterAck = 250 * time.Millisecond

// UpdateCLIHandler implements update_portacode_cli: acknowledge the
// request, then ask the supervising process to exit 42 so an external
// supervisor (systemd Restart=always) relaunches it against the freshly
// installed version.
type UpdateCLIHandler struct{ Deps *Deps }

func (h UpdateCLIHandler) Handle(ctx context.Context, frame types.CommandFrame, sender connection.Sender) (types.ResponseFrame, error) {
	if h.Deps.RequestExit != nil {
		go func() {
			time.Sleep(exitDelayAfterAck)
			h.Deps.RequestExit(agenterrors.ExitRestartRequested)
		}()
	}

	return types.ResponseFrame{
		Event:  "update_portacode_response",
		Fields: map[string]interface{}{"message": "update acknowledged, restarting"},
	}, nil
}
