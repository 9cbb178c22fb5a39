package handlers

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/portacode-agent/pkg/agenterrors"
	"github.com/cuemby/portacode-agent/pkg/router"
	"github.com/cuemby/portacode-agent/pkg/types"
)

func TestDecodePayloadCoercesWireTypes(t *testing.T) {
	var payload exposePortsPayload
	err := decodePayload(map[string]interface{}{
		"child_device_id": "42",
		"expose_ports":    []interface{}{float64(3000), float64(8080)}, // JSON numbers arrive as float64
	}, &payload)
	require.NoError(t, err)
	require.Equal(t, "42", payload.ChildDeviceID)
	require.Equal(t, []int{3000, 8080}, payload.ExposePorts)
}

func TestExposePortsPayloadRejectsMoreThanThreePorts(t *testing.T) {
	reg := router.NewRegistry()
	payload := exposePortsPayload{ChildDeviceID: "42", ExposePorts: []int{1, 2, 3, 4}}

	err := reg.ValidatePayload(&payload)
	require.Error(t, err)
	var verr *agenterrors.ValidationError
	require.ErrorAs(t, err, &verr)
}

func TestExposePortsPayloadRejectsOutOfRangePort(t *testing.T) {
	reg := router.NewRegistry()

	err := reg.ValidatePayload(&exposePortsPayload{ChildDeviceID: "42", ExposePorts: []int{70000}})
	require.Error(t, err)

	err = reg.ValidatePayload(&exposePortsPayload{ChildDeviceID: "42", ExposePorts: []int{0}})
	require.Error(t, err)
}

func TestExposePortsPayloadAcceptsEmptyPortList(t *testing.T) {
	reg := router.NewRegistry()
	require.NoError(t, reg.ValidatePayload(&exposePortsPayload{ChildDeviceID: "42"}))
}

func TestAutomationStartPayloadRequiresTaskIDAndInstructions(t *testing.T) {
	reg := router.NewRegistry()

	err := reg.ValidatePayload(&automationStartPayload{Instructions: []types.Step{{Command: "true"}}})
	require.Error(t, err)

	err = reg.ValidatePayload(&automationStartPayload{TaskID: "t1"})
	require.Error(t, err)

	require.NoError(t, reg.ValidatePayload(&automationStartPayload{
		TaskID:       "t1",
		Instructions: []types.Step{{Command: "true"}},
	}))
}

type captureSender struct{ frames []types.ResponseFrame }

func (s *captureSender) Send(frame types.ResponseFrame) error {
	s.frames = append(s.frames, frame)
	return nil
}

func TestProgressSenderEchoesRequestIDAndSession(t *testing.T) {
	sender := &captureSender{}
	frame := types.CommandFrame{Command: "create_proxmox_container", RequestID: "r9", SourceClientSession: "sess-2"}

	emit := progressSender(sender, frame)
	emit(types.ResponseFrame{Event: "proxmox_container_progress"})

	require.Len(t, sender.frames, 1)
	require.Equal(t, "r9", sender.frames[0].RequestID)
	require.Equal(t, []string{"sess-2"}, sender.frames[0].ClientSessions)
}

func TestProgressSenderKeepsExplicitAddressing(t *testing.T) {
	sender := &captureSender{}
	frame := types.CommandFrame{Command: "create_proxmox_container", RequestID: "r9", SourceClientSession: "sess-2"}

	emit := progressSender(sender, frame)
	emit(types.ResponseFrame{Event: "proxmox_container_progress", RequestID: "own", ClientSessions: []string{"other"}})

	require.Equal(t, "own", sender.frames[0].RequestID)
	require.Equal(t, []string{"other"}, sender.frames[0].ClientSessions)
}
