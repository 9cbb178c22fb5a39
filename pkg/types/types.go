// Package types holds the data model shared across the agent's
// subsystems: wire frames, automation task state, forwarding rules,
// container records, and tunnel/exposure state. These are the types
// that cross package boundaries (router <-> automation <-> ingress).
package types

import (
	"encoding/json"
	"time"
)

// CommandFrame is an inbound gateway-originated frame.
type CommandFrame struct {
	Command             string                 `json:"command"`
	RequestID           string                 `json:"request_id,omitempty"`
	SourceClientSession string                 `json:"source_client_session,omitempty"`
	Payload             map[string]interface{} `json:"-"`
}

// commandFrameKeys are reserved field names CommandFrame decodes by name;
// everything else in the JSON object spills into Payload.
var commandFrameKeys = map[string]struct{}{
	"command":               {},
	"request_id":            {},
	"source_client_session": {},
}

// UnmarshalJSON decodes the named fields and collects every other key
// into Payload, since handler-specific fields vary per command.
func (f *CommandFrame) UnmarshalJSON(data []byte) error {
	type alias CommandFrame
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*f = CommandFrame(a)

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	f.Payload = make(map[string]interface{}, len(raw))
	for k, v := range raw {
		if _, reserved := commandFrameKeys[k]; reserved {
			continue
		}
		var val interface{}
		if err := json.Unmarshal(v, &val); err != nil {
			return err
		}
		f.Payload[k] = val
	}
	return nil
}

// MarshalJSON merges the named fields with Payload into one flat object.
func (f CommandFrame) MarshalJSON() ([]byte, error) {
	out := make(map[string]interface{}, len(f.Payload)+3)
	for k, v := range f.Payload {
		out[k] = v
	}
	out["command"] = f.Command
	if f.RequestID != "" {
		out["request_id"] = f.RequestID
	}
	if f.SourceClientSession != "" {
		out["source_client_session"] = f.SourceClientSession
	}
	return json.Marshal(out)
}

// ResponseFrame is an outbound response or event frame.
type ResponseFrame struct {
	Event             string   `json:"event"`
	RequestID         string   `json:"request_id,omitempty"`
	ClientSessions    []string `json:"client_sessions,omitempty"`
	BypassSessionGate bool     `json:"bypass_session_gate,omitempty"`
	Success           *bool    `json:"success,omitempty"`
	Error             string   `json:"error,omitempty"`

	// Fields is a free-form payload merged into the frame at encode time.
	Fields map[string]interface{} `json:"-"`
}

// MarshalJSON merges the named fields with Fields into one flat object.
func (f ResponseFrame) MarshalJSON() ([]byte, error) {
	out := make(map[string]interface{}, len(f.Fields)+6)
	for k, v := range f.Fields {
		out[k] = v
	}
	out["event"] = f.Event
	if f.RequestID != "" {
		out["request_id"] = f.RequestID
	}
	if len(f.ClientSessions) > 0 {
		out["client_sessions"] = f.ClientSessions
	}
	if f.BypassSessionGate {
		out["bypass_session_gate"] = f.BypassSessionGate
	}
	if f.Success != nil {
		out["success"] = *f.Success
	}
	if f.Error != "" {
		out["error"] = f.Error
	}
	return json.Marshal(out)
}

// TaskStatus enumerates an AutomationTask's lifecycle status.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskSuccess   TaskStatus = "success"
	TaskFailed    TaskStatus = "failed"
	TaskCancelled TaskStatus = "cancelled"
	TaskUnknown   TaskStatus = "unknown"
)

// Terminal reports whether s is a terminal status.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskSuccess, TaskFailed, TaskCancelled:
		return true
	default:
		return false
	}
}

// Active reports whether s counts toward the single-active-task invariant.
func (s TaskStatus) Active() bool {
	return s == TaskPending || s == TaskRunning
}

// Step is one instruction in an AutomationTask's ordered sequence.
// Exactly one of Command or WaitFor should be set; both empty is a noop.
type Step struct {
	Command string   `json:"command,omitempty"`
	WaitFor string   `json:"wait_for,omitempty"`
	Timeout *float64 `json:"timeout,omitempty"`
}

// StepKind classifies a step by which field it carries.
type StepKind int

const (
	StepNoop StepKind = iota
	StepShell
	StepWaitForKind
)

// Classify returns the step's kind.
func (s Step) Classify() StepKind {
	switch {
	case s.Command != "":
		return StepShell
	case s.WaitFor != "":
		return StepWaitForKind
	default:
		return StepNoop
	}
}

// StepResult records the outcome of an executed step.
type StepResult struct {
	Index         int        `json:"index"`
	Command       string     `json:"command"`
	Status        TaskStatus `json:"status"`
	ReturnCode    *int       `json:"returncode,omitempty"`
	Stdout        string     `json:"stdout"`
	Stderr        string     `json:"stderr"`
	DurationS     float64    `json:"duration_s"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
	Error         string     `json:"error,omitempty"`
	WaitForTarget string     `json:"wait_for_target,omitempty"`
	ResolvedURL   string     `json:"resolved_url,omitempty"`
}

// AutomationTask is the persisted state of one orchestrated pipeline.
type AutomationTask struct {
	TaskID                string       `json:"task_id"`
	Status                TaskStatus   `json:"status"`
	Instructions          []Step       `json:"instructions"`
	DefaultTimeoutSeconds float64      `json:"default_timeout_seconds"`
	CurrentStepIndex      int          `json:"current_step_index"`
	CurrentStepStatus     TaskStatus   `json:"current_step_status"`
	Steps                 []StepResult `json:"steps"`
	CreatedAt             time.Time    `json:"created_at"`
	StartedAt             *time.Time   `json:"started_at,omitempty"`
	CompletedAt           *time.Time   `json:"completed_at,omitempty"`
	LastError             string       `json:"last_error,omitempty"`
	CancelRequested       bool         `json:"cancel_requested"`
	StateSeq              int64        `json:"state_seq"`
}

// Clone returns a deep-enough copy of t suitable for returning from a
// snapshot read without leaking a pointer into the guarded state map.
func (t *AutomationTask) Clone() *AutomationTask {
	if t == nil {
		return nil
	}
	clone := *t
	clone.Instructions = append([]Step(nil), t.Instructions...)
	clone.Steps = append([]StepResult(nil), t.Steps...)
	return &clone
}

// AutomationDocument is the root persisted document for C6.
type AutomationDocument struct {
	ActiveTaskID string                     `json:"active_task_id,omitempty"`
	Tasks        map[string]*AutomationTask `json:"tasks"`
	UpdatedAt    time.Time                  `json:"updated_at"`
}

// ForwardingRule is a user-declared ingress rule.
type ForwardingRule struct {
	Hostname    string `json:"hostname"`
	Destination string `json:"destination"`
}

// ForwardingState is the persisted rule list for C7.
type ForwardingState struct {
	Rules     []ForwardingRule `json:"rules"`
	UpdatedAt time.Time        `json:"updated_at"`
}

// IngressEntry is one resolved entry in the emitted proxy config.
type IngressEntry struct {
	Hostname      string
	Path          string
	Service       string
	NoTLSVerifyIP bool
}

// ContainerRecord is a persisted per-container snapshot.
type ContainerRecord struct {
	VMID         int       `json:"vmid"`
	DeviceID     string    `json:"device_id,omitempty"`
	Hostname     string    `json:"hostname"`
	Template     string    `json:"template"`
	Storage      string    `json:"storage"`
	DiskGiB      int       `json:"disk_gib"`
	RAMMiB       int       `json:"ram_mib"`
	CPUs         int       `json:"cpus"`
	Username     string    `json:"username"`
	Password     string    `json:"password"`
	SSHPublicKey string    `json:"ssh_public_key,omitempty"`
	// DevicePublicKey is the identity key the in-container agent generated
	// during bootstrap, read back so the gateway can register the child
	// device without a console login.
	DevicePublicKey string    `json:"device_public_key,omitempty"`
	Description     string    `json:"description"`
	CreatedAt       time.Time `json:"created_at"`
}

// TunnelState is the persisted edge tunnel state.
type TunnelState struct {
	Configured       bool      `json:"configured"`
	Domain           string    `json:"domain"`
	TunnelName       string    `json:"tunnel_name"`
	TunnelID         string    `json:"tunnel_id"`
	CredentialsFile  string    `json:"credentials_file,omitempty"`
	TokenFile        string    `json:"token_file,omitempty"`
	ConfigPath       string    `json:"config_path"`
	CertPath         string    `json:"cert_path"`
	ServiceInstalled bool      `json:"service_installed"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// ExposedService is one entry of a container's exposure table.
type ExposedService struct {
	Port     int    `json:"port"`
	Hostname string `json:"hostname"`
	URL      string `json:"url"`
}

// ProxmoxInfraConfig is the persisted hypervisor credential/topology state.
type ProxmoxInfraConfig struct {
	TokenIdentifier string    `json:"token_identifier"`
	TokenValue      string    `json:"token_value"`
	APIHost         string    `json:"api_host"`
	Node            string    `json:"node"`
	VerifySSL       bool      `json:"verify_ssl"`
	BridgeName      string    `json:"bridge_name"`
	BridgeCIDR      string    `json:"bridge_cidr"`
	Configured      bool      `json:"configured"`
	UpdatedAt       time.Time `json:"updated_at"`
}
