package exposure

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/cuemby/portacode-agent/pkg/types"
)

// envOverrideVar is read directly by this agent's own process to resolve
// "[exposed:<port>]" placeholders in automation wait_for steps, taking
// precedence over the on-disk manifest. It holds an inline JSON array of
// services, the same shape as the "services" list of the manifest
// BuildJSON writes to JSONPath, so a container running this same
// binary can short-circuit the disk read when its supervisor already
// injected the table.
const envOverrideVar = "PORTACODE_EXPOSED_SERVICES_JSON"

// LoadTable returns the exposed-services table this process should
// resolve "[exposed:<port>]" placeholders against: envOverrideVar if set
// (an inline JSON array of types.ExposedService), otherwise the JSON
// manifest at JSONPath. Returns a nil, nil slice if neither source is
// present -- callers should treat that as "no exposures known yet"
// rather than an error.
func LoadTable() ([]types.ExposedService, error) {
	if raw := os.Getenv(envOverrideVar); raw != "" {
		var services []types.ExposedService
		if err := json.Unmarshal([]byte(raw), &services); err != nil {
			return nil, fmt.Errorf("parse %s: %w", envOverrideVar, err)
		}
		return services, nil
	}

	data, err := os.ReadFile(JSONPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read %s: %w", JSONPath, err)
	}
	var doc manifest
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse %s: %w", JSONPath, err)
	}
	return doc.Services, nil
}

// Resolve loads the current table and looks up port's live URL. It is
// the automation.ExposedResolver the agent installs at startup.
func Resolve(port int) (string, bool) {
	services, err := LoadTable()
	if err != nil {
		return "", false
	}
	for _, svc := range services {
		if svc.Port == port {
			return svc.URL, true
		}
	}
	return "", false
}
