package ingress

import (
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/cuemby/portacode-agent/pkg/agenterrors"
	"github.com/cuemby/portacode-agent/pkg/types"
)

// deviceDestPattern matches a destination that references a managed
// container instead of a literal URL, e.g. "http://[42]:8080/api".
var deviceDestPattern = regexp.MustCompile(`(?i)^(https?)://\[(\d+)\](?::(\d+))?(/.*)?$`)

// DestinationKind classifies a parsed rule destination.
type DestinationKind int

const (
	DestURL DestinationKind = iota
	DestDevice
)

// ParsedDestination is the result of parsing a rule's raw destination string.
type ParsedDestination struct {
	Kind       DestinationKind
	ServiceURL string // set when Kind == DestURL
	Scheme     string // set when Kind == DestDevice
	DeviceID   string // set when Kind == DestDevice
	Port       int    // set when Kind == DestDevice
	Path       string
}

// NormalizedRule is one validated, parsed forwarding rule.
type NormalizedRule struct {
	Hostname    string
	Destination string
	Parsed      ParsedDestination
}

// ValidateHostname lowercases and trims hostname, then requires it equal
// domain or be a subdomain of it.
func ValidateHostname(hostname, domain string) (string, error) {
	normalized := strings.ToLower(strings.TrimSpace(hostname))
	if normalized == "" {
		return "", &agenterrors.ValidationError{Field: "hostname", Reason: "required"}
	}
	domain = strings.ToLower(strings.TrimSpace(domain))
	if normalized == domain || strings.HasSuffix(normalized, "."+domain) {
		return normalized, nil
	}
	return "", &agenterrors.ValidationError{Field: "hostname", Reason: fmt.Sprintf("%q is not a subdomain of %q", hostname, domain)}
}

// ParseDestination classifies destination as either a literal service URL
// or a "[device_id]" reference to a managed container's exposed port.
func ParseDestination(destination string) (ParsedDestination, error) {
	value := strings.TrimSpace(destination)
	if value == "" {
		return ParsedDestination{}, &agenterrors.ValidationError{Field: "destination", Reason: "required"}
	}

	if m := deviceDestPattern.FindStringSubmatch(value); m != nil {
		scheme := strings.ToLower(m[1])
		port := 80
		if scheme == "https" {
			port = 443
		}
		if m[3] != "" {
			p, err := strconv.Atoi(m[3])
			if err != nil {
				return ParsedDestination{}, &agenterrors.ValidationError{Field: "destination", Reason: "invalid port"}
			}
			port = p
		}
		return ParsedDestination{
			Kind:     DestDevice,
			Scheme:   scheme,
			DeviceID: m[2],
			Port:     port,
			Path:     m[4],
		}, nil
	}

	parsed, err := url.Parse(value)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		return ParsedDestination{}, &agenterrors.ValidationError{Field: "destination", Reason: "must be a valid http:// or https:// URL"}
	}
	return ParsedDestination{Kind: DestURL, ServiceURL: value, Path: parsed.Path}, nil
}

// maxExposePorts caps the number of ports one container-expose call may
// request at once.
const maxExposePorts = 3

// ComputeExposeRules computes the forwarding rules and exposed-services
// table for "expose ports P1..Pn for device D": the first port's
// subdomain is the bare device id, subsequent ports get an
// "<i>_<device_id>" subdomain.
func ComputeExposeRules(deviceID, domain string, ports []int) ([]types.ForwardingRule, []types.ExposedService, error) {
	deviceID = strings.TrimSpace(deviceID)
	if deviceID == "" {
		return nil, nil, &agenterrors.ValidationError{Field: "child_device_id", Reason: "required"}
	}
	if len(ports) > maxExposePorts {
		return nil, nil, &agenterrors.ValidationError{Field: "expose_ports", Reason: fmt.Sprintf("at most %d ports may be exposed", maxExposePorts)}
	}
	for _, port := range ports {
		if port < 1 || port > 65535 {
			return nil, nil, &agenterrors.ValidationError{Field: "expose_ports", Reason: fmt.Sprintf("port %d out of range [1, 65535]", port)}
		}
	}

	domain = strings.ToLower(strings.TrimSpace(domain))
	rules := make([]types.ForwardingRule, 0, len(ports))
	services := make([]types.ExposedService, 0, len(ports))
	for i, port := range ports {
		local := deviceID
		if i > 0 {
			local = fmt.Sprintf("%d_%s", i, deviceID)
		}
		hostname := fmt.Sprintf("%s.%s", local, domain)
		rules = append(rules, types.ForwardingRule{
			Hostname:    hostname,
			Destination: fmt.Sprintf("http://[%s]:%d", deviceID, port),
		})
		services = append(services, types.ExposedService{
			Port:     port,
			Hostname: hostname,
			URL:      fmt.Sprintf("https://%s", hostname),
		})
	}
	return rules, services, nil
}

// isDeviceRuleHostname reports whether hostname was generated by
// ComputeExposeRules for deviceID, i.e. its leftmost label is either the
// bare device id or "<n>_<device_id>".
func isDeviceRuleHostname(hostname, deviceID string) bool {
	local, _, _ := strings.Cut(hostname, ".")
	if local == deviceID {
		return true
	}
	prefix, rest, ok := strings.Cut(local, "_")
	if !ok || rest != deviceID {
		return false
	}
	_, err := strconv.Atoi(prefix)
	return err == nil
}

// MergeDeviceRules replaces every rule targeting deviceID within existing
// with computed, preserving every other rule's relative order. Passing an
// empty computed removes all of the device's rules while keeping the rest.
func MergeDeviceRules(existing []types.ForwardingRule, deviceID string, computed []types.ForwardingRule) []types.ForwardingRule {
	merged := make([]types.ForwardingRule, 0, len(existing)+len(computed))
	for _, rule := range existing {
		if !isDeviceRuleHostname(rule.Hostname, deviceID) {
			merged = append(merged, rule)
		}
	}
	return append(merged, computed...)
}

// NormalizeRules validates and parses every rule against domain, returning
// a ValidationError on the first bad entry.
func NormalizeRules(rules []types.ForwardingRule, domain string) ([]NormalizedRule, error) {
	normalized := make([]NormalizedRule, 0, len(rules))
	for _, rule := range rules {
		hostname, err := ValidateHostname(rule.Hostname, domain)
		if err != nil {
			return nil, err
		}
		parsed, err := ParseDestination(rule.Destination)
		if err != nil {
			return nil, err
		}
		normalized = append(normalized, NormalizedRule{
			Hostname:    hostname,
			Destination: strings.TrimSpace(rule.Destination),
			Parsed:      parsed,
		})
	}
	return normalized, nil
}
