package config

import (
	"fmt"
	"os"
	"time"

	"github.com/Masterminds/semver/v3"
	"gopkg.in/yaml.v3"
)

// profileConstraint is the profile schema versions this build understands.
// Profiles written for a newer major version are rejected at startup rather
// than silently misread.
const profileConstraint = "^1"

// Profile is the global policy profile: which endpoints are allowed, which
// require operator confirmation, optional per-endpoint payload conditions,
// and rate-limit parameters.
type Profile struct {
	Version string `yaml:"version"`

	// Allow is the global endpoint allowlist. Endpoints absent from both
	// Allow and Confirm are denied by default.
	Allow []string `yaml:"allow"`

	// Confirm lists endpoints that always require operator confirmation,
	// regardless of allowlist status.
	Confirm []string `yaml:"confirm"`

	// Conditions maps an endpoint to a CEL expression over the request
	// payload. A failing condition denies the call.
	Conditions map[string]string `yaml:"conditions,omitempty"`

	Limits LimitsProfile `yaml:"limits"`
}

// LimitsProfile holds rate-limit parameters.
type LimitsProfile struct {
	Default     LimitSpec            `yaml:"default"`
	PerEndpoint map[string]LimitSpec `yaml:"per_endpoint,omitempty"`
}

// LimitSpec is one endpoint's counting window and cooldown.
type LimitSpec struct {
	WindowSeconds   int `yaml:"window_seconds"`
	MaxCalls        int `yaml:"max_calls"`
	CooldownSeconds int `yaml:"cooldown_seconds"`
}

// Window returns the window duration, with the package default for zero.
func (l LimitSpec) Window() time.Duration {
	if l.WindowSeconds <= 0 {
		return DefaultRateWindow
	}
	return time.Duration(l.WindowSeconds) * time.Second
}

// Calls returns the per-window ceiling, with the package default for zero.
func (l LimitSpec) Calls() int {
	if l.MaxCalls <= 0 {
		return DefaultRateMaxCalls
	}
	return l.MaxCalls
}

// CooldownDuration returns the cooldown, with the package default for zero.
func (l LimitSpec) CooldownDuration() time.Duration {
	if l.CooldownSeconds <= 0 {
		return DefaultRateCooldown
	}
	return time.Duration(l.CooldownSeconds) * time.Second
}

// LimitFor resolves the limit spec for an endpoint.
func (p *Profile) LimitFor(endpoint string) LimitSpec {
	if spec, ok := p.Limits.PerEndpoint[endpoint]; ok {
		return spec
	}
	return p.Limits.Default
}

// LoadProfile reads and validates a policy profile from a YAML file.
func LoadProfile(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load policy profile: %w", err)
	}
	return ParseProfile(data)
}

// ParseProfile parses and validates policy profile YAML.
func ParseProfile(data []byte) (*Profile, error) {
	var profile Profile
	if err := yaml.Unmarshal(data, &profile); err != nil {
		return nil, fmt.Errorf("parse policy profile: %w", err)
	}

	if profile.Version == "" {
		return nil, fmt.Errorf("policy profile: missing version")
	}
	v, err := semver.NewVersion(profile.Version)
	if err != nil {
		return nil, fmt.Errorf("policy profile: bad version %q: %w", profile.Version, err)
	}
	constraint, err := semver.NewConstraint(profileConstraint)
	if err != nil {
		return nil, fmt.Errorf("policy profile: bad constraint: %w", err)
	}
	if !constraint.Check(v) {
		return nil, fmt.Errorf("policy profile: version %s outside supported range %s", profile.Version, profileConstraint)
	}

	seen := make(map[string]struct{}, len(profile.Allow)+len(profile.Confirm))
	for _, lists := range [][]string{profile.Allow, profile.Confirm} {
		for _, endpoint := range lists {
			if endpoint == "" || endpoint[0] != '/' {
				return nil, fmt.Errorf("policy profile: endpoint %q must start with '/'", endpoint)
			}
			seen[endpoint] = struct{}{}
		}
	}
	for endpoint := range profile.Conditions {
		if _, ok := seen[endpoint]; !ok {
			return nil, fmt.Errorf("policy profile: condition for %q, which is neither allowed nor confirmable", endpoint)
		}
	}

	return &profile, nil
}
