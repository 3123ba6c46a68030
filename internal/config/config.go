// Package config provides the on-disk configuration model for the forwarding
// service: a JSON array of mapping rules, each declaring a bind IP and a
// source/target port pair that may be a single port or an inclusive range.
package config

import (
	"encoding/json"
	"fmt"
	"net/netip"
	"os"
	"strconv"
)

// PortSpec is a single port or an inclusive port range. The JSON forms are a
// bare number (8000) or an object ({"start": 1, "end": 3}). A single port
// decodes to Start == End.
type PortSpec struct {
	Start uint16
	End   uint16
}

type portRange struct {
	Start *uint16 `json:"start"`
	End   *uint16 `json:"end"`
}

func (p *PortSpec) UnmarshalJSON(data []byte) error {
	var single uint16
	if err := json.Unmarshal(data, &single); err == nil {
		p.Start, p.End = single, single
		return nil
	}

	var r portRange
	if err := json.Unmarshal(data, &r); err != nil {
		return fmt.Errorf("port must be a number or a {start, end} object: %w", err)
	}
	if r.Start == nil || r.End == nil {
		return fmt.Errorf("port range requires both start and end")
	}
	if *r.Start > *r.End {
		return fmt.Errorf("invalid port range: start %d > end %d", *r.Start, *r.End)
	}
	p.Start, p.End = *r.Start, *r.End
	return nil
}

func (p PortSpec) MarshalJSON() ([]byte, error) {
	if p.Start == p.End {
		return json.Marshal(p.Start)
	}
	return json.Marshal(portRange{Start: &p.Start, End: &p.End})
}

// Len is the number of concrete ports the spec covers.
func (p PortSpec) Len() int {
	return int(p.End) - int(p.Start) + 1
}

// At returns the i-th concrete port, 0 <= i < Len().
func (p PortSpec) At(i int) uint16 {
	return p.Start + uint16(i)
}

func (p PortSpec) String() string {
	if p.Start == p.End {
		return strconv.Itoa(int(p.Start))
	}
	return fmt.Sprintf("%d-%d", p.Start, p.End)
}

// Rule is one configured forwarding declaration. TargetIP is optional and
// defaults to IP, matching the observed configuration shape where forwarding
// stays on the same host address.
type Rule struct {
	IP         netip.Addr `json:"ip"`
	Port       PortSpec   `json:"port"`
	TargetPort PortSpec   `json:"target_port"`
	TargetIP   netip.Addr `json:"target_ip,omitzero"`
}

// TargetAddr returns the destination host for the rule, falling back to the
// bind IP when target_ip is absent.
func (r Rule) TargetAddr() netip.Addr {
	if r.TargetIP.IsValid() {
		return r.TargetIP
	}
	return r.IP
}

// Load reads and decodes the JSON configuration file. An unreadable path,
// malformed JSON, an invalid IP literal, or an inverted port range is a
// configuration error.
func Load(path string) ([]Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var rules []Rule
	if err := json.Unmarshal(data, &rules); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	for i, r := range rules {
		if !r.IP.IsValid() {
			return nil, fmt.Errorf("rule %d: missing ip", i)
		}
	}

	return rules, nil
}
