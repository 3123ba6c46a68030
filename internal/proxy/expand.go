// Package proxy implements the forwarding engine: expansion of configured
// mapping rules into concrete listen/target pairs, the per-pair relay that
// accepts and forwards connections, and the supervisor that runs them.
package proxy

import (
	"fmt"
	"net/netip"

	"github.com/cordilleralabs/portfwd/internal/config"
)

// Pair is one fully resolved forwarding unit: connections accepted on Listen
// are relayed byte-for-byte to Target.
type Pair struct {
	Listen netip.AddrPort
	Target netip.AddrPort
}

func (p Pair) String() string {
	return fmt.Sprintf("%s -> %s", p.Listen, p.Target)
}

// MismatchError reports a rule whose source and target port ranges cover a
// different number of ports.
type MismatchError struct {
	Rule      int
	IP        netip.Addr
	SourceLen int
	TargetLen int
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("rule %d (ip %s): source ports cover %d ports but target ports cover %d",
		e.Rule, e.IP, e.SourceLen, e.TargetLen)
}

// Expand resolves mapping rules into concrete pairs, zipping each rule's
// source ports with its target ports position by position. A rule whose port
// counts differ fails the whole expansion with a *MismatchError; no partial
// result is returned. Exact duplicate pairs produced by overlapping rules are
// dropped, first occurrence wins.
func Expand(rules []config.Rule) ([]Pair, error) {
	var pairs []Pair
	seen := make(map[Pair]struct{})

	for i, r := range rules {
		if r.Port.Len() != r.TargetPort.Len() {
			return nil, &MismatchError{
				Rule:      i,
				IP:        r.IP,
				SourceLen: r.Port.Len(),
				TargetLen: r.TargetPort.Len(),
			}
		}

		target := r.TargetAddr()
		for j := 0; j < r.Port.Len(); j++ {
			p := Pair{
				Listen: netip.AddrPortFrom(r.IP, r.Port.At(j)),
				Target: netip.AddrPortFrom(target, r.TargetPort.At(j)),
			}
			if _, ok := seen[p]; ok {
				continue
			}
			seen[p] = struct{}{}
			pairs = append(pairs, p)
		}
	}

	return pairs, nil
}
