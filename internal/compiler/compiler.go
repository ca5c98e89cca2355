// Package compiler turns the policy plus resolved allow sets into an
// nftables script. Rules are emitted in four strictly ordered bands within
// each base chain:
//
//	early core:   loopback, DNS, SSH return, established/related, host net
//	whitelist:    outbound TCP to @allow4/@allow6 on the policy ports
//	logged deny:  rate-limited NFLOG of anything that got this far
//	default deny: explicit reject, backed by the chain's drop policy
//
// The whitelist can never be shadowed by the deny tail, and nothing is
// rejected without passing the log rule first. Output is deterministic:
// identical inputs produce a byte-identical script.
package compiler

import (
	"crypto/sha256"
	"fmt"
	"strings"

	"grimm.is/egret/internal/allowset"
	"grimm.is/egret/internal/brand"
	"grimm.is/egret/internal/policy"
)

// Set and chain names inside the managed table.
const (
	SetAllowV4 = "allow4"
	SetAllowV6 = "allow6"

	ChainInput   = "input"
	ChainOutput  = "output"
	ChainForward = "forward"
)

// Log prefixes, greppable per direction and family.
const (
	PrefixDenyIn4  = "EGRET-DENY-IN4: "
	PrefixDenyIn6  = "EGRET-DENY-IN6: "
	PrefixDenyOut4 = "EGRET-DENY-OUT4: "
	PrefixDenyOut6 = "EGRET-DENY-OUT6: "
)

// Preserved is a rule carried over from the previous table generation
// (e.g. a container-internal DNS redirect an operator added by hand). It
// is re-emitted ahead of every band in its chain.
type Preserved struct {
	Chain string
	Expr  string
}

// Input bundles everything one compile needs.
type Input struct {
	Policy *policy.Policy
	Sets   allowset.Pair
	// HostNetworks are precomputed CIDRs for the local segment, derived
	// from the default route by the caller.
	HostNetworks []string
	Preserved    []Preserved
}

// hashPlaceholder stands in for the content hash while the script is
// built, so the hash covers everything except itself.
const hashPlaceholder = "00000000"

// Compile builds the complete nft script for the managed table and
// returns it together with its content hash. The hash is taken over the
// whole script: set elements, ports, SSH, audit knobs, host networks, and
// preserved rules all move it, so an unchanged hash means an identical
// table and a safe apply skip.
func Compile(in Input) (string, string, error) {
	if in.Policy == nil {
		return "", "", fmt.Errorf("nil policy")
	}

	audit := in.Policy.AuditOrDefault()
	sb := NewScriptBuilder(brand.TableName, "inet")

	sb.AddTableWithComment(MetadataComment(hashPlaceholder))

	// Named allow sets, populated before any rule references them.
	sb.AddSet(SetAllowV4, "ipv4_addr")
	sb.AddSet(SetAllowV6, "ipv6_addr")
	sb.AddElements(SetAllowV4, in.Sets.V4.Elements(), 500)
	sb.AddElements(SetAllowV6, in.Sets.V6.Elements(), 500)

	// Base chains are created with policy drop inside the same
	// transaction, so there is never a permissive or half-built window.
	sb.AddChain(ChainInput, "filter", "input", 0, "drop")
	sb.AddChain(ChainOutput, "filter", "output", 0, "drop")
	sb.AddChain(ChainForward, "filter", "forward", 0, "drop")

	emitPreserved(sb, in.Preserved)
	emitEarlyCore(sb, in.Policy, in.HostNetworks)
	emitWhitelist(sb, in.Policy)
	emitLoggedDeny(sb, audit)
	emitDefaultDeny(sb)

	script := sb.Build()
	fingerprint := scriptHash(script)
	script = strings.Replace(script, MetadataComment(hashPlaceholder), MetadataComment(fingerprint), 1)
	return script, fingerprint, nil
}

func scriptHash(script string) string {
	sum := sha256.Sum256([]byte(script))
	return fmt.Sprintf("%x", sum[:4])
}

func emitPreserved(sb *ScriptBuilder, preserved []Preserved) {
	for _, p := range preserved {
		if p.Chain != ChainInput && p.Chain != ChainOutput {
			continue
		}
		sb.AddRule(p.Chain, p.Expr, "[preserved]")
	}
}

func emitEarlyCore(sb *ScriptBuilder, pol *policy.Policy, hostNets []string) {
	sb.AddRule(ChainInput, `iif "lo" accept`, "[core] Loopback")
	sb.AddRule(ChainOutput, `oif "lo" accept`, "[core] Loopback")

	sb.AddRule(ChainInput, "ct state established,related accept", "[core] Stateful")
	sb.AddRule(ChainOutput, "ct state established,related accept", "[core] Stateful")
	sb.AddRule(ChainInput, "ct state invalid counter drop", "[core] Invalid drop")

	// DNS must work before any allow set exists; resolution is the
	// engine's own bootstrap dependency.
	sb.AddRule(ChainOutput, "udp dport 53 accept", "[core] DNS")
	sb.AddRule(ChainOutput, "tcp dport 53 accept", "[core] DNS")
	sb.AddRule(ChainInput, "udp sport 53 accept", "[core] DNS")
	sb.AddRule(ChainInput, "tcp sport 53 accept", "[core] DNS")

	if port := pol.SSHPort(); port > 0 {
		sb.AddRule(ChainOutput, fmt.Sprintf("tcp dport %d accept", port), "[core] SSH")
		sb.AddRule(ChainInput, fmt.Sprintf("tcp sport %d ct state established accept", port), "[core] SSH return")
	}

	for _, cidr := range hostNets {
		fam := "ip"
		if strings.Contains(cidr, ":") {
			fam = "ip6"
		}
		sb.AddRule(ChainInput, fmt.Sprintf("%s saddr %s accept", fam, cidr), "[core] Host network")
		sb.AddRule(ChainOutput, fmt.Sprintf("%s daddr %s accept", fam, cidr), "[core] Host network")
	}
}

func emitWhitelist(sb *ScriptBuilder, pol *policy.Policy) {
	ports := make([]string, 0, len(pol.Ports()))
	for _, p := range pol.Ports() {
		ports = append(ports, fmt.Sprintf("%d", p))
	}
	portSet := strings.Join(ports, ", ")

	// Outbound only: inbound to the sandbox is not this policy's job and
	// stays under the input chain's deny tail.
	sb.AddRule(ChainOutput, fmt.Sprintf("ip daddr @%s tcp dport { %s } accept", SetAllowV4, portSet), "[allow] Whitelist v4")
	sb.AddRule(ChainOutput, fmt.Sprintf("ip6 daddr @%s tcp dport { %s } accept", SetAllowV6, portSet), "[allow] Whitelist v6")
}

func emitLoggedDeny(sb *ScriptBuilder, audit policy.Audit) {
	limit := fmt.Sprintf("limit rate %d/minute burst %d packets", audit.RatePerMinute, audit.Burst)

	for _, r := range []struct {
		chain, family, prefix string
	}{
		{ChainInput, "ipv4", PrefixDenyIn4},
		{ChainInput, "ipv6", PrefixDenyIn6},
		{ChainOutput, "ipv4", PrefixDenyOut4},
		{ChainOutput, "ipv6", PrefixDenyOut6},
	} {
		sb.AddRule(r.chain,
			fmt.Sprintf("meta nfproto %s %s log group %d prefix %q counter", r.family, limit, audit.NFLogGroup, r.prefix),
			"[audit] Logged deny")
	}
}

func emitDefaultDeny(sb *ScriptBuilder) {
	// Explicit reject for immediate feedback during development; the
	// chain policy drop still fails closed if these rules are missing.
	sb.AddRule(ChainInput, "counter reject with icmpx type admin-prohibited", "[deny] Default")
	sb.AddRule(ChainOutput, "counter reject with icmpx type admin-prohibited", "[deny] Default")
	sb.AddRule(ChainForward, "counter reject with icmpx type admin-prohibited", "[deny] Default")
}

// MetadataComment renders the table comment carrying version and content
// hash, used for idempotence checks and the status command.
func MetadataComment(fingerprint string) string {
	version := brand.Version
	if version == "" {
		version = "dev"
	}
	return fmt.Sprintf("%s:v%s:h=%s", brand.LowerName, version, fingerprint)
}
