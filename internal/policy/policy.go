// Package policy holds the declarative egress policy: allowed domains,
// static CIDRs, bulk range providers, and the knobs for verification and
// audit. The policy is read once at startup and is read-only afterwards.
package policy

import (
	"fmt"
	"net"
	"strings"
)

// DomainKind classifies a domain entry.
type DomainKind int

const (
	// ExactDomain is a plain hostname allowed for egress.
	ExactDomain DomainKind = iota
	// WildcardDomain entries are never compiled into rules. They are
	// reported so an operator can expand them into explicit names.
	WildcardDomain
)

// Domain is a single domain entry with its classification.
type Domain struct {
	Name string
	Kind DomainKind
}

// Policy is the top-level egress policy document.
type Policy struct {
	LogLevel string    `hcl:"log_level,optional" yaml:"log_level"`
	JSONLogs bool      `hcl:"json_logs,optional" yaml:"json_logs"`
	Allow    *Allow    `hcl:"allow,block" yaml:"allow"`
	Provider []Provider `hcl:"provider,block" yaml:"providers"`
	Verify   *Verify   `hcl:"verify,block" yaml:"verify"`
	Audit    *Audit    `hcl:"audit,block" yaml:"audit"`
}

// Allow lists domains and static CIDRs permitted as egress destinations.
type Allow struct {
	Domains []string `hcl:"domains,optional" yaml:"domains"`
	CIDRs   []string `hcl:"cidrs,optional" yaml:"cidrs"`
	// Ports are the destination TCP ports opened toward the allow set.
	// Defaults to 80 and 443.
	Ports []int `hcl:"ports,optional" yaml:"ports"`
	// SSHPort is permitted outbound with established-state return traffic.
	// Defaults to 22; set 0 to disable.
	SSHPort *int `hcl:"ssh_port,optional" yaml:"ssh_port"`
}

// Provider describes an endpoint publishing bulk CIDR ranges as a JSON
// document with keyed arrays (e.g. a git-hosting provider's meta API).
// A provider that cannot be fetched is fatal for the whole run: applying
// a policy silently missing a major provider's ranges would break core
// functionality in a way indistinguishable from an attack.
type Provider struct {
	Name string   `hcl:"name,label" yaml:"name"`
	URL  string   `hcl:"url" yaml:"url"`
	Keys []string `hcl:"keys" yaml:"keys"`
}

// Verify configures the post-apply probes.
type Verify struct {
	// BlockedProbe must NOT be reachable after apply. Reachability is a
	// fatal misconfiguration.
	BlockedProbe string `hcl:"blocked_probe,optional" yaml:"blocked_probe"`
	// AllowedProbes should be reachable; failure is a warning only.
	AllowedProbes []string `hcl:"allowed_probes,optional" yaml:"allowed_probes"`
	// PingGateway additionally probes the default gateway via ICMP.
	PingGateway bool `hcl:"ping_gateway,optional" yaml:"ping_gateway"`
}

// Audit configures the deny-log sink.
type Audit struct {
	NFLogGroup    int    `hcl:"nflog_group,optional" yaml:"nflog_group"`
	Burst         int    `hcl:"burst,optional" yaml:"burst"`
	RatePerMinute int    `hcl:"rate_per_minute,optional" yaml:"rate_per_minute"`
	DBPath        string `hcl:"db_path,optional" yaml:"db_path"`
	RetentionDays int    `hcl:"retention_days,optional" yaml:"retention_days"`
}

// Defaults applied where the policy file is silent.
const (
	DefaultNFLogGroup    = 71
	DefaultBurst         = 5
	DefaultRatePerMinute = 10
	DefaultRetentionDays = 30
	DefaultSSHPort       = 22
)

// DefaultPorts are the destination ports opened toward the allow set when
// the policy does not name any.
var DefaultPorts = []int{80, 443}

// Domains classifies every configured domain entry. Wildcards are detected
// here and never reach the compiler.
func (p *Policy) Domains() []Domain {
	if p.Allow == nil {
		return nil
	}
	out := make([]Domain, 0, len(p.Allow.Domains))
	for _, name := range p.Allow.Domains {
		name = strings.TrimSpace(strings.ToLower(name))
		if name == "" {
			continue
		}
		kind := ExactDomain
		if strings.Contains(name, "*") {
			kind = WildcardDomain
		}
		out = append(out, Domain{Name: name, Kind: kind})
	}
	return out
}

// ExactDomains returns the names safe to resolve and compile.
func (p *Policy) ExactDomains() []string {
	var out []string
	for _, d := range p.Domains() {
		if d.Kind == ExactDomain {
			out = append(out, d.Name)
		}
	}
	return out
}

// WildcardDomains returns rejected wildcard entries for reporting.
func (p *Policy) WildcardDomains() []string {
	var out []string
	for _, d := range p.Domains() {
		if d.Kind == WildcardDomain {
			out = append(out, d.Name)
		}
	}
	return out
}

// Ports returns the configured whitelist ports or the defaults.
func (p *Policy) Ports() []int {
	if p.Allow == nil || len(p.Allow.Ports) == 0 {
		return DefaultPorts
	}
	return p.Allow.Ports
}

// SSHPort returns the outbound SSH port, or 0 if disabled.
func (p *Policy) SSHPort() int {
	if p.Allow == nil || p.Allow.SSHPort == nil {
		return DefaultSSHPort
	}
	return *p.Allow.SSHPort
}

// AuditOrDefault returns the audit block with defaults filled in.
func (p *Policy) AuditOrDefault() Audit {
	a := Audit{}
	if p.Audit != nil {
		a = *p.Audit
	}
	if a.NFLogGroup == 0 {
		a.NFLogGroup = DefaultNFLogGroup
	}
	if a.Burst == 0 {
		a.Burst = DefaultBurst
	}
	if a.RatePerMinute == 0 {
		a.RatePerMinute = DefaultRatePerMinute
	}
	if a.RetentionDays == 0 {
		a.RetentionDays = DefaultRetentionDays
	}
	return a
}

// Validate checks the policy for structural problems. Wildcard domains are
// not an error here (they are skipped with a warning at compile time), but
// malformed CIDRs, ports, and providers are.
func (p *Policy) Validate() error {
	if p.Allow == nil && len(p.Provider) == 0 {
		return fmt.Errorf("policy permits nothing: no allow block and no providers")
	}

	if p.Allow != nil {
		for _, c := range p.Allow.CIDRs {
			if _, _, err := net.ParseCIDR(c); err != nil {
				if net.ParseIP(c) == nil {
					return fmt.Errorf("invalid cidr %q: %w", c, err)
				}
			}
		}
		for _, port := range p.Allow.Ports {
			if port < 1 || port > 65535 {
				return fmt.Errorf("invalid port %d", port)
			}
		}
		if p.Allow.SSHPort != nil && (*p.Allow.SSHPort < 0 || *p.Allow.SSHPort > 65535) {
			return fmt.Errorf("invalid ssh_port %d", *p.Allow.SSHPort)
		}
	}

	for _, prov := range p.Provider {
		if prov.Name == "" {
			return fmt.Errorf("provider with empty name")
		}
		if !strings.HasPrefix(prov.URL, "https://") {
			return fmt.Errorf("provider %q: url must use https", prov.Name)
		}
		if len(prov.Keys) == 0 {
			return fmt.Errorf("provider %q: at least one key required", prov.Name)
		}
	}

	if a := p.Audit; a != nil {
		if a.NFLogGroup < 0 || a.NFLogGroup > 65535 {
			return fmt.Errorf("invalid nflog_group %d", a.NFLogGroup)
		}
		if a.Burst < 0 || a.RatePerMinute < 0 {
			return fmt.Errorf("audit burst and rate must be non-negative")
		}
	}

	return nil
}
