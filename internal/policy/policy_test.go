package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const samplePolicy = `
log_level = "info"

allow {
  domains = ["api.github.com", "*.npmjs.org", "registry.npmjs.org"]
  cidrs   = ["192.0.2.0/24"]
  ports   = [80, 443]
}

provider "github" {
  url  = "https://api.github.com/meta"
  keys = ["web", "api", "git"]
}

verify {
  blocked_probe  = "203.0.113.9"
  allowed_probes = ["api.github.com"]
}

audit {
  nflog_group     = 71
  burst           = 5
  rate_per_minute = 10
}
`

func TestLoadBytesHCL(t *testing.T) {
	p, err := LoadBytes("policy.hcl", []byte(samplePolicy))
	require.NoError(t, err)

	assert.Equal(t, "info", p.LogLevel)
	require.NotNil(t, p.Allow)
	assert.Len(t, p.Allow.Domains, 3)
	require.Len(t, p.Provider, 1)
	assert.Equal(t, "github", p.Provider[0].Name)
	assert.Equal(t, []string{"web", "api", "git"}, p.Provider[0].Keys)
	require.NotNil(t, p.Verify)
	assert.Equal(t, "203.0.113.9", p.Verify.BlockedProbe)
}

func TestLoadBytesYAML(t *testing.T) {
	content := `
log_level: warn
allow:
  domains:
    - api.github.com
  cidrs:
    - 198.51.100.0/24
providers:
  - name: github
    url: https://api.github.com/meta
    keys: [git]
`
	p, err := LoadBytes("policy.yaml", []byte(content))
	require.NoError(t, err)
	assert.Equal(t, "warn", p.LogLevel)
	assert.Equal(t, []string{"api.github.com"}, p.Allow.Domains)
	require.Len(t, p.Provider, 1)
	assert.Equal(t, "https://api.github.com/meta", p.Provider[0].URL)
}

func TestDomainClassification(t *testing.T) {
	p, err := LoadBytes("policy.hcl", []byte(samplePolicy))
	require.NoError(t, err)

	assert.Equal(t, []string{"api.github.com", "registry.npmjs.org"}, p.ExactDomains())
	assert.Equal(t, []string{"*.npmjs.org"}, p.WildcardDomains())
}

func TestValidateRejectsBadCIDR(t *testing.T) {
	p := &Policy{Allow: &Allow{CIDRs: []string{"not-a-cidr/99"}}}
	assert.Error(t, p.Validate())
}

func TestValidateAcceptsBareIP(t *testing.T) {
	p := &Policy{Allow: &Allow{CIDRs: []string{"192.0.2.1"}}}
	assert.NoError(t, p.Validate())
}

func TestValidateRejectsHTTPProvider(t *testing.T) {
	p := &Policy{Provider: []Provider{{Name: "insecure", URL: "http://example.com/meta", Keys: []string{"x"}}}}
	err := p.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "https")
}

func TestValidateRejectsEmptyPolicy(t *testing.T) {
	p := &Policy{}
	assert.Error(t, p.Validate())
}

func TestValidateRejectsBadPort(t *testing.T) {
	p := &Policy{Allow: &Allow{Ports: []int{70000}}}
	assert.Error(t, p.Validate())
}

func TestDefaults(t *testing.T) {
	p := &Policy{Allow: &Allow{Domains: []string{"example.org"}}}

	assert.Equal(t, DefaultPorts, p.Ports())
	assert.Equal(t, DefaultSSHPort, p.SSHPort())

	a := p.AuditOrDefault()
	assert.Equal(t, DefaultNFLogGroup, a.NFLogGroup)
	assert.Equal(t, DefaultBurst, a.Burst)
	assert.Equal(t, DefaultRatePerMinute, a.RatePerMinute)
	assert.Equal(t, DefaultRetentionDays, a.RetentionDays)

	zero := 0
	p.Allow.SSHPort = &zero
	assert.Equal(t, 0, p.SSHPort(), "ssh_port = 0 disables the rule")
}
