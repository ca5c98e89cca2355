package brand

import (
	"os"
	"path/filepath"
	"testing"
)

func TestGet(t *testing.T) {
	b := Get()
	if b.Name == "" {
		t.Error("Brand name should not be empty")
	}
	if Version == "" {
		t.Error("Global Version should be initialized (to dev default)")
	}
	if Name == "" {
		t.Error("Name should be initialized from brand.json")
	}
	if LowerName == "" {
		t.Error("LowerName should be initialized from brand.json")
	}
	if TableName == "" {
		t.Error("TableName should be initialized from brand.json")
	}
}

func TestUserAgent(t *testing.T) {
	ua := UserAgent("1.0.0")
	want := Name + "/1.0.0"
	if ua != want {
		t.Errorf("UserAgent = %q, want %q", ua, want)
	}
	if UserAgent("") != Name+"/dev" {
		t.Errorf("UserAgent with empty version should default to dev")
	}
}

func TestGetStateDir_EnvOverride(t *testing.T) {
	os.Setenv(ConfigEnvPrefix+"_STATE_DIR", "/tmp/egret-test-state")
	defer os.Unsetenv(ConfigEnvPrefix + "_STATE_DIR")

	if got := GetStateDir(); got != "/tmp/egret-test-state" {
		t.Errorf("GetStateDir = %q, want env override", got)
	}
}

func TestGetStateDir_PrefixOverride(t *testing.T) {
	os.Unsetenv(ConfigEnvPrefix + "_STATE_DIR")
	os.Setenv(ConfigEnvPrefix+"_PREFIX", "/opt/egret")
	defer os.Unsetenv(ConfigEnvPrefix + "_PREFIX")

	want := filepath.Join("/opt/egret", "state")
	if got := GetStateDir(); got != want {
		t.Errorf("GetStateDir = %q, want %q", got, want)
	}
}
