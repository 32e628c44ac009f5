package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeMinimalConfig(t *testing.T, path string) {
	t.Helper()
	const yamlBody = "gateway:\n  bind: \":8390\"\n"
	if err := os.WriteFile(path, []byte(yamlBody), 0o644); err != nil {
		t.Fatalf("write config fixture: %v", err)
	}
}

func TestInstanceManager_LoadAppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	writeMinimalConfig(t, path)

	ins := &InstanceManager{}
	cfg, err := ins.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Gateway.SessionTTL != "24h" {
		t.Fatalf("expected default session_ttl 24h, got %q", cfg.Gateway.SessionTTL)
	}
	if cfg.Gateway.CharsPerToken != 4.0 {
		t.Fatalf("expected default chars_per_token 4.0, got %v", cfg.Gateway.CharsPerToken)
	}
	if cfg.Gateway.HTTPAPI.Bind != ":8390" {
		t.Fatalf("expected default http_api bind :8390, got %q", cfg.Gateway.HTTPAPI.Bind)
	}
}

func TestInstanceManager_GetBeforeLoadFails(t *testing.T) {
	ins := &InstanceManager{}
	if _, err := ins.Get(); err == nil {
		t.Fatal("expected Get to fail before Load")
	}
}

func TestInstanceManager_ApplyAndSaveRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	writeMinimalConfig(t, path)

	ins := &InstanceManager{}
	if _, err := ins.Load(path); err != nil {
		t.Fatalf("Load: %v", err)
	}

	newGateway := &GatewayConfig{EnforceAuthentication: true, HTTPAPI: HTTPAPIConfig{Bind: ":9000"}}
	if err := ins.Apply("gateway", newGateway); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if err := ins.Save(); err != nil {
		t.Fatalf("Save: %v", err)
	}

	reloaded := &InstanceManager{}
	cfg, err := reloaded.Load(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if !cfg.Gateway.EnforceAuthentication {
		t.Fatal("expected enforce_authentication to persist across save/reload")
	}
	if cfg.Gateway.HTTPAPI.Bind != ":9000" {
		t.Fatalf("expected bind :9000 to persist, got %q", cfg.Gateway.HTTPAPI.Bind)
	}
}

func TestInstanceManager_ApplyWithCASRejectsStaleHash(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	writeMinimalConfig(t, path)

	ins := &InstanceManager{}
	if _, err := ins.Load(path); err != nil {
		t.Fatalf("Load: %v", err)
	}
	staleHash, err := ins.Hash()
	if err != nil {
		t.Fatalf("Hash: %v", err)
	}

	if err := ins.Apply("gateway", &GatewayConfig{HTTPAPI: HTTPAPIConfig{Bind: ":9001"}}); err != nil {
		t.Fatalf("first Apply: %v", err)
	}

	err = ins.ApplyWithCAS("gateway", &GatewayConfig{HTTPAPI: HTTPAPIConfig{Bind: ":9002"}}, staleHash)
	if err == nil {
		t.Fatal("expected ApplyWithCAS to reject a stale expected hash")
	}
}

func TestInstanceManager_SaveCreatesBackupOnOverwrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	writeMinimalConfig(t, path)

	ins := &InstanceManager{}
	if _, err := ins.Load(path); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := ins.Apply("gateway", &GatewayConfig{HTTPAPI: HTTPAPIConfig{Bind: ":9100"}}); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if err := ins.Save(); err != nil {
		t.Fatalf("Save: %v", err)
	}

	matches, err := filepath.Glob(path + ".*")
	if err != nil {
		t.Fatalf("glob backups: %v", err)
	}
	if len(matches) == 0 {
		t.Fatal("expected at least one backup file after overwriting an existing config")
	}
}

func TestConfig_ValidateRejectsBadStdioTransport(t *testing.T) {
	cfg := &Config{Gateway: GatewayConfig{StdioRPC: StdioRPCConfig{Transport: "carrier-pigeon"}}}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error for an unsupported stdio_rpc transport")
	}
}

func TestChannelConfig_ValidateRequiresACLKeyPrefix(t *testing.T) {
	cc := &ChannelConfig{ACL: map[string]ChannelACLConfig{"nobody": {Allow: []string{"x"}}}}
	if err := cc.Validate(); err == nil {
		t.Fatal("expected validation error for an ACL key missing group:/user: prefix")
	}
}

func TestConfig_CloneIsIndependentCopy(t *testing.T) {
	cfg := &Config{Agents: map[string]AgentConfig{"a": {Name: "a"}}}
	clone, err := cfg.Clone()
	if err != nil {
		t.Fatalf("Clone: %v", err)
	}
	clone.Agents["a"] = AgentConfig{Name: "mutated"}
	if cfg.Agents["a"].Name != "a" {
		t.Fatal("expected Clone to deep-copy, not alias, the original config")
	}
}

func TestConfig_HashIsStableAndOrderIndependent(t *testing.T) {
	c1 := &Config{Agents: map[string]AgentConfig{"a": {Name: "a"}, "b": {Name: "b"}}}
	c2 := &Config{Agents: map[string]AgentConfig{"b": {Name: "b"}, "a": {Name: "a"}}}
	if c1.Hash() != c2.Hash() {
		t.Fatal("expected Hash to be independent of map iteration order")
	}
}
