package skill

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeSkillFile(t *testing.T, dir, name, frontmatter, body string) {
	t.Helper()
	skillDir := filepath.Join(dir, name)
	if err := os.MkdirAll(skillDir, 0o755); err != nil {
		t.Fatalf("mkdir skill dir: %v", err)
	}
	content := "---\n" + frontmatter + "\n---\n" + body
	if err := os.WriteFile(filepath.Join(skillDir, "SKILL.md"), []byte(content), 0o644); err != nil {
		t.Fatalf("write SKILL.md: %v", err)
	}
}

func newTestRegistry(t *testing.T) (*Registry, string, string) {
	t.Helper()
	builtin := filepath.Join(t.TempDir(), "builtin")
	agentDir := filepath.Join(t.TempDir(), "agent-skills")
	return &Registry{
		agentDir:   agentDir,
		builtinDir: builtin,
		skills:     make(map[string]*Skill, 8),
	}, builtin, agentDir
}

func TestRegistry_LoadAllDiscoversSkillsFromBothDirs(t *testing.T) {
	reg, builtin, agentDir := newTestRegistry(t)
	writeSkillFile(t, builtin, "summarize", "name: summarize\ndescription: Summarize text", "# Summarize\nDo the thing.")
	writeSkillFile(t, agentDir, "custom-skill", "name: custom-skill\ndescription: Custom", "custom body")

	if err := reg.LoadAll(); err != nil {
		t.Fatalf("LoadAll: %v", err)
	}

	s, err := reg.Get("summarize")
	if err != nil {
		t.Fatalf("Get(summarize): %v", err)
	}
	if s.Description != "Summarize text" || !s.isBuiltIn {
		t.Fatalf("unexpected builtin skill: %+v", s)
	}

	custom, err := reg.Get("custom-skill")
	if err != nil {
		t.Fatalf("Get(custom-skill): %v", err)
	}
	if custom.isBuiltIn {
		t.Fatal("expected agent-dir skill to not be marked built-in")
	}
}

func TestRegistry_AgentSkillOverridesBuiltinOfSameName(t *testing.T) {
	reg, builtin, agentDir := newTestRegistry(t)
	writeSkillFile(t, builtin, "tmux", "name: tmux\ndescription: builtin version", "builtin body")
	writeSkillFile(t, agentDir, "tmux", "name: tmux\ndescription: agent override", "agent body")

	if err := reg.LoadAll(); err != nil {
		t.Fatalf("LoadAll: %v", err)
	}

	s, err := reg.Get("tmux")
	if err != nil {
		t.Fatalf("Get(tmux): %v", err)
	}
	if s.Description != "agent override" {
		t.Fatalf("expected agent skill to override builtin, got %+v", s)
	}
}

func TestRegistry_GetMultipleReportsMissing(t *testing.T) {
	reg, builtin, _ := newTestRegistry(t)
	writeSkillFile(t, builtin, "summarize", "name: summarize", "")
	if err := reg.LoadBuiltInSkills(); err != nil {
		t.Fatalf("LoadBuiltInSkills: %v", err)
	}

	_, err := reg.GetMultiple([]string{"summarize", "does-not-exist"})
	if err == nil {
		t.Fatal("expected an error listing the missing skill name")
	}
}

func TestRegistry_ShouldLoadRespectsEnabledAndDisabledLists(t *testing.T) {
	reg, builtin, _ := newTestRegistry(t)
	reg.disabled = []string{"tmux"}
	reg.enabled = []string{"tmux", "github"}
	writeSkillFile(t, builtin, "tmux", "name: tmux", "")
	writeSkillFile(t, builtin, "github", "name: github", "")
	writeSkillFile(t, builtin, "notion", "name: notion", "")

	if err := reg.LoadBuiltInSkills(); err != nil {
		t.Fatalf("LoadBuiltInSkills: %v", err)
	}
	if _, err := reg.Get("tmux"); err == nil {
		t.Fatal("expected disabled skill tmux to not be loaded")
	}
	if _, err := reg.Get("github"); err != nil {
		t.Fatal("expected enabled, non-disabled skill github to load")
	}
	if _, err := reg.Get("notion"); err == nil {
		t.Fatal("expected skill notion, absent from the enabled list, to not be loaded")
	}
}

func TestRegistry_BuildSkillsPromptJoinsSkills(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	skills := []*Skill{
		{Name: "a", Description: "desc-a", Content: "content-a"},
		{Name: "b", Description: "desc-b", Content: "content-b"},
	}
	prompt := reg.BuildSkillsPrompt(skills)
	if prompt == "" {
		t.Fatal("expected a non-empty prompt for non-empty skills")
	}
	for _, want := range []string{"Skill: a", "desc-a", "content-a", "Skill: b", "desc-b", "content-b"} {
		if !strings.Contains(prompt, want) {
			t.Fatalf("expected prompt to contain %q, got:\n%s", want, prompt)
		}
	}
}

func TestRegistry_BuildSkillsPromptEmptyForNoSkills(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	if prompt := reg.BuildSkillsPrompt(nil); prompt != "" {
		t.Fatalf("expected empty prompt for no skills, got %q", prompt)
	}
}

func TestRegistry_ReloadDropsAndReloadsSkills(t *testing.T) {
	reg, builtin, _ := newTestRegistry(t)
	writeSkillFile(t, builtin, "summarize", "name: summarize", "")
	if err := reg.LoadAll(); err != nil {
		t.Fatalf("LoadAll: %v", err)
	}

	if err := reg.Reload(context.Background()); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if _, err := reg.Get("summarize"); err != nil {
		t.Fatal("expected Reload to rediscover the same on-disk skill")
	}
}

func TestRegistry_ReloadAgentSkillsLeavesBuiltinsIntact(t *testing.T) {
	reg, builtin, agentDir := newTestRegistry(t)
	writeSkillFile(t, builtin, "summarize", "name: summarize", "")
	writeSkillFile(t, agentDir, "custom-skill", "name: custom-skill", "v1")
	if err := reg.LoadAll(); err != nil {
		t.Fatalf("LoadAll: %v", err)
	}

	// Replace the agent skill's content on disk and reload just the agent dir.
	writeSkillFile(t, agentDir, "custom-skill", "name: custom-skill", "v2")
	if err := reg.ReloadAgentSkills(context.Background()); err != nil {
		t.Fatalf("ReloadAgentSkills: %v", err)
	}

	if _, err := reg.Get("summarize"); err != nil {
		t.Fatal("expected builtin skill to survive ReloadAgentSkills")
	}
	updated, err := reg.Get("custom-skill")
	if err != nil {
		t.Fatalf("Get(custom-skill): %v", err)
	}
	if updated.Content != "v2" {
		t.Fatalf("expected agent skill content refreshed to v2, got %q", updated.Content)
	}
}
