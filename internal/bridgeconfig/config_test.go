package bridgeconfig

import "testing"

func TestLoadAgentsFromAgentsJSON(t *testing.T) {
	t.Setenv("AGENTS_JSON", `{
		"claude-code": {"command": "claude-code-acp", "args": ["--stdio"], "default": true},
		"gemini": {"command": "gemini-acp"}
	}`)
	t.Setenv("ACP_AGENT_COMMAND", "")

	agents, err := loadAgents()
	if err != nil {
		t.Fatalf("loadAgents failed: %v", err)
	}
	if len(agents.Agents) != 2 {
		t.Fatalf("expected 2 agents, got %d", len(agents.Agents))
	}
	if agents.Default != "claude-code" {
		t.Errorf("expected default agent claude-code, got %q", agents.Default)
	}
	gemini, ok := agents.Agents["gemini"]
	if !ok || gemini.Command != "gemini-acp" {
		t.Errorf("expected gemini agent with command gemini-acp, got %+v", gemini)
	}
}

func TestLoadAgentsFromSingleCommandEnvVar(t *testing.T) {
	t.Setenv("AGENTS_JSON", "")
	t.Setenv("ACP_AGENT_COMMAND", "claude-code-acp --stdio")

	agents, err := loadAgents()
	if err != nil {
		t.Fatalf("loadAgents failed: %v", err)
	}
	if agents.Default != "default" {
		t.Errorf("expected the single agent to become the default, got %q", agents.Default)
	}
	if agents.Agents["default"].Command != "claude-code-acp --stdio" {
		t.Errorf("unexpected command: %+v", agents.Agents["default"])
	}
}

func TestLoadAgentsRejectsInvalidJSON(t *testing.T) {
	t.Setenv("AGENTS_JSON", "not json")
	t.Setenv("ACP_AGENT_COMMAND", "")

	if _, err := loadAgents(); err == nil {
		t.Fatal("expected an error for malformed AGENTS_JSON")
	}
}

func TestLoadServicesParsesEnabledList(t *testing.T) {
	t.Setenv("ENABLED_SERVICES", "issuetracker, chat ,  ")
	out := loadServices(AgentsConfig{Agents: map[string]AgentConfig{}})
	want := []string{"issuetracker", "chat"}
	if len(out.Enabled) != len(want) {
		t.Fatalf("expected %v, got %v", want, out.Enabled)
	}
	for i := range want {
		if out.Enabled[i] != want[i] {
			t.Errorf("expected %v, got %v", want, out.Enabled)
		}
	}
}

func TestLoadServicesResolvesPerAgentCredentialOverride(t *testing.T) {
	t.Setenv("ISSUE_TRACKER_API_TOKEN", "global-token")
	t.Setenv("ISSUE_TRACKER_API_TOKEN__CLAUDE_CODE", "claude-specific-token")

	agents := AgentsConfig{Agents: map[string]AgentConfig{"claude-code": {Name: "claude-code"}}}
	out := loadServices(agents)

	if out.CredentialFor("ISSUE_TRACKER_API_TOKEN", "claude-code") != "claude-specific-token" {
		t.Errorf("expected per-agent override to win, got %q", out.CredentialFor("ISSUE_TRACKER_API_TOKEN", "claude-code"))
	}
	if out.CredentialFor("ISSUE_TRACKER_API_TOKEN", "gemini") != "global-token" {
		t.Errorf("expected fallback to the service-wide default, got %q", out.CredentialFor("ISSUE_TRACKER_API_TOKEN", "gemini"))
	}
}

func TestCredentialForReturnsEmptyWhenUnset(t *testing.T) {
	out := ServicesConfig{Credentials: map[string]string{}}
	if got := out.CredentialFor("UNSET_VAR", "any-agent"); got != "" {
		t.Errorf("expected empty string for an unset credential, got %q", got)
	}
}
