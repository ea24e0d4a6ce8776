// Package bridgeconfig loads the bridge's immutable Config from the
// environment (spec.md §6 "Configuration"), grounded on the teacher's
// internal/common/config package: a single struct assembled once at
// boot via viper, never re-read from a global at request time (Design
// Note §9 "Global config/singleton settings").
package bridgeconfig

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds every ambient and domain setting the Application Shell
// needs to assemble adapters, the Session Manager, and its dependencies.
type Config struct {
	Server      ServerConfig
	Logging     LoggingConfig
	Agents      AgentsConfig
	Services    ServicesConfig
	Worktree    WorktreeConfig
	Persistence PersistenceConfig
	Router      RouterConfig
	EventBus    EventBusConfig
	Tracing     TracingConfig
}

// ServerConfig controls the HTTP surface (spec.md §6).
type ServerConfig struct {
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// LoggingConfig controls bridgelog.
type LoggingConfig struct {
	Level      string
	Format     string
	OutputPath string
}

// AgentConfig is one entry in the agent registry (spec.md §3 AgentConfig).
type AgentConfig struct {
	Name      string   `json:"name" mapstructure:"name"`
	Command   string   `json:"command" mapstructure:"command"`
	Args      []string `json:"args" mapstructure:"args"`
	IsDefault bool     `json:"default" mapstructure:"default"`
}

// AgentsConfig is the resolved agent registry, keyed by agent name.
type AgentsConfig struct {
	Agents  map[string]AgentConfig
	Default string // name of the default agent, "" if none configured
}

// ServicesConfig lists which service adapters are enabled and the
// per-agent credential overrides resolved for each
// (spec.md §6 "<VAR>__<AGENT>").
type ServicesConfig struct {
	Enabled []string
	// Credentials maps each known credential variable name (e.g.
	// "ISSUE_TRACKER_API_TOKEN") and "<VAR>:<agent>" to the resolved
	// secret value.
	Credentials map[string]string
}

// WorktreeConfig controls the Repository Provider's worktree base path
// and default-branch refresh behavior.
type WorktreeConfig struct {
	BasePath        string
	DefaultBranch   string
	PullBeforeWork  bool
	FetchTimeout    time.Duration
	BranchPrefix    string
}

// PersistenceConfig controls the JSON persistence store's file path.
type PersistenceConfig struct {
	Path string
}

// RouterConfig controls the Update Router's debounce window
// (spec.md §4.4, Design Note §9 Open Question 2).
type RouterConfig struct {
	DebounceWindow time.Duration
}

// EventBusConfig selects the in-process event bus implementation.
type EventBusConfig struct {
	NATSURL string // empty means use the in-memory bus
	Subject string
}

// TracingConfig controls OTLP export of ACP protocol spans.
type TracingConfig struct {
	OTLPEndpoint string
	ServiceName  string
}

// Load assembles Config from the environment using viper, following the
// teacher's AutomaticEnv + nested-key convention.
func Load() (*Config, error) {
	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", "5s")
	v.SetDefault("server.writeTimeout", "30s")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.outputPath", "stdout")
	v.SetDefault("worktree.basePath", "~/.acp-bridge/worktrees")
	v.SetDefault("worktree.defaultBranch", "main")
	v.SetDefault("worktree.branchPrefix", "acp-agent/")
	v.SetDefault("worktree.pullBeforeWork", true)
	v.SetDefault("worktree.fetchTimeout", "8s")
	v.SetDefault("persistence.path", "./acp-bridge-sessions.json")
	v.SetDefault("router.debounceWindow", "2s")
	v.SetDefault("tracing.serviceName", "acp-bridge")

	cfg := &Config{
		Server: ServerConfig{
			Host:         v.GetString("server.host"),
			Port:         v.GetInt("server.port"),
			ReadTimeout:  v.GetDuration("server.readTimeout"),
			WriteTimeout: v.GetDuration("server.writeTimeout"),
		},
		Logging: LoggingConfig{
			Level:      v.GetString("logging.level"),
			Format:     v.GetString("logging.format"),
			OutputPath: v.GetString("logging.outputPath"),
		},
		Worktree: WorktreeConfig{
			BasePath:       v.GetString("worktree.basePath"),
			DefaultBranch:  v.GetString("worktree.defaultBranch"),
			BranchPrefix:   v.GetString("worktree.branchPrefix"),
			PullBeforeWork: v.GetBool("worktree.pullBeforeWork"),
			FetchTimeout:   v.GetDuration("worktree.fetchTimeout"),
		},
		Persistence: PersistenceConfig{
			Path: v.GetString("persistence.path"),
		},
		Router: RouterConfig{
			DebounceWindow: v.GetDuration("router.debounceWindow"),
		},
		EventBus: EventBusConfig{
			NATSURL: os.Getenv("NATS_URL"),
			Subject: "acp-bridge.updates",
		},
		Tracing: TracingConfig{
			OTLPEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
			ServiceName:  v.GetString("tracing.serviceName"),
		},
	}

	agents, err := loadAgents()
	if err != nil {
		return nil, fmt.Errorf("failed to load agent registry: %w", err)
	}
	cfg.Agents = agents

	cfg.Services = loadServices(agents)

	return cfg, nil
}

// loadAgents resolves the agent registry from AGENTS_JSON (multi-agent)
// or ACP_AGENT_COMMAND (single default agent), per spec.md §6.
func loadAgents() (AgentsConfig, error) {
	out := AgentsConfig{Agents: map[string]AgentConfig{}}

	if raw := os.Getenv("AGENTS_JSON"); raw != "" {
		var decoded map[string]struct {
			Command string   `json:"command"`
			Args    []string `json:"args"`
			Default bool     `json:"default"`
		}
		if err := json.Unmarshal([]byte(raw), &decoded); err != nil {
			return out, fmt.Errorf("invalid AGENTS_JSON: %w", err)
		}
		for name, a := range decoded {
			out.Agents[name] = AgentConfig{
				Name:      name,
				Command:   a.Command,
				Args:      a.Args,
				IsDefault: a.Default,
			}
			if a.Default {
				out.Default = name
			}
		}
	}

	if cmd := os.Getenv("ACP_AGENT_COMMAND"); cmd != "" {
		if _, exists := out.Agents["default"]; !exists {
			out.Agents["default"] = AgentConfig{Name: "default", Command: cmd, IsDefault: true}
			if out.Default == "" {
				out.Default = "default"
			}
		}
	}

	if out.Default == "" {
		for name := range out.Agents {
			out.Default = name
			break
		}
	}

	return out, nil
}

// loadServices resolves ENABLED_SERVICES and per-agent credential
// overrides (<VAR>__<AGENT>) into a flat credential map, so adapters
// never read os.Getenv directly at request time.
func loadServices(agents AgentsConfig) ServicesConfig {
	out := ServicesConfig{Credentials: map[string]string{}}

	enabled := os.Getenv("ENABLED_SERVICES")
	for _, s := range strings.Split(enabled, ",") {
		s = strings.TrimSpace(s)
		if s != "" {
			out.Enabled = append(out.Enabled, s)
		}
	}

	knownVars := []string{
		"GITHUB_REPO", "GITHUB_APP_ID", "GITHUB_PRIVATE_KEY",
		"GITHUB_WEBHOOK_SECRET", "GITHUB_INSTALLATION_ID",
		"ISSUE_TRACKER_WEBHOOK_SECRET", "ISSUE_TRACKER_API_TOKEN",
		"CHAT_SOCKET_TOKEN",
	}

	for _, env := range os.Environ() {
		parts := strings.SplitN(env, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key, value := parts[0], parts[1]
		for _, known := range knownVars {
			if key == known {
				out.Credentials[known] = value
			}
			for agentName := range agents.Agents {
				suffixed := known + "__" + strings.ToUpper(strings.ReplaceAll(agentName, "-", "_"))
				if key == suffixed {
					out.Credentials[known+":"+agentName] = value
				}
			}
		}
	}

	return out
}

// CredentialFor returns the per-agent override of key when present,
// falling back to the service-wide default.
func (s ServicesConfig) CredentialFor(key, agentName string) string {
	if v, ok := s.Credentials[key+":"+agentName]; ok {
		return v
	}
	return s.Credentials[key]
}
