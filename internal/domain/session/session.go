// Package session defines the Session domain entity: one user's persistent
// conversation with a cloud-hosted coding agent, including its configuration,
// lifecycle timestamps, and the single-active-execution pointer.
package session

import "time"

// Session is the durable state of one agent session.
type Session struct {
	SessionID         string     `json:"session_id"`
	UserID            string     `json:"user_id"`
	OrgID             string     `json:"org_id,omitempty"`
	AgentSessionID    string     `json:"agent_session_id,omitempty"`
	LinkedRecordID    string     `json:"linked_record_id,omitempty"`
	Config            Config     `json:"config"`
	PreparedAt        *time.Time `json:"prepared_at,omitempty"`
	InitiatedAt       *time.Time `json:"initiated_at,omitempty"`
	ActiveExecutionID string     `json:"active_execution_id,omitempty"`
	SandboxID         string     `json:"sandbox_id,omitempty"`
	ComputeActiveAt   *time.Time `json:"compute_active_at,omitempty"`
	NextReapAt        *time.Time `json:"next_reap_at,omitempty"`
	Version           int64      `json:"version"`
	LastActivityAt    time.Time  `json:"last_activity_at"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// Prepared reports whether the session has been prepared.
func (s *Session) Prepared() bool { return s.PreparedAt != nil }

// Initiated reports whether the session has been initiated.
func (s *Session) Initiated() bool { return s.InitiatedAt != nil }

// Config is the session configuration handed to the wrapper on each
// execution. Secret values are stored encrypted; see crypto.go.
type Config struct {
	Prompt        string               `json:"prompt,omitempty"`
	Mode          string               `json:"mode,omitempty"`
	Model         string               `json:"model,omitempty"`
	Repo          *RepoRef             `json:"repo,omitempty"`
	Env           map[string]string    `json:"env,omitempty"`
	Secrets       map[string]string    `json:"secrets,omitempty"`
	SetupCommands []string             `json:"setup_commands,omitempty"`
	MCPServers    map[string]MCPServer `json:"mcp_servers,omitempty"`
	Callback      *CallbackTarget      `json:"callback,omitempty"`
}

// RepoRef points the wrapper at the repository to work on. AccessToken is
// resolved through the token service and refreshed when stale.
type RepoRef struct {
	URL            string     `json:"url"`
	Branch         string     `json:"branch,omitempty"`
	UpstreamBranch string     `json:"upstream_branch,omitempty"`
	InstallationID string     `json:"installation_id,omitempty"`
	AppType        string     `json:"app_type,omitempty"`
	AccessToken    string     `json:"access_token,omitempty"`
	TokenExpiresAt *time.Time `json:"token_expires_at,omitempty"`
}

// MCPServer is an opaque MCP server config forwarded to the wrapper. The
// service never interprets these beyond JSON round-tripping.
type MCPServer struct {
	Command string            `json:"command,omitempty"`
	Args    []string          `json:"args,omitempty"`
	URL     string            `json:"url,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
}

// CallbackTarget is where completion callbacks for this session are posted.
type CallbackTarget struct {
	URL   string `json:"url"`
	KeyID string `json:"key_id,omitempty"`
}

// Redacted returns a copy of the config safe for API responses: secret
// values and the repo access token are masked.
func (c Config) Redacted() Config {
	out := c
	if len(c.Secrets) > 0 {
		masked := make(map[string]string, len(c.Secrets))
		for k := range c.Secrets {
			masked[k] = "****"
		}
		out.Secrets = masked
	}
	if c.Repo != nil {
		repo := *c.Repo
		repo.AccessToken = ""
		out.Repo = &repo
	}
	return out
}
