package session

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/Strob0t/SessionForge/internal/domain"
)

// Session ids are caller-chosen and end up in URLs, log lines, NATS KV
// keys, and the wrapper environment, so the charset is the conservative
// intersection of all of those.
var sessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

// ValidateID checks a caller-chosen session id: 1-128 characters of
// A-Za-z0-9._- starting with an alphanumeric.
func ValidateID(id string) error {
	if !sessionIDPattern.MatchString(id) {
		return fmt.Errorf("%w: session id must be 1-128 characters of A-Za-z0-9._- and start with a letter or digit", domain.ErrValidation)
	}
	return nil
}

// PrepareRequest holds the fields needed to prepare a new session.
type PrepareRequest struct {
	UserID string `json:"user_id"`
	OrgID  string `json:"org_id,omitempty"`
	Config Config `json:"config"`
}

// Validate checks that a PrepareRequest has all required fields.
func (r *PrepareRequest) Validate() error {
	if r.UserID == "" {
		return fmt.Errorf("%w: user_id is required", domain.ErrValidation)
	}
	if r.Config.Prompt == "" {
		return fmt.Errorf("%w: config.prompt is required", domain.ErrValidation)
	}
	if r.Config.Model == "" {
		return fmt.Errorf("%w: config.model is required", domain.ErrValidation)
	}
	return r.Config.Validate()
}

// Validate checks config invariants that hold at prepare and after every
// patch: repo URLs must be https, callback URLs must parse.
func (c *Config) Validate() error {
	if c.Repo != nil {
		if c.Repo.URL == "" {
			return fmt.Errorf("%w: repo.url is required when repo is set", domain.ErrValidation)
		}
		u, err := url.Parse(c.Repo.URL)
		if err != nil || u.Scheme != "https" || u.Host == "" {
			return fmt.Errorf("%w: repo.url must be an https URL", domain.ErrValidation)
		}
	}
	if c.Callback != nil {
		if c.Callback.URL == "" {
			return fmt.Errorf("%w: callback.url is required when callback is set", domain.ErrValidation)
		}
		u, err := url.Parse(c.Callback.URL)
		if err != nil || (u.Scheme != "https" && u.Scheme != "http") || u.Host == "" {
			return fmt.Errorf("%w: callback.url must be an http(s) URL", domain.ErrValidation)
		}
	}
	for name := range c.MCPServers {
		if strings.TrimSpace(name) == "" {
			return fmt.Errorf("%w: mcp_servers keys must be non-empty", domain.ErrValidation)
		}
	}
	return nil
}

// ConfigPatch is a partial update to a session config. Nil fields are left
// untouched. Present scalar fields replace the value, and the empty string
// clears it. Present maps, slices, and nested structs replace the whole
// value; an empty map or a zero struct clears it.
type ConfigPatch struct {
	Prompt        *string               `json:"prompt,omitempty"`
	Mode          *string               `json:"mode,omitempty"`
	Model         *string               `json:"model,omitempty"`
	Repo          *RepoRef              `json:"repo,omitempty"`
	Env           *map[string]string    `json:"env,omitempty"`
	Secrets       *map[string]string    `json:"secrets,omitempty"`
	SetupCommands *[]string             `json:"setup_commands,omitempty"`
	MCPServers    *map[string]MCPServer `json:"mcp_servers,omitempty"`
	Callback      *CallbackTarget       `json:"callback,omitempty"`
}

// Empty reports whether the patch changes nothing.
func (p *ConfigPatch) Empty() bool {
	return p.Prompt == nil && p.Mode == nil && p.Model == nil &&
		p.Repo == nil && p.Env == nil && p.Secrets == nil &&
		p.SetupCommands == nil && p.MCPServers == nil && p.Callback == nil
}

// Apply merges the patch into cfg.
func (p *ConfigPatch) Apply(cfg *Config) {
	if p.Prompt != nil {
		cfg.Prompt = *p.Prompt
	}
	if p.Mode != nil {
		cfg.Mode = *p.Mode
	}
	if p.Model != nil {
		cfg.Model = *p.Model
	}
	if p.Repo != nil {
		if p.Repo.URL == "" {
			cfg.Repo = nil
		} else {
			repo := *p.Repo
			cfg.Repo = &repo
		}
	}
	if p.Env != nil {
		cfg.Env = *p.Env
	}
	if p.Secrets != nil {
		cfg.Secrets = *p.Secrets
	}
	if p.SetupCommands != nil {
		cfg.SetupCommands = *p.SetupCommands
	}
	if p.MCPServers != nil {
		cfg.MCPServers = *p.MCPServers
	}
	if p.Callback != nil {
		if p.Callback.URL == "" {
			cfg.Callback = nil
		} else {
			cb := *p.Callback
			cfg.Callback = &cb
		}
	}
}

// Validate checks the fields the patch would set.
func (p *ConfigPatch) Validate() error {
	probe := Config{}
	p.Apply(&probe)
	return probe.Validate()
}
