// Package settings manages runtime-tunable configuration stored in the
// user_settings table. The environment seeds the defaults; database values
// override them unless the deployment is marked readonly. Secrets never
// enter the database, only their presence is reported.
package settings

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/jmoiron/sqlx"

	"github.com/gbrigandi/soctalk/pkg/config"
)

// settingsRowID is the singleton document key.
const settingsRowID = "default"

// ErrReadonly is returned on writes when SETTINGS_READONLY is set.
var ErrReadonly = errors.New("settings are readonly, managed via environment")

// Sources for an effective field value.
const (
	SourceEnv = "env"
	SourceDB  = "db"
)

// Values is the database-overridable portion of the configuration. Secrets
// (API keys, passwords, tokens) are deliberately absent.
type Values struct {
	LLMProvider       string `json:"llm_provider,omitempty"`
	LLMFastModel      string `json:"llm_fast_model,omitempty"`
	LLMReasoningModel string `json:"llm_reasoning_model,omitempty"`

	WazuhURL   string `json:"wazuh_url,omitempty"`
	CortexURL  string `json:"cortex_url,omitempty"`
	MISPURL    string `json:"misp_url,omitempty"`
	TheHiveURL string `json:"thehive_url,omitempty"`

	SlackChannel string `json:"slack_channel,omitempty"`

	NotifyOnEscalation *bool `json:"notify_on_escalation,omitempty"`
	NotifyOnVerdict    *bool `json:"notify_on_verdict,omitempty"`
}

// Field is one effective setting with the layer it came from.
type Field struct {
	Value  any    `json:"value"`
	Source string `json:"source"`
}

// Effective is the merged view served to the dashboard.
type Effective struct {
	Fields   map[string]Field `json:"fields"`
	Secrets  map[string]bool  `json:"secrets"`
	Readonly bool             `json:"readonly"`
}

// Provider merges environment defaults with the stored overrides.
type Provider struct {
	db       *sqlx.DB
	cfg      *config.Config
	readonly bool

	mu        sync.RWMutex
	overrides Values
}

// NewProvider returns a settings provider seeded from the environment.
// Call Load before serving requests to pick up stored overrides.
func NewProvider(db *sqlx.DB, cfg *config.Config) *Provider {
	return &Provider{db: db, cfg: cfg, readonly: cfg.SettingsReadonly}
}

// Load reads the stored overrides. A missing row means no overrides. In
// readonly mode the stored document is ignored entirely.
func (p *Provider) Load(ctx context.Context) error {
	if p.readonly {
		return nil
	}

	var raw []byte
	err := p.db.GetContext(ctx, &raw,
		`SELECT settings FROM user_settings WHERE id = $1`, settingsRowID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("loading settings: %w", err)
	}

	var stored Values
	if err := json.Unmarshal(raw, &stored); err != nil {
		return fmt.Errorf("decoding stored settings: %w", err)
	}

	p.mu.Lock()
	p.overrides = stored
	p.mu.Unlock()
	return nil
}

// Update merges the provided non-empty fields into the stored overrides and
// persists the document. Empty strings and nil booleans leave the stored
// value untouched.
func (p *Provider) Update(ctx context.Context, update Values) error {
	if p.readonly {
		return ErrReadonly
	}

	p.mu.Lock()
	merged := mergeValues(p.overrides, update)
	p.mu.Unlock()

	if err := p.persist(ctx, merged); err != nil {
		return err
	}

	p.mu.Lock()
	p.overrides = merged
	p.mu.Unlock()
	return nil
}

// Reset drops all stored overrides, returning to the environment defaults.
func (p *Provider) Reset(ctx context.Context) error {
	if p.readonly {
		return ErrReadonly
	}
	if err := p.persist(ctx, Values{}); err != nil {
		return err
	}
	p.mu.Lock()
	p.overrides = Values{}
	p.mu.Unlock()
	return nil
}

func (p *Provider) persist(ctx context.Context, v Values) error {
	doc, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding settings: %w", err)
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO user_settings (id, settings, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (id) DO UPDATE SET settings = EXCLUDED.settings, updated_at = now()`,
		settingsRowID, doc)
	if err != nil {
		return fmt.Errorf("persisting settings: %w", err)
	}
	return nil
}

// Effective returns the merged view with per-field provenance and which
// secrets are configured in the environment.
func (p *Provider) Effective() *Effective {
	p.mu.RLock()
	o := p.overrides
	p.mu.RUnlock()

	fields := map[string]Field{
		"llm_provider":         pick(o.LLMProvider, p.cfg.LLM.Provider),
		"llm_fast_model":       pick(o.LLMFastModel, p.cfg.LLM.FastModel),
		"llm_reasoning_model":  pick(o.LLMReasoningModel, p.cfg.LLM.ReasoningModel),
		"wazuh_url":            pick(o.WazuhURL, p.cfg.Integrations.WazuhURL),
		"cortex_url":           pick(o.CortexURL, p.cfg.Integrations.CortexURL),
		"misp_url":             pick(o.MISPURL, p.cfg.Integrations.MISPURL),
		"thehive_url":          pick(o.TheHiveURL, p.cfg.Integrations.TheHiveURL),
		"slack_channel":        pick(o.SlackChannel, p.cfg.HIL.SlackChannel),
		"notify_on_escalation": pickBool(o.NotifyOnEscalation, true),
		"notify_on_verdict":    pickBool(o.NotifyOnVerdict, false),
	}

	secrets := map[string]bool{
		"llm_api_key":     p.cfg.LLM.APIKey != "",
		"wazuh_password":  p.cfg.Integrations.WazuhPassword != "",
		"cortex_api_key":  p.cfg.Integrations.CortexAPIKey != "",
		"misp_api_key":    p.cfg.Integrations.MISPAPIKey != "",
		"thehive_api_key": p.cfg.Integrations.TheHiveAPIKey != "",
		"slack_bot_token": p.cfg.HIL.SlackBotToken != "",
	}

	return &Effective{Fields: fields, Secrets: secrets, Readonly: p.readonly}
}

// NotifyOnEscalation reports whether escalations post a webhook notification.
func (p *Provider) NotifyOnEscalation() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.overrides.NotifyOnEscalation != nil {
		return *p.overrides.NotifyOnEscalation
	}
	return true
}

// NotifyOnVerdict reports whether every verdict posts a webhook notification.
func (p *Provider) NotifyOnVerdict() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.overrides.NotifyOnVerdict != nil {
		return *p.overrides.NotifyOnVerdict
	}
	return false
}

func mergeValues(base, update Values) Values {
	merged := base
	if update.LLMProvider != "" {
		merged.LLMProvider = update.LLMProvider
	}
	if update.LLMFastModel != "" {
		merged.LLMFastModel = update.LLMFastModel
	}
	if update.LLMReasoningModel != "" {
		merged.LLMReasoningModel = update.LLMReasoningModel
	}
	if update.WazuhURL != "" {
		merged.WazuhURL = update.WazuhURL
	}
	if update.CortexURL != "" {
		merged.CortexURL = update.CortexURL
	}
	if update.MISPURL != "" {
		merged.MISPURL = update.MISPURL
	}
	if update.TheHiveURL != "" {
		merged.TheHiveURL = update.TheHiveURL
	}
	if update.SlackChannel != "" {
		merged.SlackChannel = update.SlackChannel
	}
	if update.NotifyOnEscalation != nil {
		merged.NotifyOnEscalation = update.NotifyOnEscalation
	}
	if update.NotifyOnVerdict != nil {
		merged.NotifyOnVerdict = update.NotifyOnVerdict
	}
	return merged
}

func pick(override, envVal string) Field {
	if override != "" {
		return Field{Value: override, Source: SourceDB}
	}
	return Field{Value: envVal, Source: SourceEnv}
}

func pickBool(override *bool, envDefault bool) Field {
	if override != nil {
		return Field{Value: *override, Source: SourceDB}
	}
	return Field{Value: envDefault, Source: SourceEnv}
}
