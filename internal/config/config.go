package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"watchkeeper/internal/domain"
)

// Config models watchkeeper.yml.
type Config struct {
	Vessel struct {
		ID   string `yaml:"id"`
		Name string `yaml:"name"`
	} `yaml:"vessel"`
	Taxonomy struct {
		Domains map[string]domain.DomainInfo `yaml:"domains"`
	} `yaml:"taxonomy"`
	Assembly    Assembly `yaml:"assembly"`
	Export      Export   `yaml:"export"`
	Signatories struct {
		OutgoingRoles []string `yaml:"outgoing_roles"`
		IncomingRoles []string `yaml:"incoming_roles"`
	} `yaml:"signatories"`
	RBAC struct {
		Roles map[string]RBACRole `yaml:"roles"`
	} `yaml:"rbac"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

type Assembly struct {
	WindowDays               int     `yaml:"window_days"`
	DuplicateThreshold       float64 `yaml:"duplicate_threshold"`
	LockWaitSeconds          int     `yaml:"lock_wait_seconds"`
	LockTTLSeconds           int     `yaml:"lock_ttl_seconds"`
	ClassifierTimeoutSeconds int     `yaml:"classifier_timeout_seconds"`
	SummaryConcurrency       int     `yaml:"summary_concurrency"`
}

type Export struct {
	IdempotencyBucketSeconds int `yaml:"idempotency_bucket_seconds"`
}

type RBACRole struct {
	Description string   `yaml:"description"`
	Permissions []string `yaml:"permissions"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events"`
	Secret         string   `yaml:"secret"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
}

// Permissions checked by the engine.
const (
	PermEntryCreate   = "entry.create"
	PermEntryTriage   = "entry.triage"
	PermEntryRead     = "entry.read"
	PermDraftGenerate = "draft.generate"
	PermDraftRead     = "draft.read"
	PermDraftReview   = "draft.review"
	PermDraftSign     = "draft.sign"
	PermDraftExport   = "draft.export"
	PermEventsRead    = "events.read"
)

var knownPermissions = map[string]struct{}{
	PermEntryCreate: {}, PermEntryTriage: {}, PermEntryRead: {},
	PermDraftGenerate: {}, PermDraftRead: {}, PermDraftReview: {},
	PermDraftSign: {}, PermDraftExport: {}, PermEventsRead: {},
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with wk config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if len(c.Taxonomy.Domains) == 0 {
		return fmt.Errorf("config.taxonomy.domains is required")
	}
	for code, def := range c.Taxonomy.Domains {
		if strings.TrimSpace(code) == "" {
			return fmt.Errorf("config.taxonomy.domains contains empty code")
		}
		if !domain.ValidBucket(def.Bucket) {
			return fmt.Errorf("domain %s has unknown bucket %q", code, def.Bucket)
		}
		if def.Bucket == domain.BucketCommand {
			return fmt.Errorf("domain %s cannot map to the reserved %s bucket", code, domain.BucketCommand)
		}
	}
	a := c.Assembly
	if a.DuplicateThreshold <= 0 || a.DuplicateThreshold > 1 {
		return fmt.Errorf("config.assembly.duplicate_threshold must be in (0,1]")
	}
	if a.WindowDays <= 0 {
		return fmt.Errorf("config.assembly.window_days must be positive")
	}
	if a.LockWaitSeconds < 0 || a.LockTTLSeconds <= 0 {
		return fmt.Errorf("config.assembly lock settings are invalid")
	}
	if a.ClassifierTimeoutSeconds <= 0 {
		return fmt.Errorf("config.assembly.classifier_timeout_seconds must be positive")
	}
	if c.Export.IdempotencyBucketSeconds <= 0 {
		return fmt.Errorf("config.export.idempotency_bucket_seconds must be positive")
	}
	if len(c.Signatories.OutgoingRoles) == 0 || len(c.Signatories.IncomingRoles) == 0 {
		return fmt.Errorf("config.signatories requires outgoing_roles and incoming_roles")
	}
	for roleID, role := range c.RBAC.Roles {
		if roleID == "" {
			return fmt.Errorf("config.rbac.roles contains empty role id")
		}
		for _, perm := range role.Permissions {
			if _, ok := knownPermissions[perm]; !ok {
				return fmt.Errorf("role %s has unknown permission %q", roleID, perm)
			}
		}
	}
	for i, hook := range c.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
	}
	return nil
}

// BucketFor returns the presentation bucket of a domain code.
func (c *Config) BucketFor(code string) (string, bool) {
	def, ok := c.Taxonomy.Domains[code]
	if !ok {
		return "", false
	}
	return def.Bucket, true
}

// BucketMap returns code → bucket for the whole taxonomy.
func (c *Config) BucketMap() map[string]string {
	out := make(map[string]string, len(c.Taxonomy.Domains))
	for code, def := range c.Taxonomy.Domains {
		out[code] = def.Bucket
	}
	return out
}

// DomainCodes returns the configured codes in sorted order.
func (c *Config) DomainCodes() []string {
	codes := make([]string, 0, len(c.Taxonomy.Domains))
	for code := range c.Taxonomy.Domains {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	return codes
}

// RolePermissions returns the permissions granted to role.
func (c *Config) RolePermissions(role string) []string {
	if c == nil {
		return nil
	}
	r, ok := c.RBAC.Roles[role]
	if !ok {
		return nil
	}
	return r.Permissions
}

func (c *Config) IsOutgoingRole(role string) bool {
	return contains(c.Signatories.OutgoingRoles, role)
}

func (c *Config) IsIncomingRole(role string) bool {
	return contains(c.Signatories.IncomingRoles, role)
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "watchkeeper.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(vesselID string) string {
	return fmt.Sprintf(defaultTemplate, vesselID)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct for a vessel.
func Default(vesselID string) *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(fmt.Sprintf(defaultTemplate, vesselID))).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Missing
// assembly and export settings fall back to the defaults.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default("")
	cfg.Taxonomy.Domains = nil
	cfg.RBAC.Roles = nil
	cfg.Webhooks = nil
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `vessel:
  id: "%s"

taxonomy:
  domains:
    ENG-01: {name: "Main Propulsion", bucket: "Engineering"}
    ENG-02: {name: "Power Generation", bucket: "Engineering"}
    ENG-03: {name: "HVAC & Refrigeration", bucket: "Engineering"}
    ENG-04: {name: "Fuel & Lube Systems", bucket: "Engineering"}
    ENG-05: {name: "Fresh Water & Sewage", bucket: "Engineering"}
    ENG-06: {name: "Hydraulics & Stabilisers", bucket: "Engineering"}
    ETO-01: {name: "Navigation Electronics", bucket: "ETO/AV-IT"}
    ETO-02: {name: "Communications & Satcom", bucket: "ETO/AV-IT"}
    ETO-03: {name: "AV & Entertainment", bucket: "ETO/AV-IT"}
    ETO-04: {name: "IT & Networks", bucket: "ETO/AV-IT"}
    ETO-05: {name: "Electrical Distribution", bucket: "ETO/AV-IT"}
    DECK-01: {name: "Tenders & Toys", bucket: "Deck"}
    DECK-02: {name: "Mooring & Anchoring", bucket: "Deck"}
    DECK-03: {name: "Exterior Maintenance", bucket: "Deck"}
    DECK-04: {name: "Lifesaving & Firefighting Equipment", bucket: "Deck"}
    DECK-05: {name: "Cranes & Davits", bucket: "Deck"}
    INT-01: {name: "Guest Services", bucket: "Interior"}
    INT-02: {name: "Housekeeping & Laundry", bucket: "Interior"}
    INT-03: {name: "Galley", bucket: "Interior"}
    INT-04: {name: "Provisioning & Stores", bucket: "Interior"}
    ADM-01: {name: "Crew & Certification", bucket: "Admin & Compliance"}
    ADM-02: {name: "Flag & Class Compliance", bucket: "Admin & Compliance"}
    ADM-03: {name: "Port & Customs", bucket: "Admin & Compliance"}
    ADM-04: {name: "Finance & Procurement", bucket: "Admin & Compliance"}
    ADM-05: {name: "Hours of Rest", bucket: "Admin & Compliance"}

assembly:
  window_days: 30
  duplicate_threshold: 0.85
  lock_wait_seconds: 5
  lock_ttl_seconds: 60
  classifier_timeout_seconds: 5
  summary_concurrency: 4

export:
  idempotency_bucket_seconds: 60

signatories:
  outgoing_roles: [captain, chief_officer, chief_engineer, eto, chief_stew, purser]
  incoming_roles: [captain, chief_officer, chief_engineer, eto, chief_stew, purser]

rbac:
  roles:
    captain:
      description: "Master; full handover authority"
      permissions: [entry.create, entry.triage, entry.read, draft.generate, draft.read, draft.review, draft.sign, draft.export, events.read]
    chief_officer:
      description: "Deck head of department"
      permissions: [entry.create, entry.triage, entry.read, draft.generate, draft.read, draft.review, draft.sign, draft.export, events.read]
    chief_engineer:
      description: "Engineering head of department"
      permissions: [entry.create, entry.triage, entry.read, draft.generate, draft.read, draft.review, draft.sign, draft.export, events.read]
    eto:
      description: "Electro-technical officer"
      permissions: [entry.create, entry.triage, entry.read, draft.generate, draft.read, draft.review, draft.sign, draft.export]
    chief_stew:
      description: "Interior head of department"
      permissions: [entry.create, entry.triage, entry.read, draft.generate, draft.read, draft.review, draft.sign, draft.export]
    purser:
      description: "Admin and compliance"
      permissions: [entry.create, entry.triage, entry.read, draft.generate, draft.read, draft.review, draft.sign, draft.export, events.read]
    crew:
      description: "Crew member; records observations"
      permissions: [entry.create, entry.read, draft.read]
    ingest:
      description: "Ingestion service account"
      permissions: [entry.create, entry.read]
`
