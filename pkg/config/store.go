package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/philipphaunstetter/n8n-analytics-sub002/pkg/stores"
	"github.com/philipphaunstetter/n8n-analytics-sub002/pkg/telemetry"
	"github.com/philipphaunstetter/n8n-analytics-sub002/pkg/vault"
)

// SecretMask replaces secret values in listings and audit entries.
const SecretMask = "********"

// SystemActor is recorded as changedBy for changes made by the process itself.
const SystemActor = "system"

// AuditMeta describes who made a config change and from where.
type AuditMeta struct {
	ChangedBy    string `validate:"required,max=255"`
	ChangeReason string `validate:"max=1024"`
	IPAddress    string `validate:"omitempty,ip"`
	UserAgent    string `validate:"max=512"`
}

// Item is a config item as shown to callers. Secret values are masked.
type Item struct {
	Key          string            `json:"key" yaml:"key"`
	Value        string            `json:"value" yaml:"value"`
	Type         stores.ConfigType `json:"type" yaml:"type"`
	Category     string            `json:"category" yaml:"category"`
	Description  string            `json:"description" yaml:"description"`
	IsSecret     bool              `json:"is_secret" yaml:"is_secret"`
	IsSystem     bool              `json:"is_system" yaml:"is_system"`
	Schema       string            `json:"schema,omitempty" yaml:"schema,omitempty"`
	DefaultValue string            `json:"default_value" yaml:"default_value"`
	UpdatedAt    time.Time         `json:"updated_at" yaml:"updated_at"`
}

// Category groups the items of one category.
type Category struct {
	Name  string `json:"name"`
	Items []Item `json:"items"`
}

// Store is the runtime settings store. Every successful mutation writes one
// audit entry in the same transaction as the value.
type Store struct {
	db       stores.Store
	vault    *vault.Vault
	schemas  *SchemaRegistry
	validate *validator.Validate
	logger   *telemetry.Logger
	metrics  *telemetry.Metrics
	events   *telemetry.EventPublisher
	now      func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger.
func WithLogger(l *telemetry.Logger) Option {
	return func(s *Store) { s.logger = l.NewComponentLogger("config") }
}

// WithMetrics records config changes.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(s *Store) { s.metrics = m }
}

// WithEvents publishes config.changed events.
func WithEvents(ep *telemetry.EventPublisher) Option {
	return func(s *Store) { s.events = ep }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// NewStore creates a config store on top of db. Secrets are encrypted with v.
func NewStore(db stores.Store, v *vault.Vault, opts ...Option) *Store {
	s := &Store{
		db:       db,
		vault:    v,
		schemas:  NewSchemaRegistry(),
		validate: validator.New(validator.WithRequiredStructEnabled()),
		logger:   telemetry.NopLogger(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Initialize migrates the database and seeds missing default items.
// It is safe to call on every start.
func (s *Store) Initialize(ctx context.Context) error {
	if err := s.db.Migrate(ctx); err != nil {
		return fmt.Errorf("failed to migrate config store: %w", err)
	}

	seeded := 0
	for _, def := range Defaults {
		_, err := s.db.GetConfigItem(ctx, def.Key)
		if err == nil {
			continue
		}
		if !errors.Is(err, stores.ErrNotFound) {
			return err
		}

		item, err := s.newItem(def, def.Default)
		if err != nil {
			return err
		}
		if err := s.db.InsertConfigItem(ctx, item); err != nil {
			return err
		}
		seeded++
	}

	if seeded > 0 {
		s.logger.Infof("seeded %d default config items", seeded)
	}
	return nil
}

func (s *Store) newItem(def Definition, value string) (*stores.ConfigItem, error) {
	if def.Schema != "" {
		if err := s.schemas.Compile(def.Schema); err != nil {
			return nil, &ValidationError{Key: def.Key, Reason: err.Error()}
		}
	}

	stored, err := s.seal(def.Secret, value)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	item := &stores.ConfigItem{
		Key:          def.Key,
		Value:        stored,
		Type:         def.Type,
		Category:     def.Category,
		Description:  def.Description,
		IsSecret:     def.Secret,
		IsSystem:     def.System,
		DefaultValue: def.Default,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if def.Schema != "" {
		schema := def.Schema
		item.Schema = &schema
	}
	return item, nil
}

// Get returns the plaintext value of key. ok is false when the key does not exist.
func (s *Store) Get(ctx context.Context, key string) (value string, ok bool, err error) {
	item, err := s.db.GetConfigItem(ctx, key)
	if err != nil {
		if errors.Is(err, stores.ErrNotFound) {
			return "", false, nil
		}
		return "", false, err
	}

	value, err = s.open(item)
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

// lookup returns the stored value of key, falling back to its seeded default.
func (s *Store) lookup(ctx context.Context, key string) (string, error) {
	value, ok, err := s.Get(ctx, key)
	if err != nil {
		return "", err
	}
	if ok {
		return value, nil
	}
	if def, found := DefinitionFor(key); found {
		return def.Default, nil
	}
	return "", fmt.Errorf("config item not found: %s: %w", key, stores.ErrNotFound)
}

// GetInt returns key as an integer.
func (s *Store) GetInt(ctx context.Context, key string) (int, error) {
	value, err := s.lookup(ctx, key)
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return 0, fmt.Errorf("config item %s is not an integer: %w", key, err)
	}
	return n, nil
}

// GetBool returns key as a boolean.
func (s *Store) GetBool(ctx context.Context, key string) (bool, error) {
	value, err := s.lookup(ctx, key)
	if err != nil {
		return false, err
	}
	b, err := strconv.ParseBool(strings.TrimSpace(value))
	if err != nil {
		return false, fmt.Errorf("config item %s is not a boolean: %w", key, err)
	}
	return b, nil
}

// GetDuration returns key as a count of unit, e.g. time.Minute for *_minutes keys.
func (s *Store) GetDuration(ctx context.Context, key string, unit time.Duration) (time.Duration, error) {
	n, err := s.GetInt(ctx, key)
	if err != nil {
		return 0, err
	}
	return time.Duration(n) * unit, nil
}

// GetJSON decodes key into dest.
func (s *Store) GetJSON(ctx context.Context, key string, dest interface{}) error {
	value, err := s.lookup(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(value), dest); err != nil {
		return fmt.Errorf("config item %s is not valid JSON: %w", key, err)
	}
	return nil
}

// Set validates value against the item's type and schema, stores it and
// records one audit entry.
func (s *Store) Set(ctx context.Context, key, value string, meta AuditMeta) error {
	if err := s.validate.Struct(meta); err != nil {
		return &ValidationError{Key: key, Reason: fmt.Sprintf("invalid audit metadata: %v", err)}
	}

	var category string
	err := s.db.WithTx(ctx, func(tx stores.Repository) error {
		item, err := tx.GetConfigItem(ctx, key)
		if err != nil {
			return err
		}
		category = item.Category

		normalized, err := s.check(item.Key, item.Type, schemaOf(item), value)
		if err != nil {
			return err
		}
		return s.write(ctx, tx, item, normalized, meta)
	})
	if err != nil {
		return err
	}

	s.changed(key, category, meta.ChangedBy)
	return nil
}

// write stores value on item and appends the audit entry. It runs inside tx.
func (s *Store) write(ctx context.Context, tx stores.Repository, item *stores.ConfigItem, value string, meta AuditMeta) error {
	stored, err := s.seal(item.IsSecret, value)
	if err != nil {
		return err
	}

	now := s.now().UTC()
	if err := tx.UpdateConfigValue(ctx, item.Key, stored, now); err != nil {
		return err
	}

	// Secrets are audited masked, so the old ciphertext is never opened.
	// An unreadable secret can still be overwritten.
	oldValue := s.mask(item.IsSecret, item.Value)
	entry := &stores.ConfigAuditEntry{
		ConfigKey:    item.Key,
		OldValue:     &oldValue,
		NewValue:     s.mask(item.IsSecret, value),
		ChangedBy:    meta.ChangedBy,
		ChangeReason: optional(meta.ChangeReason),
		IPAddress:    optional(meta.IPAddress),
		UserAgent:    optional(meta.UserAgent),
		Timestamp:    now,
	}
	return tx.InsertConfigAudit(ctx, entry)
}

// SetMany applies each value in its own transaction. The returned map holds
// the keys that were rejected; it is empty when every value was stored.
func (s *Store) SetMany(ctx context.Context, values map[string]string, meta AuditMeta) map[string]error {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	failed := make(map[string]error)
	for _, key := range keys {
		if err := s.Set(ctx, key, values[key], meta); err != nil {
			failed[key] = err
		}
	}
	return failed
}

// Categories lists every item grouped by category. Secret values are masked.
func (s *Store) Categories(ctx context.Context) ([]Category, error) {
	items, err := s.db.ListConfigItems(ctx)
	if err != nil {
		return nil, err
	}

	var categories []Category
	for _, item := range items {
		value := item.Value
		if item.IsSecret {
			value = s.mask(true, item.Value)
		}

		view := Item{
			Key:          item.Key,
			Value:        value,
			Type:         item.Type,
			Category:     item.Category,
			Description:  item.Description,
			IsSecret:     item.IsSecret,
			IsSystem:     item.IsSystem,
			Schema:       schemaOf(item),
			DefaultValue: item.DefaultValue,
			UpdatedAt:    item.UpdatedAt,
		}

		if n := len(categories); n == 0 || categories[n-1].Name != item.Category {
			categories = append(categories, Category{Name: item.Category})
		}
		last := &categories[len(categories)-1]
		last.Items = append(last.Items, view)
	}
	return categories, nil
}

// ResetToDefaults restores every seeded key whose value differs from its
// default. Each change is audited individually.
func (s *Store) ResetToDefaults(ctx context.Context, meta AuditMeta) ([]string, error) {
	if meta.ChangeReason == "" {
		meta.ChangeReason = "reset to default"
	}

	var (
		changed []string
		errs    []error
	)
	for _, def := range Defaults {
		item, err := s.db.GetConfigItem(ctx, def.Key)
		if err != nil {
			if !errors.Is(err, stores.ErrNotFound) {
				errs = append(errs, fmt.Errorf("%s: %w", def.Key, err))
			}
			continue
		}
		if s.atDefault(item, def.Default) {
			continue
		}
		if err := s.Set(ctx, def.Key, def.Default, meta); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", def.Key, err))
			continue
		}
		changed = append(changed, def.Key)
	}
	return changed, errors.Join(errs...)
}

// Upsert creates the item described by def when it is missing and otherwise
// replaces its value. Changes are audited as the system actor.
func (s *Store) Upsert(ctx context.Context, def Definition, value string) error {
	meta := AuditMeta{ChangedBy: SystemActor, ChangeReason: "upsert"}

	var (
		category string
		changed  bool
	)
	err := s.db.WithTx(ctx, func(tx stores.Repository) error {
		item, err := tx.GetConfigItem(ctx, def.Key)
		if errors.Is(err, stores.ErrNotFound) {
			normalized, err := s.check(def.Key, def.Type, def.Schema, value)
			if err != nil {
				return err
			}
			item, err := s.newItem(def, normalized)
			if err != nil {
				return err
			}
			if err := tx.InsertConfigItem(ctx, item); err != nil {
				return err
			}
			category, changed = def.Category, true
			return tx.InsertConfigAudit(ctx, &stores.ConfigAuditEntry{
				ConfigKey:    def.Key,
				NewValue:     s.mask(def.Secret, normalized),
				ChangedBy:    meta.ChangedBy,
				ChangeReason: optional("created"),
				Timestamp:    item.CreatedAt,
			})
		}
		if err != nil {
			return err
		}

		normalized, err := s.check(item.Key, item.Type, schemaOf(item), value)
		if err != nil {
			return err
		}
		current, err := s.open(item)
		if err != nil {
			return err
		}
		if current == normalized {
			return nil
		}
		category, changed = item.Category, true
		return s.write(ctx, tx, item, normalized, meta)
	})
	if err != nil {
		return err
	}

	if changed {
		s.changed(def.Key, category, meta.ChangedBy)
	}
	return nil
}

// History lists audit entries, oldest first.
func (s *Store) History(ctx context.Context, filter stores.AuditFilter) ([]*stores.ConfigAuditEntry, error) {
	return s.db.ListConfigAudit(ctx, filter)
}

// exportDocument is the YAML layout used by Export and Import.
type exportDocument struct {
	ExportedAt time.Time         `yaml:"exported_at"`
	Settings   map[string]string `yaml:"settings"`
}

// Export writes every non-secret value as YAML.
func (s *Store) Export(ctx context.Context, w io.Writer) error {
	items, err := s.db.ListConfigItems(ctx)
	if err != nil {
		return err
	}

	doc := exportDocument{
		ExportedAt: s.now().UTC(),
		Settings:   make(map[string]string, len(items)),
	}
	for _, item := range items {
		if item.IsSecret {
			continue
		}
		doc.Settings[item.Key] = item.Value
	}

	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(doc); err != nil {
		return fmt.Errorf("failed to encode config export: %w", err)
	}
	return enc.Close()
}

// Import applies a document written by Export. Values equal to the current
// value are skipped so that re-importing does not flood the audit log.
func (s *Store) Import(ctx context.Context, r io.Reader, meta AuditMeta) (map[string]error, error) {
	var doc exportDocument
	if err := yaml.NewDecoder(r).Decode(&doc); err != nil {
		return nil, fmt.Errorf("failed to decode config import: %w", err)
	}

	pending := make(map[string]string, len(doc.Settings))
	for key, value := range doc.Settings {
		current, ok, err := s.Get(ctx, key)
		if err != nil {
			return nil, err
		}
		if ok && current == value {
			continue
		}
		pending[key] = value
	}

	if meta.ChangeReason == "" {
		meta.ChangeReason = "import"
	}
	return s.SetMany(ctx, pending, meta), nil
}

// check parses value as typ and applies the CUE schema. It returns the
// normalized string that is stored.
func (s *Store) check(key string, typ stores.ConfigType, schema, value string) (string, error) {
	var (
		decoded    interface{}
		normalized = value
	)

	switch typ {
	case stores.ConfigTypeNumber:
		trimmed := strings.TrimSpace(value)
		if n, err := strconv.ParseInt(trimmed, 10, 64); err == nil {
			decoded = n
		} else if f, err := strconv.ParseFloat(trimmed, 64); err == nil {
			decoded = f
		} else {
			return "", &ValidationError{Key: key, Reason: fmt.Sprintf("%q is not a number", value)}
		}
		normalized = trimmed
	case stores.ConfigTypeBoolean:
		b, err := strconv.ParseBool(strings.TrimSpace(value))
		if err != nil {
			return "", &ValidationError{Key: key, Reason: fmt.Sprintf("%q is not a boolean", value)}
		}
		decoded = b
		normalized = strconv.FormatBool(b)
	case stores.ConfigTypeJSON:
		if err := json.Unmarshal([]byte(value), &decoded); err != nil {
			return "", &ValidationError{Key: key, Reason: fmt.Sprintf("invalid JSON: %v", err)}
		}
	case stores.ConfigTypeString:
		decoded = value
	default:
		return "", &ValidationError{Key: key, Reason: fmt.Sprintf("unknown config type %q", typ)}
	}

	if schema != "" {
		if err := s.schemas.Validate(schema, decoded); err != nil {
			return "", &ValidationError{Key: key, Reason: err.Error()}
		}
	}
	return normalized, nil
}

// seal encrypts secret values. Empty secrets stay empty.
func (s *Store) seal(secret bool, value string) (string, error) {
	if !secret || value == "" {
		return value, nil
	}
	if s.vault == nil {
		return "", fmt.Errorf("cannot store secret without a vault: %w", vault.ErrMissingMasterKey)
	}
	return s.vault.Encrypt(value)
}

// open decrypts the stored value of a secret item.
func (s *Store) open(item *stores.ConfigItem) (string, error) {
	if !item.IsSecret || item.Value == "" {
		return item.Value, nil
	}
	if s.vault == nil {
		return "", fmt.Errorf("cannot read secret without a vault: %w", vault.ErrMissingMasterKey)
	}
	return s.vault.Decrypt(item.Value)
}

// atDefault reports whether item holds def. A secret that cannot be
// decrypted is treated as changed so a reset replaces it.
func (s *Store) atDefault(item *stores.ConfigItem, def string) bool {
	if !item.IsSecret || item.Value == "" {
		return item.Value == def
	}
	plain, err := s.open(item)
	return err == nil && plain == def
}

func (s *Store) mask(secret bool, value string) string {
	if secret && value != "" {
		return SecretMask
	}
	return value
}

func (s *Store) changed(key, category, changedBy string) {
	s.logger.WithFields(map[string]interface{}{
		"key":        key,
		"changed_by": changedBy,
	}).Info("config changed")
	s.metrics.RecordConfigChange(category)
	_ = s.events.PublishConfigChanged(key, changedBy)
}

func schemaOf(item *stores.ConfigItem) string {
	if item.Schema == nil {
		return ""
	}
	return *item.Schema
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
