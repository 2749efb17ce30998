package cmd

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cast"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/airframesio/table-comparator/cmd/comparator"
)

// Catalog errors
var (
	ErrTableExists   = errors.New("table already exists in catalog")
	ErrTableNotFound = errors.New("table not found in catalog")
)

// TableSuggestion is the catalog's advice for one table.
type TableSuggestion struct {
	Name           string             `json:"table_name"`
	DisplayName    string             `json:"display_name"`
	SourcePK       []string           `json:"prod_primary_keys"`
	TargetPK       []string           `json:"dev_primary_keys"`
	IgnoredColumns []string           `json:"ignored_columns"`
	SourceKeyKind  comparator.KeyKind `json:"prod_key_kind"`
	TargetKeyKind  comparator.KeyKind `json:"dev_key_kind"`
}

// Catalog holds per-table key and ignored-column suggestions from the
// catalog.tables config section. It can be reloaded while jobs run.
type Catalog struct {
	mu             sync.RWMutex
	tables         map[string]TableSuggestion
	defaultIgnored []string
}

func newCatalog() *Catalog {
	return &Catalog{tables: make(map[string]TableSuggestion)}
}

func catalogKey(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// Load replaces the catalog contents with raw, a map of table name to
// settings. primary_keys and key_kind set both sides; the prod_ and dev_
// variants override one side each.
func (c *Catalog) Load(raw interface{}) error {
	tables := make(map[string]TableSuggestion)
	if raw != nil {
		entries, err := cast.ToStringMapE(raw)
		if err != nil {
			return fmt.Errorf("catalog.tables must be a map: %w", err)
		}
		for name, entry := range entries {
			s, err := decodeSuggestion(name, entry)
			if err != nil {
				return fmt.Errorf("catalog entry %s: %w", name, err)
			}
			tables[catalogKey(name)] = s
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.tables = tables
	return nil
}

func decodeSuggestion(name string, raw interface{}) (TableSuggestion, error) {
	settings, err := cast.ToStringMapE(raw)
	if err != nil {
		return TableSuggestion{}, err
	}
	kind, err := comparator.ParseKeyKind(cast.ToString(settings["key_kind"]))
	if err != nil {
		return TableSuggestion{}, err
	}
	sourceKind, targetKind := kind, kind
	if v := cast.ToString(settings["prod_key_kind"]); v != "" {
		if sourceKind, err = comparator.ParseKeyKind(v); err != nil {
			return TableSuggestion{}, fmt.Errorf("prod_key_kind: %w", err)
		}
	}
	if v := cast.ToString(settings["dev_key_kind"]); v != "" {
		if targetKind, err = comparator.ParseKeyKind(v); err != nil {
			return TableSuggestion{}, fmt.Errorf("dev_key_kind: %w", err)
		}
	}

	keys := stringList(settings["primary_keys"], comparator.ParsePrimaryKeys)
	s := TableSuggestion{
		Name:           name,
		DisplayName:    cast.ToString(settings["display_name"]),
		SourcePK:       keys,
		TargetPK:       keys,
		IgnoredColumns: stringList(settings["ignored_columns"], comparator.ParseIgnoredColumns),
		SourceKeyKind:  sourceKind,
		TargetKeyKind:  targetKind,
	}
	if pk := stringList(settings["prod_primary_keys"], comparator.ParsePrimaryKeys); len(pk) > 0 {
		s.SourcePK = pk
	}
	if pk := stringList(settings["dev_primary_keys"], comparator.ParsePrimaryKeys); len(pk) > 0 {
		s.TargetPK = pk
	}
	return s, nil
}

// SetDefaultIgnored sets the ignored columns suggested for tables the
// catalog does not know.
func (c *Catalog) SetDefaultIgnored(columns []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.defaultIgnored = append([]string(nil), columns...)
}

// Lookup finds a table case-insensitively, falling back to the name without
// its schema prefix.
func (c *Catalog) Lookup(name string) (TableSuggestion, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	key := catalogKey(name)
	if s, ok := c.tables[key]; ok {
		return s, true
	}
	if i := strings.LastIndex(key, "."); i >= 0 {
		s, ok := c.tables[key[i+1:]]
		return s, ok
	}
	return TableSuggestion{}, false
}

// Suggest returns the catalog entry for name, or a default suggestion keyed
// on "id" when the table is unknown. found reports which one it is.
func (c *Catalog) Suggest(name string) (s TableSuggestion, found bool) {
	if s, ok := c.Lookup(name); ok {
		return s, true
	}

	c.mu.RLock()
	ignored := append([]string(nil), c.defaultIgnored...)
	c.mu.RUnlock()

	display := strings.TrimSpace(name)
	if i := strings.LastIndex(display, "."); i >= 0 {
		display = display[i+1:]
	}
	return TableSuggestion{
		Name:           strings.TrimSpace(name),
		DisplayName:    display,
		SourcePK:       []string{comparator.DefaultPrimaryKey},
		TargetPK:       []string{comparator.DefaultPrimaryKey},
		IgnoredColumns: ignored,
		SourceKeyKind:  comparator.KeyKindAuto,
		TargetKeyKind:  comparator.KeyKindAuto,
	}, false
}

// Tables returns every suggestion sorted by name.
func (c *Catalog) Tables() []TableSuggestion {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]TableSuggestion, 0, len(c.tables))
	for _, s := range c.tables {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Add inserts a new entry.
func (c *Catalog) Add(s TableSuggestion) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := catalogKey(s.Name)
	if _, ok := c.tables[key]; ok {
		return fmt.Errorf("%w: %s", ErrTableExists, s.Name)
	}
	c.tables[key] = s
	return nil
}

// Update replaces the entry called name. The entry may be renamed.
func (c *Catalog) Update(name string, s TableSuggestion) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	oldKey, newKey := catalogKey(name), catalogKey(s.Name)
	if _, ok := c.tables[oldKey]; !ok {
		return fmt.Errorf("%w: %s", ErrTableNotFound, name)
	}
	if _, ok := c.tables[newKey]; ok && newKey != oldKey {
		return fmt.Errorf("%w: %s", ErrTableExists, s.Name)
	}
	delete(c.tables, oldKey)
	c.tables[newKey] = s
	return nil
}

// Remove deletes the entry called name.
func (c *Catalog) Remove(name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := catalogKey(name)
	if _, ok := c.tables[key]; !ok {
		return fmt.Errorf("%w: %s", ErrTableNotFound, name)
	}
	delete(c.tables, key)
	return nil
}

// Raw returns the catalog in the shape Load reads, for writing back to the
// config file.
func (c *Catalog) Raw() map[string]interface{} {
	out := make(map[string]interface{})
	for _, s := range c.Tables() {
		entry := map[string]interface{}{
			"prod_primary_keys": strings.Join(s.SourcePK, ", "),
			"dev_primary_keys":  strings.Join(s.TargetPK, ", "),
			"ignored_columns":   strings.Join(s.IgnoredColumns, " | "),
		}
		if s.DisplayName != "" {
			entry["display_name"] = s.DisplayName
		}
		if s.SourceKeyKind != comparator.KeyKindAuto {
			entry["prod_key_kind"] = s.SourceKeyKind.String()
		}
		if s.TargetKeyKind != comparator.KeyKindAuto {
			entry["dev_key_kind"] = s.TargetKeyKind.String()
		}
		out[s.Name] = entry
	}
	return out
}

// Apply fills the display name, key columns, key kinds and ignored columns
// the pair leaves empty. Explicit pair settings always win.
func (c *Catalog) Apply(pair comparator.TablePairConfig) comparator.TablePairConfig {
	if s, ok := c.Lookup(pair.SourceTable); ok {
		if pair.DisplayName == "" {
			pair.DisplayName = s.DisplayName
		}
		if len(pair.SourcePK) == 0 {
			pair.SourcePK = append([]string(nil), s.SourcePK...)
		}
		if pair.SourceKeyKind == comparator.KeyKindAuto {
			pair.SourceKeyKind = s.SourceKeyKind
		}
		if len(pair.IgnoredColumns) == 0 {
			pair.IgnoredColumns = append([]string(nil), s.IgnoredColumns...)
		}
	}
	if s, ok := c.Lookup(pair.TargetTable); ok {
		if len(pair.TargetPK) == 0 {
			pair.TargetPK = append([]string(nil), s.TargetPK...)
		}
		if pair.TargetKeyKind == comparator.KeyKindAuto {
			pair.TargetKeyKind = s.TargetKeyKind
		}
	}
	return pair
}

// ApplyAll runs Apply over every pair.
func (c *Catalog) ApplyAll(pairs []comparator.TablePairConfig) []comparator.TablePairConfig {
	out := make([]comparator.TablePairConfig, len(pairs))
	for i, pair := range pairs {
		out[i] = c.Apply(pair)
	}
	return out
}

// loadCatalog builds a catalog from the catalog config section.
func loadCatalog(v *viper.Viper) (*Catalog, error) {
	catalog := newCatalog()
	catalog.SetDefaultIgnored(stringList(v.Get("catalog.default_ignored_columns"), comparator.ParseIgnoredColumns))
	return catalog, catalog.Load(v.Get("catalog.tables"))
}

// saveCatalog writes the catalog back to the config file in use. Without a
// config file changes only live in memory.
func saveCatalog(v *viper.Viper, catalog *Catalog) error {
	if v.ConfigFileUsed() == "" {
		return nil
	}
	v.Set("catalog.tables", catalog.Raw())
	if err := v.WriteConfig(); err != nil {
		return fmt.Errorf("failed to save table catalog: %w", err)
	}
	return nil
}

// watchCatalog reloads the catalog whenever the config file changes on disk.
func watchCatalog(v *viper.Viper, catalog *Catalog) {
	if v.ConfigFileUsed() == "" {
		return
	}
	v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		if err := catalog.Load(v.Get("catalog.tables")); err != nil {
			logger.Warn(fmt.Sprintf("⚠️  Failed to reload table catalog from %s: %v", e.Name, err))
			return
		}
		logger.Info(fmt.Sprintf("🔄 Reloaded table catalog (%d tables)", len(catalog.Tables())))
	})
	v.WatchConfig()
}

var tablesCmd = &cobra.Command{
	Use:   "tables",
	Short: "List the table catalog",
	Long:  `Lists the tables in the catalog.tables config section with their suggested primary keys and ignored columns.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		catalog, err := loadCatalog(viper.GetViper())
		if err != nil {
			return err
		}
		printCatalog(cmd, catalog.Tables())
		return nil
	},
}

func printCatalog(cmd *cobra.Command, tables []TableSuggestion) {
	out := cmd.OutOrStdout()
	if len(tables) == 0 {
		fmt.Fprintln(out, infoStyle.Render("No tables in catalog.tables"))
		return
	}

	fmt.Fprintln(out, titleStyle.Render("Table catalog"))
	for _, t := range tables {
		if t.DisplayName != "" {
			fmt.Fprintf(out, "  %s (%s)\n", t.Name, t.DisplayName)
		} else {
			fmt.Fprintf(out, "  %s\n", t.Name)
		}
		fmt.Fprintf(out, "      prod keys: %s (%s)\n", strings.Join(orNone(t.SourcePK), ", "), t.SourceKeyKind)
		fmt.Fprintf(out, "      dev keys:  %s (%s)\n", strings.Join(orNone(t.TargetPK), ", "), t.TargetKeyKind)
		fmt.Fprintf(out, "      ignored:   %s\n", strings.Join(orNone(t.IgnoredColumns), ", "))
	}
}

func orNone(values []string) []string {
	if len(values) == 0 {
		return []string{"-"}
	}
	return values
}
