package rules

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	sigma "github.com/bradleyjkemp/sigma-go"
	sigmaevaluator "github.com/bradleyjkemp/sigma-go/evaluator"

	"behaviorwatch/internal/logger"
	"behaviorwatch/pkg/models"
)

// SigmaConfig controls how Sigma rules are loaded and how their matches become alerts.
type SigmaConfig struct {
	// Path is a rule file or a directory searched recursively for .yml/.yaml files.
	Path string
	// Sources maps a signal source (e.g. "winlogbeat") to the logsource product
	// its events belong to. Unmapped sources are looked up under their own name.
	Sources map[string]string
	// AlertType is used when neither the rule nor its logsource category implies one.
	AlertType models.AlertType
	// Source names the alert origin when a signal carries no host.
	Source string
}

// SigmaLoadStats counts rule files by outcome. Skipped is keyed by reason.
type SigmaLoadStats struct {
	Files    int
	Loaded   int
	Products map[string]int
	Skipped  map[string]int
}

// SkippedTotal returns the number of rule files that were not loaded.
func (s SigmaLoadStats) SkippedTotal() int {
	n := 0
	for _, c := range s.Skipped {
		n += c
	}
	return n
}

// categoryTypes maps Sigma logsource categories to alert domains.
var categoryTypes = map[string]models.AlertType{
	"antivirus":          models.AlertMalware,
	"network_connection": models.AlertNetwork,
	"firewall":           models.AlertNetwork,
	"dns":                models.AlertNetwork,
	"dns_query":          models.AlertNetwork,
	"proxy":              models.AlertNetwork,
}

// signalRule is a compiled rule with its alert fields resolved at load time.
type signalRule struct {
	id        string
	title     string
	severity  models.Severity
	alertType models.AlertType
	tactic    string
	technique string
	eval      *sigmaevaluator.RuleEvaluator
}

// SigmaEngine turns raw signals into alert inputs using single-event Sigma rules.
// Rules are indexed by logsource product so a signal is only evaluated against
// rules for its own source plus the product-agnostic ones.
type SigmaEngine struct {
	cfg       SigmaConfig
	byProduct map[string][]*signalRule
	generic   []*signalRule
	loaded    int
}

// NewSigmaEngine loads and compiles the rules under cfg.Path.
func NewSigmaEngine(cfg SigmaConfig) (*SigmaEngine, SigmaLoadStats, error) {
	stats := SigmaLoadStats{Products: map[string]int{}, Skipped: map[string]int{}}
	if cfg.AlertType == "" {
		cfg.AlertType = models.AlertIDS
	}
	if !cfg.AlertType.Valid() {
		return nil, stats, fmt.Errorf("invalid signal alert type %q", cfg.AlertType)
	}
	if cfg.Source == "" {
		cfg.Source = "signal-detector"
	}
	sources := make(map[string]string, len(cfg.Sources))
	for k, v := range cfg.Sources {
		sources[normalize(k)] = normalize(v)
	}
	cfg.Sources = sources

	files, err := ruleFiles(cfg.Path)
	if err != nil {
		return nil, stats, err
	}
	stats.Files = len(files)

	e := &SigmaEngine{cfg: cfg, byProduct: make(map[string][]*signalRule)}
	for _, file := range files {
		rule, err := readSigmaRule(file)
		if err != nil {
			logger.Debugf("Skipping sigma rule %s: %v", file, err)
			stats.Skipped["invalid"]++
			continue
		}
		compiled, reason := e.compile(rule)
		if reason != "" {
			stats.Skipped[reason]++
			continue
		}
		product := normalize(rule.Logsource.Product)
		if product == "" {
			e.generic = append(e.generic, compiled)
			product = "any"
		} else {
			e.byProduct[product] = append(e.byProduct[product], compiled)
		}
		stats.Products[product]++
		stats.Loaded++
	}
	e.loaded = stats.Loaded
	return e, stats, nil
}

// ruleFiles lists the YAML files at path in lexical order.
func ruleFiles(path string) ([]string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("sigma rule path: %w", err)
	}
	if !info.IsDir() {
		if !isYAMLFile(path) {
			return nil, fmt.Errorf("sigma rule file %s is not .yml or .yaml", path)
		}
		return []string{path}, nil
	}

	var files []string
	err = fs.WalkDir(os.DirFS(path), ".", func(name string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && isYAMLFile(name) {
			files = append(files, filepath.Join(path, filepath.FromSlash(name)))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk sigma rules in %s: %w", path, err)
	}
	sort.Strings(files)
	return files, nil
}

func isYAMLFile(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yml", ".yaml":
		return true
	}
	return false
}

func readSigmaRule(path string) (sigma.Rule, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return sigma.Rule{}, err
	}
	return sigma.ParseRule(raw)
}

// compile resolves the alert fields of rule. A non-empty reason means the rule
// cannot be used.
func (e *SigmaEngine) compile(rule sigma.Rule) (*signalRule, string) {
	if reason := unsupported(rule.Detection); reason != "" {
		return nil, reason
	}

	alertType := e.cfg.AlertType
	if t, ok := categoryTypes[normalize(rule.Logsource.Category)]; ok {
		alertType = t
	}
	if raw, ok := rule.AdditionalFields["alert_type"]; ok {
		t := models.AlertType(normalize(fmt.Sprint(raw)))
		if !t.Valid() {
			return nil, "alert_type"
		}
		alertType = t
	}

	severity, ok := models.ParseSeverity(rule.Level)
	if !ok {
		severity = models.SeverityMedium
	}

	id := strings.TrimSpace(rule.ID)
	title := strings.TrimSpace(rule.Title)
	if id == "" {
		id = title
	}
	if title == "" {
		title = id
	}
	tactics, techniques := attackTags(rule.Tags)

	return &signalRule{
		id:        id,
		title:     title,
		severity:  severity,
		alertType: alertType,
		tactic:    strings.Join(tactics, ","),
		technique: strings.Join(techniques, ","),
		eval:      sigmaevaluator.ForRule(rule),
	}, ""
}

// unsupported reports why a detection needs more than one event or a feature
// the evaluator lacks.
func unsupported(d sigma.Detection) string {
	if d.Timeframe > 0 {
		return "timeframe"
	}
	for _, s := range d.Searches {
		if len(s.Keywords) > 0 {
			return "keywords"
		}
	}
	for _, c := range d.Conditions {
		if c.Aggregation != nil {
			return "aggregation"
		}
		if !evaluable(c.Search) {
			return "condition"
		}
	}
	return ""
}

func evaluable(expr sigma.SearchExpr) bool {
	var children []sigma.SearchExpr
	switch x := expr.(type) {
	case sigma.SearchIdentifier, sigma.OneOfThem, sigma.AllOfThem, sigma.OneOfPattern, sigma.AllOfPattern:
		return true
	case sigma.Not:
		return evaluable(x.Expr)
	case sigma.And:
		children = x
	case sigma.Or:
		children = x
	default:
		return false
	}
	for _, c := range children {
		if !evaluable(c) {
			return false
		}
	}
	return true
}

var attackIDPattern = regexp.MustCompile(`^[tgs]\d{4}(\.\d{3})?$`)

// attackTags splits ATT&CK tags into tactic names and technique ids.
// Group and software references are dropped.
func attackTags(tags []string) (tactics, techniques []string) {
	for _, raw := range tags {
		name, ok := strings.CutPrefix(normalize(raw), "attack.")
		if !ok || name == "" {
			continue
		}
		if attackIDPattern.MatchString(name) {
			if name[0] == 't' {
				techniques = append(techniques, strings.ToUpper(name))
			}
			continue
		}
		tactics = append(tactics, strings.ReplaceAll(name, "_", "-"))
	}
	return tactics, techniques
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// Len returns the number of loaded rules.
func (e *SigmaEngine) Len() int {
	if e == nil {
		return 0
	}
	return e.loaded
}

func (e *SigmaEngine) candidates(source string) []*signalRule {
	product := normalize(source)
	if mapped, ok := e.cfg.Sources[product]; ok {
		product = mapped
	}
	keyed := e.byProduct[product]
	out := make([]*signalRule, 0, len(keyed)+len(e.generic))
	out = append(out, keyed...)
	return append(out, e.generic...)
}

// Detect returns one alert input per rule matching sig.
func (e *SigmaEngine) Detect(sig *models.Signal) []models.AlertInput {
	if e == nil || sig == nil {
		return nil
	}
	rules := e.candidates(sig.Source)
	if len(rules) == 0 {
		return nil
	}

	event := make(map[string]interface{}, len(sig.Fields)+1)
	for k, v := range sig.Fields {
		event[k] = v
	}
	if _, ok := event["EventID"]; !ok && sig.EventID != 0 {
		event["EventID"] = sig.EventID
	}

	origin := sig.Host
	if origin == "" {
		origin = e.cfg.Source
	}

	var out []models.AlertInput
	for _, r := range rules {
		res, err := r.eval.Matches(context.Background(), event)
		if err != nil {
			logger.Debugf("Sigma rule %s failed on signal from %s: %v", r.id, sig.Source, err)
			continue
		}
		if res.Match {
			out = append(out, r.alert(sig, origin))
		}
	}
	return out
}

func (r *signalRule) alert(sig *models.Signal, origin string) models.AlertInput {
	meta := map[string]interface{}{"rule_id": r.id}
	if r.tactic != "" {
		meta["tactic"] = r.tactic
	}
	if r.technique != "" {
		meta["technique"] = r.technique
	}
	if sig.EventID != 0 {
		meta["event_id"] = sig.EventID
	}
	if sig.Source != "" {
		meta["signal_source"] = sig.Source
	}
	return models.AlertInput{
		Type:     r.alertType,
		Severity: r.severity,
		Title:    r.title,
		Message:  fmt.Sprintf("Sigma rule %q matched an event from %s", r.title, origin),
		Source:   origin,
		Metadata: meta,
	}
}
