package prompt

// Mode selects how a stage assigns prompts to records.
type Mode string

const (
	// ModeSingle renders the same template for every record.
	ModeSingle Mode = "single"
	// ModeMapped selects the template per record from the value of a column.
	ModeMapped Mode = "mapped"
	// ModeExpanded expands each record into one row per sub-prompt of an
	// expansion rule, selected per record by a category column.
	ModeExpanded Mode = "expanded"
)

// Config is the tagged-variant prompt configuration of one pipeline stage.
// Which fields apply depends on Mode; Validate resolves every reference once,
// before any job is submitted.
type Config struct {
	Mode Mode `json:"mode"`

	// single
	PromptID string `json:"prompt_id,omitempty"`

	// mapped: the named column holds a template id per record.
	ColumnName string `json:"column_name,omitempty"`

	// expanded: the category column selects an expansion rule.
	CategoryColumn   string            `json:"category_column,omitempty"`
	ExpansionMapping map[string]string `json:"expansion_mapping,omitempty"`
}

// Validate returns all reference errors in the config against the registry.
// Mirrors the fail-fast contract: submission has real monetary cost, so a
// dangling prompt id must be caught here, never per record.
func (c Config) Validate(reg *Registry, stageName string) []string {
	var errs []string
	switch c.Mode {
	case ModeSingle:
		if c.PromptID == "" {
			errs = append(errs, stageName+": 'prompt_id' is required for single mode")
			break
		}
		if reg.IsExpansion(c.PromptID) {
			errs = append(errs, stageName+": '"+c.PromptID+"' is an expansion rule, not a prompt template")
		} else if _, ok := reg.Get(c.PromptID); !ok {
			errs = append(errs, stageName+": prompt '"+c.PromptID+"' not found")
		}
	case ModeMapped:
		if c.ColumnName == "" {
			errs = append(errs, stageName+": 'column_name' is required for mapped mode")
		}
	case ModeExpanded:
		if c.CategoryColumn == "" {
			errs = append(errs, stageName+": 'category_column' is required for expanded mode")
		}
		if len(c.ExpansionMapping) == 0 {
			errs = append(errs, stageName+": 'expansion_mapping' is required for expanded mode")
			break
		}
		for _, ruleID := range c.ExpansionMapping {
			if !reg.IsExpansion(ruleID) {
				if _, ok := reg.Get(ruleID); ok {
					errs = append(errs, stageName+": '"+ruleID+"' is not an expansion rule")
				} else {
					errs = append(errs, stageName+": expansion rule '"+ruleID+"' not found")
				}
				continue
			}
			for _, e := range reg.ValidateExpansionRule(ruleID) {
				errs = append(errs, stageName+": "+e)
			}
		}
	default:
		errs = append(errs, stageName+": invalid prompt_config mode '"+string(c.Mode)+"'")
	}
	return errs
}

// ExpansionMultiplier estimates how many prompt rows one input record yields.
// 1.0 for single and mapped; the average rule size for expanded. High
// multipliers get a validation warning since they multiply job cost.
func (c Config) ExpansionMultiplier(reg *Registry) float64 {
	if c.Mode != ModeExpanded || len(c.ExpansionMapping) == 0 {
		return 1.0
	}
	total, valid := 0, 0
	for _, ruleID := range c.ExpansionMapping {
		rule, ok := reg.GetExpansion(ruleID)
		if !ok {
			continue
		}
		total += len(rule.Prompts)
		valid++
	}
	if valid == 0 {
		return 1.0
	}
	return float64(total) / float64(valid)
}
