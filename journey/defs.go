package journey

import "github.com/kizunalab/kizuna-server/metrics"

// Mode says how a requirement is satisfied.
type Mode string

const (
	// ModeAutomatic requirements are satisfied by measured facts (counts,
	// elapsed active days) from the activity source.
	ModeAutomatic Mode = "automatic"
	// ModeManual requirements are satisfied only by both parties
	// independently signing off.
	ModeManual Mode = "manual"
)

// RequirementDef describes one requirement within a stage.
type RequirementDef struct {
	Key      string
	Stage    Stage
	Label    string
	Mode     Mode
	Metric   string // metrics kind, automatic mode only
	Required int    // required count, automatic mode only
}

// Defs is an immutable requirement definition set indexed by stage and key.
type Defs struct {
	byStage map[Stage][]RequirementDef
	byKey   map[string]RequirementDef
}

// NewDefs builds a Defs from a definition list, applying any required-value
// overrides by key.
func NewDefs(list []RequirementDef, overrides map[string]int) *Defs {
	d := &Defs{
		byStage: make(map[Stage][]RequirementDef),
		byKey:   make(map[string]RequirementDef),
	}
	for _, def := range list {
		if v, ok := overrides[def.Key]; ok && def.Mode == ModeAutomatic && v > 0 {
			def.Required = v
		}
		d.byStage[def.Stage] = append(d.byStage[def.Stage], def)
		d.byKey[def.Key] = def
	}
	return d
}

// ForStage returns the requirement definitions registered for a stage.
func (d *Defs) ForStage(stage Stage) []RequirementDef {
	return d.byStage[stage]
}

// MetricKinds returns the distinct metric kinds referenced by automatic
// requirements.
func (d *Defs) MetricKinds() []string {
	seen := make(map[string]bool)
	var kinds []string
	for _, def := range d.byKey {
		if def.Mode != ModeAutomatic || seen[def.Metric] {
			continue
		}
		seen[def.Metric] = true
		kinds = append(kinds, def.Metric)
	}
	return kinds
}

// Get looks up a requirement definition by key.
func (d *Defs) Get(key string) (RequirementDef, bool) {
	def, ok := d.byKey[key]
	return def, ok
}

// DefaultDefs returns the shipped journey definition.
func DefaultDefs(overrides map[string]int) *Defs {
	return NewDefs([]RequirementDef{
		{
			Key: "gtk_active_days", Stage: StageGettingToKnow,
			Label: "7 days of daily conversation",
			Mode:  ModeAutomatic, Metric: metrics.KindActiveDays, Required: 7,
		},
		{
			Key: "gtk_met_in_person", Stage: StageGettingToKnow,
			Label: "Met in person",
			Mode:  ModeManual,
		},
		{
			Key: "trial_active_days", Stage: StageTrialPeriod,
			Label: "30 days of keeping in touch",
			Mode:  ModeAutomatic, Metric: metrics.KindActiveDays, Required: 30,
		},
		{
			Key: "trial_shared_activities", Stage: StageTrialPeriod,
			Label: "3 shared activities completed",
			Mode:  ModeAutomatic, Metric: metrics.KindShared, Required: 3,
		},
		{
			Key: "trial_family_visit", Stage: StageTrialPeriod,
			Label: "Visited each other's family",
			Mode:  ModeManual,
		},
		{
			Key: "trial_ceremony_consent", Stage: StageTrialPeriod,
			Label: "Agreed to hold the ceremony",
			Mode:  ModeManual,
		},
		{
			Key: "ceremony_held", Stage: StageOfficialCeremony,
			Label: "Held the bonding ceremony",
			Mode:  ModeManual,
		},
		{
			Key: "ceremony_family_blessing", Stage: StageOfficialCeremony,
			Label: "Received the family blessing",
			Mode:  ModeManual,
		},
		{
			Key: "family_active_days", Stage: StageFamilyLife,
			Label: "180 days of family life",
			Mode:  ModeAutomatic, Metric: metrics.KindActiveDays, Required: 180,
		},
		{
			Key: "family_first_review", Stage: StageFamilyLife,
			Label: "Completed the first family review",
			Mode:  ModeManual,
		},
	}, overrides)
}
