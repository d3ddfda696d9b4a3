package journey

// Stage is one ordered phase of a relationship's journey. The set is closed
// and strictly ordered; a relationship only ever moves forward through it.
type Stage string

const (
	StageGettingToKnow    Stage = "getting_to_know"
	StageTrialPeriod      Stage = "trial_period"
	StageOfficialCeremony Stage = "official_ceremony"
	StageFamilyLife       Stage = "family_life"
	// StageJourneyCompleted is the terminal marker reached after family
	// life's requirement set is satisfied.
	StageJourneyCompleted Stage = "journey_completed"
)

var stageOrder = []Stage{
	StageGettingToKnow,
	StageTrialPeriod,
	StageOfficialCeremony,
	StageFamilyLife,
	StageJourneyCompleted,
}

// Stages returns the full ordered stage chain.
func Stages() []Stage {
	out := make([]Stage, len(stageOrder))
	copy(out, stageOrder)
	return out
}

// Index returns the stage's position in the chain, or -1 for an unknown value.
func (s Stage) Index() int {
	for i, st := range stageOrder {
		if st == s {
			return i
		}
	}
	return -1
}

// Valid reports whether s is a member of the closed stage set.
func (s Stage) Valid() bool { return s.Index() >= 0 }

// Terminal reports whether s is the end of the chain.
func (s Stage) Terminal() bool { return s == StageJourneyCompleted }

// Next returns the following stage. ok is false at the end of the chain or
// for an unknown stage.
func (s Stage) Next() (Stage, bool) {
	i := s.Index()
	if i < 0 || i+1 >= len(stageOrder) {
		return s, false
	}
	return stageOrder[i+1], true
}
