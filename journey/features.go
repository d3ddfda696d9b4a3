package journey

import "sort"

// FeatureKey identifies a product capability gated by journey stage.
type FeatureKey string

const (
	FeatureAdvisorChat    FeatureKey = "advisor_chat"
	FeatureTextChat       FeatureKey = "text_chat"
	FeatureScheduling     FeatureKey = "scheduling"
	FeatureVoiceCall      FeatureKey = "voice_call"
	FeaturePhotoAlbum     FeatureKey = "photo_album"
	FeatureVideoCall      FeatureKey = "video_call"
	FeatureSharedDiary    FeatureKey = "shared_diary"
	FeatureFamilyCalendar FeatureKey = "family_calendar"
)

// FeatureResolver maps the current stage (and freeze status) to the set of
// unlocked capabilities. Pure lookup, no I/O; the flag table is immutable
// after construction.
type FeatureResolver struct {
	minStage map[FeatureKey]Stage
}

// NewFeatureResolver builds a resolver from a capability → minimum-stage map.
func NewFeatureResolver(minStage map[FeatureKey]Stage) *FeatureResolver {
	flags := make(map[FeatureKey]Stage, len(minStage))
	for k, v := range minStage {
		flags[k] = v
	}
	return &FeatureResolver{minStage: flags}
}

// DefaultFeatureResolver returns the shipped unlock ladder.
func DefaultFeatureResolver() *FeatureResolver {
	return NewFeatureResolver(map[FeatureKey]Stage{
		FeatureAdvisorChat:    StageGettingToKnow,
		FeatureTextChat:       StageGettingToKnow,
		FeatureScheduling:     StageGettingToKnow,
		FeatureVoiceCall:      StageTrialPeriod,
		FeaturePhotoAlbum:     StageTrialPeriod,
		FeatureVideoCall:      StageOfficialCeremony,
		FeatureSharedDiary:    StageOfficialCeremony,
		FeatureFamilyCalendar: StageFamilyLife,
	})
}

// Resolve returns the capabilities unlocked at the given stage, sorted for
// deterministic output. While frozen only the family-advisor channel is
// available, regardless of stage.
func (r *FeatureResolver) Resolve(stage Stage, frozen bool) []FeatureKey {
	if frozen {
		return []FeatureKey{FeatureAdvisorChat}
	}
	idx := stage.Index()
	if idx < 0 {
		return nil
	}
	out := make([]FeatureKey, 0, len(r.minStage))
	for key, min := range r.minStage {
		if min.Index() <= idx {
			out = append(out, key)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Enabled reports whether a single capability is available.
func (r *FeatureResolver) Enabled(stage Stage, frozen bool, key FeatureKey) bool {
	for _, k := range r.Resolve(stage, frozen) {
		if k == key {
			return true
		}
	}
	return false
}
