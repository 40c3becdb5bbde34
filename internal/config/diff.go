package config

// ConfigDiff describes what changed between two configs. Only fields with a
// hot-reload story are tracked; everything else needs a restart.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// ConversationChanged means the conversation defaults (rounds,
	// sentinel, timeout, selector) differ. New conversations pick the new
	// values up; running ones keep what they started with.
	ConversationChanged bool

	ParticipantsChanged bool
	ParticipantChanges  []ParticipantDiff
}

// ParticipantDiff describes what changed for a single participant between
// two configs.
type ParticipantDiff struct {
	ID              string
	PersonaChanged  bool
	KindChanged     bool
	ApprovalChanged bool
	Added           bool
	Removed         bool
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.Conversation != new.Conversation {
		d.ConversationChanged = true
	}

	oldByID := make(map[string]*ParticipantConfig, len(old.Participants))
	for i := range old.Participants {
		oldByID[old.Participants[i].ID] = &old.Participants[i]
	}
	newByID := make(map[string]*ParticipantConfig, len(new.Participants))
	for i := range new.Participants {
		newByID[new.Participants[i].ID] = &new.Participants[i]
	}

	for id, oldP := range oldByID {
		newP, exists := newByID[id]
		if !exists {
			d.ParticipantChanges = append(d.ParticipantChanges, ParticipantDiff{ID: id, Removed: true})
			d.ParticipantsChanged = true
			continue
		}
		pd := diffParticipant(id, oldP, newP)
		if pd.PersonaChanged || pd.KindChanged || pd.ApprovalChanged {
			d.ParticipantChanges = append(d.ParticipantChanges, pd)
			d.ParticipantsChanged = true
		}
	}

	for id := range newByID {
		if _, exists := oldByID[id]; !exists {
			d.ParticipantChanges = append(d.ParticipantChanges, ParticipantDiff{ID: id, Added: true})
			d.ParticipantsChanged = true
		}
	}

	return d
}

// diffParticipant compares two participant configs with the same ID.
func diffParticipant(id string, old, new *ParticipantConfig) ParticipantDiff {
	pd := ParticipantDiff{ID: id}

	if old.SystemPrompt != new.SystemPrompt ||
		old.Provider != new.Provider ||
		old.Model != new.Model ||
		old.Temperature != new.Temperature ||
		old.MaxTokens != new.MaxTokens ||
		old.TerminatesOn != new.TerminatesOn {
		pd.PersonaChanged = true
	}
	if old.Kind != new.Kind {
		pd.KindChanged = true
	}
	if old.RequiresApproval != new.RequiresApproval {
		pd.ApprovalChanged = true
	}
	return pd
}
