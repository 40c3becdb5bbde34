package selector

import (
	"strings"

	"github.com/antzucaro/matchr"

	"github.com/confabhq/confab/pkg/types"
)

const (
	defaultPhoneticThreshold = 0.70
	defaultFuzzyThreshold    = 0.85
)

// AddressedOption is a functional option for configuring [Addressed].
type AddressedOption func(*Addressed)

// WithPhoneticThreshold sets the minimum Jaro-Winkler score required for a
// phonetically matched participant to be accepted. Default: 0.70.
func WithPhoneticThreshold(threshold float64) AddressedOption {
	return func(a *Addressed) {
		a.phoneticThreshold = threshold
	}
}

// WithFuzzyThreshold sets the minimum Jaro-Winkler score required when no
// phonetic candidate exists and matching falls back to pure string
// similarity. Default: 0.85.
func WithFuzzyThreshold(threshold float64) AddressedOption {
	return func(a *Addressed) {
		a.fuzzyThreshold = threshold
	}
}

// Addressed routes the floor to a participant named in the latest message:
// when the last speaker says "what do you think, reviewer?", the participant
// whose ID sounds like "reviewer" speaks next. When no participant is
// addressed the wrapped fallback policy decides.
//
// Matching runs in two stages. Double Metaphone codes of the message tokens
// are intersected with codes of each participant's spoken name to collect
// phonetic candidates, which are then ranked by Jaro-Winkler similarity
// against the phonetic threshold. Without any phonetic candidate a second
// pass accepts a pure Jaro-Winkler match above the stricter fuzzy threshold.
// Underscores, hyphens and dots in participant IDs are treated as spaces, so
// "code_reviewer" is addressable as "code reviewer".
//
// The policy is deterministic: participants are scanned in declaration order
// and a later candidate replaces an earlier one only with a strictly higher
// score. The last speaker is never selected by a mention of its own name,
// and a participant whose TerminatesOn predicate matched the prior message
// is left to the fallback's liveness rules.
type Addressed struct {
	fallback          Selector
	phoneticThreshold float64
	fuzzyThreshold    float64
}

var _ Selector = (*Addressed)(nil)

// NewAddressed returns an addressed-routing policy delegating to fallback
// when the latest message names nobody.
func NewAddressed(fallback Selector, opts ...AddressedOption) *Addressed {
	a := &Addressed{
		fallback:          fallback,
		phoneticThreshold: defaultPhoneticThreshold,
		fuzzyThreshold:    defaultFuzzyThreshold,
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Next implements [Selector].
func (a *Addressed) Next(transcript []types.Message, participants []types.AgentDescriptor) (types.AgentDescriptor, error) {
	if len(participants) == 0 {
		return types.AgentDescriptor{}, ErrNoParticipants
	}
	if len(transcript) == 0 {
		return a.fallback.Next(transcript, participants)
	}

	last := transcript[len(transcript)-1]
	if idx, ok := a.addressee(last, participants); ok {
		return participants[idx], nil
	}
	return a.fallback.Next(transcript, participants)
}

// addressee returns the index of the participant most plausibly named in the
// latest message, or ok=false when nobody clears the thresholds.
func (a *Addressed) addressee(last types.Message, participants []types.AgentDescriptor) (idx int, ok bool) {
	msgTokens := tokenize(last.Content)
	if len(msgTokens) == 0 {
		return 0, false
	}
	msgCodes := metaphoneCodes(msgTokens)

	best := -1
	bestScore := 0.0
	bestPhonetic := false

	for i, p := range participants {
		if p.ID == last.SpeakerID {
			continue
		}
		if p.TerminatesOn != nil && p.TerminatesOn(last.Content) {
			continue
		}
		nameTokens := tokenize(spokenName(p.ID))
		if len(nameTokens) == 0 {
			continue
		}

		phonetic := codesOverlap(msgCodes, metaphoneCodes(nameTokens))
		score := mentionScore(msgTokens, nameTokens)

		if phonetic && score >= a.phoneticThreshold {
			if !bestPhonetic || score > bestScore {
				best, bestScore, bestPhonetic = i, score, true
			}
		} else if !bestPhonetic && score >= a.fuzzyThreshold && score > bestScore {
			best, bestScore = i, score
		}
	}

	return best, best >= 0
}

// spokenName converts a participant ID into the form a speaker would say.
func spokenName(id string) string {
	return strings.NewReplacer("_", " ", "-", " ", ".", " ").Replace(id)
}

// tokenize lowercases the text and strips surrounding punctuation from each
// token. Tokens reduced to nothing are dropped.
func tokenize(text string) []string {
	fields := strings.Fields(strings.ToLower(text))
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.TrimFunc(f, func(r rune) bool {
			return !('a' <= r && r <= 'z' || '0' <= r && r <= '9')
		})
		if f != "" {
			out = append(out, f)
		}
	}
	return out
}

// metaphoneCodes returns the union of Double Metaphone codes for the tokens.
func metaphoneCodes(tokens []string) map[string]struct{} {
	codes := make(map[string]struct{}, len(tokens)*2)
	for _, tok := range tokens {
		primary, secondary := matchr.DoubleMetaphone(tok)
		if primary != "" {
			codes[primary] = struct{}{}
		}
		if secondary != "" {
			codes[secondary] = struct{}{}
		}
	}
	return codes
}

// codesOverlap reports whether the two code sets share at least one code.
func codesOverlap(a, b map[string]struct{}) bool {
	if len(a) > len(b) {
		a, b = b, a
	}
	for code := range a {
		if _, found := b[code]; found {
			return true
		}
	}
	return false
}

// mentionScore is the best Jaro-Winkler similarity between the name and any
// plausible slice of the message: single tokens for single-word names, plus
// sliding windows (spaced and concatenated) for multi-word names.
func mentionScore(msgTokens, nameTokens []string) float64 {
	score := 0.0
	for _, mt := range msgTokens {
		for _, nt := range nameTokens {
			if s := matchr.JaroWinkler(mt, nt, false); s > score {
				score = s
			}
		}
	}

	if n := len(nameTokens); n > 1 && len(msgTokens) >= n {
		spaced := strings.Join(nameTokens, " ")
		concat := strings.Join(nameTokens, "")
		for i := 0; i+n <= len(msgTokens); i++ {
			window := msgTokens[i : i+n]
			if s := matchr.JaroWinkler(strings.Join(window, " "), spaced, false); s > score {
				score = s
			}
			if s := matchr.JaroWinkler(strings.Join(window, ""), concat, false); s > score {
				score = s
			}
		}
	}

	return score
}
