package rules

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/wyatt727/fartlooper/internal/netinfo"
)

// Trigger actions a rule can fire.
const (
	ActionStartBlast   = "START_BLAST"
	ActionRunClip      = "RUN_CLIP"
	ActionAutoBlast    = "AUTO_BLAST"
	ActionDiscoverOnly = "DISCOVER_ONLY"
)

// BlastAction is what firing a rule starts.
type BlastAction struct {
	Type     string `json:"type"`
	ClipPath string `json:"clip_path,omitempty"`
	ClipURL  string `json:"clip_url,omitempty"`
}

// EvaluationContext is the immutable snapshot a pass evaluates against.
type EvaluationContext struct {
	Network netinfo.NetworkState
	Now     time.Time
}

// Condition is one AND-composed predicate of a rule.
type Condition interface {
	Matches(ctx EvaluationContext) bool
}

// SsidCondition matches when the device is on WiFi and the SSID contains
// the pattern (or matches it as a regex).
type SsidCondition struct {
	Pattern       string `json:"pattern"`
	Regex         bool   `json:"regex,omitempty"`
	CaseSensitive bool   `json:"caseSensitive,omitempty"`
}

// Matches implements Condition.
func (c SsidCondition) Matches(ctx EvaluationContext) bool {
	if !ctx.Network.IsWiFi() {
		return false
	}
	ssid := ctx.Network.NormalizedSSID()
	pattern := c.Pattern
	if !c.CaseSensitive {
		ssid = strings.ToLower(ssid)
		pattern = strings.ToLower(pattern)
	}
	if c.Regex {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return false
		}
		return re.MatchString(ssid)
	}
	return strings.Contains(ssid, pattern)
}

// ClockTime is a wall-clock time of day, serialized "HH:MM".
type ClockTime struct {
	Hour   int
	Minute int
}

// Minutes returns minutes since midnight.
func (t ClockTime) Minutes() int { return t.Hour*60 + t.Minute }

// MarshalJSON implements json.Marshaler.
func (t ClockTime) MarshalJSON() ([]byte, error) {
	return json.Marshal(fmt.Sprintf("%02d:%02d", t.Hour, t.Minute))
}

// UnmarshalJSON implements json.Unmarshaler.
func (t *ClockTime) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := time.Parse("15:04", s)
	if err != nil {
		return fmt.Errorf("invalid clock time %q: %w", s, err)
	}
	t.Hour = parsed.Hour()
	t.Minute = parsed.Minute()
	return nil
}

// TimeWindowCondition matches when start <= now < end; when end < start
// the window wraps midnight.
type TimeWindowCondition struct {
	Start ClockTime `json:"start"`
	End   ClockTime `json:"end"`
}

// Matches implements Condition.
func (c TimeWindowCondition) Matches(ctx EvaluationContext) bool {
	now := ctx.Now.Hour()*60 + ctx.Now.Minute()
	start := c.Start.Minutes()
	end := c.End.Minutes()
	if end < start {
		return now >= start || now < end
	}
	return now >= start && now < end
}

// DayOfWeekCondition matches when the pass's weekday is in the set.
type DayOfWeekCondition struct {
	Days []time.Weekday `json:"-"`
}

// Matches implements Condition.
func (c DayOfWeekCondition) Matches(ctx EvaluationContext) bool {
	day := ctx.Now.Weekday()
	for _, d := range c.Days {
		if d == day {
			return true
		}
	}
	return false
}

var weekdayNames = map[string]time.Weekday{
	"sunday":    time.Sunday,
	"monday":    time.Monday,
	"tuesday":   time.Tuesday,
	"wednesday": time.Wednesday,
	"thursday":  time.Thursday,
	"friday":    time.Friday,
	"saturday":  time.Saturday,
}

// Rule fires a blast action when all its conditions hold. A rule with
// zero conditions never matches; unconditional auto-blasting is
// disallowed.
type Rule struct {
	ID            string
	Name          string
	Enabled       bool
	Conditions    []Condition
	Action        BlastAction
	LastTriggered *time.Time

	// unknownConditions preserves condition objects with unrecognized
	// type discriminators across a load/save cycle so newer stores are
	// not bricked by older builds.
	unknownConditions []json.RawMessage
}

// MatchesAll reports whether every condition holds (AND semantics).
func (r Rule) MatchesAll(ctx EvaluationContext) bool {
	if len(r.Conditions) == 0 {
		return false
	}
	for _, c := range r.Conditions {
		if !c.Matches(ctx) {
			return false
		}
	}
	return true
}

// Wire types. Conditions carry a `type` discriminator.

type ruleWire struct {
	ID            string            `json:"id"`
	Name          string            `json:"name"`
	Enabled       bool              `json:"enabled"`
	Conditions    []json.RawMessage `json:"conditions"`
	Action        BlastAction       `json:"action"`
	LastTriggered *time.Time        `json:"lastTriggered,omitempty"`
}

type conditionTag struct {
	Type string `json:"type"`
}

type ssidWire struct {
	Type          string `json:"type"`
	Pattern       string `json:"pattern"`
	Regex         bool   `json:"regex,omitempty"`
	CaseSensitive bool   `json:"caseSensitive,omitempty"`
}

type timeWire struct {
	Type  string    `json:"type"`
	Start ClockTime `json:"start"`
	End   ClockTime `json:"end"`
}

type dayWire struct {
	Type string   `json:"type"`
	Days []string `json:"days"`
}

// MarshalJSON implements json.Marshaler, re-emitting preserved unknown
// conditions untouched.
func (r Rule) MarshalJSON() ([]byte, error) {
	wire := ruleWire{
		ID:            r.ID,
		Name:          r.Name,
		Enabled:       r.Enabled,
		Action:        r.Action,
		LastTriggered: r.LastTriggered,
		Conditions:    make([]json.RawMessage, 0, len(r.Conditions)+len(r.unknownConditions)),
	}

	for _, c := range r.Conditions {
		var (
			raw []byte
			err error
		)
		switch cond := c.(type) {
		case SsidCondition:
			raw, err = json.Marshal(ssidWire{Type: "ssid", Pattern: cond.Pattern, Regex: cond.Regex, CaseSensitive: cond.CaseSensitive})
		case TimeWindowCondition:
			raw, err = json.Marshal(timeWire{Type: "time", Start: cond.Start, End: cond.End})
		case DayOfWeekCondition:
			days := make([]string, 0, len(cond.Days))
			for _, d := range cond.Days {
				days = append(days, strings.ToLower(d.String()))
			}
			raw, err = json.Marshal(dayWire{Type: "dayOfWeek", Days: days})
		default:
			err = fmt.Errorf("unserializable condition %T", c)
		}
		if err != nil {
			return nil, err
		}
		wire.Conditions = append(wire.Conditions, raw)
	}
	wire.Conditions = append(wire.Conditions, r.unknownConditions...)

	return json.Marshal(wire)
}

// UnmarshalJSON implements json.Unmarshaler. Conditions with unknown
// type discriminators are skipped for evaluation but preserved for the
// next save.
func (r *Rule) UnmarshalJSON(data []byte) error {
	var wire ruleWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}

	r.ID = wire.ID
	r.Name = wire.Name
	r.Enabled = wire.Enabled
	r.Action = wire.Action
	r.LastTriggered = wire.LastTriggered
	r.Conditions = nil
	r.unknownConditions = nil

	for _, raw := range wire.Conditions {
		var tag conditionTag
		if err := json.Unmarshal(raw, &tag); err != nil {
			return fmt.Errorf("condition is not an object: %w", err)
		}
		switch tag.Type {
		case "ssid":
			var w ssidWire
			if err := json.Unmarshal(raw, &w); err != nil {
				return err
			}
			r.Conditions = append(r.Conditions, SsidCondition{Pattern: w.Pattern, Regex: w.Regex, CaseSensitive: w.CaseSensitive})
		case "time":
			var w timeWire
			if err := json.Unmarshal(raw, &w); err != nil {
				return err
			}
			r.Conditions = append(r.Conditions, TimeWindowCondition{Start: w.Start, End: w.End})
		case "dayOfWeek":
			var w dayWire
			if err := json.Unmarshal(raw, &w); err != nil {
				return err
			}
			cond := DayOfWeekCondition{}
			for _, name := range w.Days {
				day, ok := weekdayNames[strings.ToLower(name)]
				if !ok {
					return fmt.Errorf("unknown weekday %q", name)
				}
				cond.Days = append(cond.Days, day)
			}
			r.Conditions = append(r.Conditions, cond)
		default:
			r.unknownConditions = append(r.unknownConditions, append(json.RawMessage(nil), raw...))
		}
	}
	return nil
}
