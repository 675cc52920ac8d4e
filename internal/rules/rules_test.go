package rules

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wyatt727/fartlooper/internal/netinfo"
)

func wifiCtx(ssid string, now time.Time) EvaluationContext {
	return EvaluationContext{Network: netinfo.Wifi(ssid), Now: now}
}

func TestSsidCondition(t *testing.T) {
	now := time.Date(2024, 3, 11, 10, 0, 0, 0, time.UTC)

	c := SsidCondition{Pattern: "Office"}
	assert.True(t, c.Matches(wifiCtx("OfficeNet", now)))
	assert.True(t, c.Matches(wifiCtx("officenet", now)), "case-insensitive by default")
	assert.True(t, c.Matches(wifiCtx(`"OfficeNet"`, now)), "quotes are trimmed")
	assert.False(t, c.Matches(wifiCtx("HomeNet", now)))
	assert.False(t, c.Matches(EvaluationContext{Network: netinfo.Disconnected(), Now: now}))
	assert.False(t, c.Matches(EvaluationContext{Network: netinfo.NetworkState{Kind: netinfo.LinkMobile}, Now: now}))

	sensitive := SsidCondition{Pattern: "Office", CaseSensitive: true}
	assert.False(t, sensitive.Matches(wifiCtx("officenet", now)))

	re := SsidCondition{Pattern: "^Office.*$", Regex: true}
	assert.True(t, re.Matches(wifiCtx("OfficeNet", now)))
	assert.False(t, re.Matches(wifiCtx("MyOffice", now)))

	badRe := SsidCondition{Pattern: "(", Regex: true}
	assert.False(t, badRe.Matches(wifiCtx("OfficeNet", now)))
}

func TestTimeWindowCondition(t *testing.T) {
	window := TimeWindowCondition{Start: ClockTime{9, 0}, End: ClockTime{17, 0}}
	at := func(h, m int) EvaluationContext {
		return wifiCtx("x", time.Date(2024, 3, 11, h, m, 0, 0, time.UTC))
	}

	assert.True(t, window.Matches(at(9, 0)), "start is inclusive")
	assert.True(t, window.Matches(at(12, 30)))
	assert.False(t, window.Matches(at(17, 0)), "end is exclusive")
	assert.False(t, window.Matches(at(8, 59)))

	overnight := TimeWindowCondition{Start: ClockTime{22, 0}, End: ClockTime{6, 0}}
	assert.True(t, overnight.Matches(at(23, 0)))
	assert.True(t, overnight.Matches(at(2, 0)))
	assert.False(t, overnight.Matches(at(12, 0)))
}

func TestDayOfWeekCondition(t *testing.T) {
	c := DayOfWeekCondition{Days: []time.Weekday{time.Monday, time.Friday}}
	monday := wifiCtx("x", time.Date(2024, 3, 11, 10, 0, 0, 0, time.UTC))
	tuesday := wifiCtx("x", time.Date(2024, 3, 12, 10, 0, 0, 0, time.UTC))
	assert.True(t, c.Matches(monday))
	assert.False(t, c.Matches(tuesday))
}

func TestZeroConditionRuleNeverMatches(t *testing.T) {
	r := Rule{ID: "r1", Enabled: true, Action: BlastAction{Type: ActionAutoBlast}}
	assert.False(t, r.MatchesAll(wifiCtx("anything", time.Now())))
}

func TestRuleJSONRoundTrip(t *testing.T) {
	ts := time.Date(2024, 3, 11, 9, 30, 0, 0, time.UTC)
	rulesIn := []Rule{
		{
			ID:      "r1",
			Name:    "office mornings",
			Enabled: true,
			Conditions: []Condition{
				SsidCondition{Pattern: "Office", CaseSensitive: true},
				TimeWindowCondition{Start: ClockTime{8, 0}, End: ClockTime{12, 30}},
				DayOfWeekCondition{Days: []time.Weekday{time.Monday, time.Wednesday}},
			},
			Action:        BlastAction{Type: ActionAutoBlast, ClipPath: "/sdcard/clip.mp3"},
			LastTriggered: &ts,
		},
		{
			ID:      "r2",
			Name:    "disabled",
			Enabled: false,
			Conditions: []Condition{
				SsidCondition{Pattern: "Home"},
			},
			Action: BlastAction{Type: ActionDiscoverOnly},
		},
	}

	data, err := json.Marshal(rulesIn)
	require.NoError(t, err)

	var rulesOut []Rule
	require.NoError(t, json.Unmarshal(data, &rulesOut))
	assert.Equal(t, rulesIn, rulesOut)
}

func TestUnknownConditionTypesAreSkippedNotErased(t *testing.T) {
	doc := `[{
	  "id": "r1",
	  "name": "future",
	  "enabled": true,
	  "conditions": [
	    {"type": "ssid", "pattern": "Office"},
	    {"type": "geofence", "lat": 1.5, "lng": 2.5, "radius_m": 100}
	  ],
	  "action": {"type": "START_BLAST"}
	}]`

	var loaded []Rule
	require.NoError(t, json.Unmarshal([]byte(doc), &loaded))
	require.Len(t, loaded, 1)

	// Unknown condition is skipped for evaluation...
	require.Len(t, loaded[0].Conditions, 1)
	assert.IsType(t, SsidCondition{}, loaded[0].Conditions[0])

	// ...but survives a write.
	out, err := json.Marshal(loaded)
	require.NoError(t, err)
	assert.Contains(t, string(out), `"geofence"`)
	assert.Contains(t, string(out), `"radius_m"`)
}

func TestRuleJSONWireFormat(t *testing.T) {
	r := Rule{
		ID:      "r1",
		Enabled: true,
		Conditions: []Condition{
			TimeWindowCondition{Start: ClockTime{22, 0}, End: ClockTime{6, 0}},
		},
		Action: BlastAction{Type: ActionRunClip, ClipURL: "http://example.com/a.mp3"},
	}
	data, err := json.Marshal(r)
	require.NoError(t, err)
	s := string(data)
	assert.Contains(t, s, `"type":"time"`)
	assert.Contains(t, s, `"start":"22:00"`)
	assert.Contains(t, s, `"end":"06:00"`)
}
