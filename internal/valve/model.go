package valve

import (
	"fmt"
	"strings"
)

// Model is one of the supported Vici valve families.
type Model int

const (
	LowPressureMultiport Model = iota
	HighPressureMultiport
	HighPressureSwitch
)

// Models lists every supported model in declaration order.
var Models = []Model{LowPressureMultiport, HighPressureMultiport, HighPressureSwitch}

var modelNames = map[Model]string{
	LowPressureMultiport:  "Vici low pressure multiport",
	HighPressureMultiport: "Vici high pressure multiport",
	HighPressureSwitch:    "Vici high pressure switch",
}

var modelAliases = map[string]Model{
	"lp-multiport": LowPressureMultiport,
	"hp-multiport": HighPressureMultiport,
	"hp-switch":    HighPressureSwitch,
}

func (m Model) String() string {
	if name, ok := modelNames[m]; ok {
		return name
	}
	return fmt.Sprintf("Model(%d)", int(m))
}

// ParseModel accepts either the full valve type name ("Vici high pressure
// switch") or its short alias ("hp-switch"), case-insensitively.
func ParseModel(s string) (Model, error) {
	key := strings.ToLower(strings.TrimSpace(s))
	if m, ok := modelAliases[key]; ok {
		return m, nil
	}
	for m, name := range modelNames {
		if strings.ToLower(name) == key {
			return m, nil
		}
	}
	return 0, configError(fmt.Sprintf("unknown valve type %q", s))
}

// MarshalText implements encoding.TextMarshaler.
func (m Model) MarshalText() ([]byte, error) {
	if _, ok := modelNames[m]; !ok {
		return nil, configError(fmt.Sprintf("unknown valve model %d", int(m)))
	}
	return []byte(m.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (m *Model) UnmarshalText(b []byte) error {
	parsed, err := ParseModel(string(b))
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// Range is a half-open byte range [Start, End) into a response line.
type Range struct {
	Start int
	End   int
}

// Extract returns the bytes of s covered by r. Ranges running past the end of
// s are clamped, so a short reply yields whatever bytes it has.
func (r Range) Extract(s string) string {
	start, end := r.Start, r.End
	if end > len(s) {
		end = len(s)
	}
	if start > end {
		return ""
	}
	return s[start:end]
}

// Profile holds the fixed response offsets for one valve model.
type Profile struct {
	NumPositions    Range
	CurrentPosition Range
}

var profiles = map[Model]Profile{
	LowPressureMultiport: {
		NumPositions:    Range{2, 4},
		CurrentPosition: Range{2, 4},
	},
	HighPressureMultiport: {
		NumPositions:    Range{5, 7},
		CurrentPosition: Range{15, 17},
	},
	HighPressureSwitch: {
		NumPositions:    Range{0, 14},
		CurrentPosition: Range{2, 3},
	},
}

// LookupProfile returns the response offsets for m.
func LookupProfile(m Model) (Profile, error) {
	p, ok := profiles[m]
	if !ok {
		return Profile{}, configError(fmt.Sprintf("no profile for valve model %d", int(m)))
	}
	return p, nil
}
