package valve

import (
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"
)

// Commands understood by every supported valve.
const (
	CmdModel           = "AM"
	CmdNumPositions    = "NP"
	CmdCurrentPosition = "CP"
)

// InvalidResponse replaces a reply that is not valid UTF-8. Valves sometimes
// echo line noise on first contact; it is treated as ordinary unexpected text.
const InvalidResponse = "invalid"

// switchModelByte at offset 2 of the AM reply identifies a switch valve.
const (
	switchModelOffset = 2
	switchModelByte   = '1'
)

// switchPositions is the fixed position count of a switch valve.
const switchPositions = 2

// Direction selects the rotation used to reach a port.
type Direction int

const (
	// Shortest lets the valve choose the shortest path.
	Shortest Direction = iota
	Clockwise
	CounterClockwise
)

func (d Direction) String() string {
	switch d {
	case Clockwise:
		return "CW"
	case CounterClockwise:
		return "CC"
	default:
		return ""
	}
}

// ParseDirection maps "CW", "CC"/"CCW" to a rotation. Anything else, including
// the empty string, means Shortest.
func ParseDirection(s string) Direction {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "CW":
		return Clockwise
	case "CC", "CCW":
		return CounterClockwise
	default:
		return Shortest
	}
}

// FormatSelectCommand renders the move command for port index, e.g. "CW05".
// The caller checks that index is a valid port.
func FormatSelectCommand(index int, dir Direction) string {
	switch dir {
	case Clockwise:
		return fmt.Sprintf("CW%02d", index)
	case CounterClockwise:
		return fmt.Sprintf("CC%02d", index)
	default:
		return fmt.Sprintf("GO%02d", index)
	}
}

// ParseResponse decodes a raw reply line. A '?' means the valve rejected the
// command and is an error unless allowQuestionMark is set. The returned text
// keeps its line terminator.
func ParseResponse(raw []byte, allowQuestionMark bool) (string, error) {
	if !utf8.Valid(raw) {
		return InvalidResponse, nil
	}
	answer := string(raw)
	if !allowQuestionMark && strings.Contains(answer, "?") {
		return "", protocolError("", "malformed response", fmt.Errorf("%q contains question mark", answer))
	}
	return answer, nil
}

// ParsePortCount interprets the NP field of a reply. Switch valves do not
// know NP and answer "Invalid", which means two positions.
func ParsePortCount(response string) (int, error) {
	if strings.Contains(response, "Invalid") {
		return switchPositions, nil
	}
	if response == "" {
		return 0, protocolError(CmdNumPositions, "empty response", nil)
	}
	n, err := strconv.ParseUint(strings.TrimSpace(response), 10, 16)
	if err != nil {
		return 0, protocolError(CmdNumPositions, "malformed count", err)
	}
	return int(n), nil
}

// ParsePosition interprets the CP field of a reply.
func ParsePosition(field string) (int, error) {
	if field == "" {
		return 0, protocolError(CmdCurrentPosition, "empty response", nil)
	}
	n, err := strconv.Atoi(strings.TrimSpace(field))
	if err != nil {
		return 0, protocolError(CmdCurrentPosition, "malformed position", err)
	}
	return n, nil
}

// isSwitchReply reports whether an AM reply came from a switch valve.
func isSwitchReply(answer string) (bool, error) {
	if len(answer) <= switchModelOffset {
		return false, protocolError(CmdModel, "malformed model response", fmt.Errorf("%q too short", answer))
	}
	return answer[switchModelOffset] == switchModelByte, nil
}

// Port is a caller-supplied port reference, either a number or a label.
type Port struct {
	index   int
	label   string
	byLabel bool
}

// PortIndex refers to a port by its 1-based number.
func PortIndex(i int) Port { return Port{index: i} }

// PortLabel refers to a port by label.
func PortLabel(s string) Port { return Port{label: s, byLabel: true} }

// ParsePort interprets s as a port number when it is one and as a label
// otherwise. Labels are tried first so that numeric labels keep working.
func ParsePort(s string, labels Labels) Port {
	if _, ok := labels.Index(s); ok {
		return PortLabel(s)
	}
	if n, err := strconv.Atoi(s); err == nil {
		return PortIndex(n)
	}
	return PortLabel(s)
}

func (p Port) String() string {
	if p.byLabel {
		return strconv.Quote(p.label)
	}
	return strconv.Itoa(p.index)
}

// ResolvePort turns p into a port index. Indices pass through unchanged;
// labels must exist in labels.
func ResolvePort(labels Labels, p Port) (int, error) {
	if !p.byLabel {
		return p.index, nil
	}
	idx, ok := labels.Index(p.label)
	if !ok {
		return 0, domainError("select", fmt.Sprintf("unknown label %q", p.label))
	}
	return idx, nil
}
