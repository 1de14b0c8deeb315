package valve

import "fmt"

// Phase is a step of the connection handshake.
type Phase int

const (
	Disconnected Phase = iota
	Probing
	BaudRecovering
	TypeConfirmed
	CountingPositions
	LabelsAssigned
	PositionSynced
	Ready
	Failed
)

var phaseNames = [...]string{
	Disconnected:      "disconnected",
	Probing:           "probing",
	BaudRecovering:    "recovering baud rate",
	TypeConfirmed:     "type confirmed",
	CountingPositions: "counting positions",
	LabelsAssigned:    "labels assigned",
	PositionSynced:    "position synced",
	Ready:             "ready",
	Failed:            "failed",
}

func (p Phase) String() string {
	if p >= 0 && int(p) < len(phaseNames) {
		return phaseNames[p]
	}
	return fmt.Sprintf("Phase(%d)", int(p))
}

func (p Phase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

func (p *Phase) UnmarshalText(b []byte) error {
	for i, name := range phaseNames {
		if name == string(b) {
			*p = Phase(i)
			return nil
		}
	}
	return fmt.Errorf("unknown phase %q", b)
}
