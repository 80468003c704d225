package protocol

import (
	"fmt"
	"strconv"
	"strings"
)

// RenderHint describes one visible entity relative to the viewing player.
// Vitals are only carried for the entity at the viewer's own position.
type RenderHint struct {
	DX, DY int
	Facing Direction
	Vitals bool
	HP     int
	AP     int
}

// IsSelf reports whether the hint describes the viewing player.
func (h RenderHint) IsSelf() bool {
	return h.DX == 0 && h.DY == 0
}

// String encodes the hint as "dx dy facing" or "dx dy facing hp ap".
func (h RenderHint) String() string {
	s := fmt.Sprintf("%d %d %s", h.DX, h.DY, h.Facing)
	if h.Vitals {
		s += fmt.Sprintf(" %d %d", h.HP, h.AP)
	}
	return s
}

// ParseRenderHint decodes one RENDERHINT body line.
//
// Postcondition: Returns a RenderHint, or an error wrapping ErrMalformedArgument.
func ParseRenderHint(line string) (RenderHint, error) {
	fields := strings.Fields(line)
	if len(fields) != 3 && len(fields) != 5 {
		return RenderHint{}, fmt.Errorf("%w: render hint %q", ErrMalformedArgument, line)
	}

	ints := make([]int, 0, 4)
	for i, f := range fields {
		if i == 2 {
			continue
		}
		n, err := strconv.Atoi(f)
		if err != nil {
			return RenderHint{}, fmt.Errorf("%w: render hint %q", ErrMalformedArgument, line)
		}
		ints = append(ints, n)
	}

	facing, err := ParseDirection(fields[2])
	if err != nil {
		return RenderHint{}, err
	}

	h := RenderHint{DX: ints[0], DY: ints[1], Facing: facing}
	if len(fields) == 5 {
		h.Vitals = true
		h.HP = ints[2]
		h.AP = ints[3]
	}
	return h, nil
}

// RenderHints frames a list of hints as a RENDERHINT message.
func RenderHints(hints []RenderHint) Message {
	body := make([]string, len(hints))
	for i, h := range hints {
		body[i] = h.String()
	}
	return Message{Verb: VerbRenderHint, Arg: strconv.Itoa(len(body)), Body: body}
}

// DecodeRenderHints parses every body line of a RENDERHINT message.
// Lines that fail to parse are skipped; the count of skipped lines is returned.
func DecodeRenderHints(m Message) (hints []RenderHint, skipped int) {
	hints = make([]RenderHint, 0, len(m.Body))
	for _, line := range m.Body {
		h, err := ParseRenderHint(line)
		if err != nil {
			skipped++
			continue
		}
		hints = append(hints, h)
	}
	return hints, skipped
}
