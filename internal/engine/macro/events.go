package macro

import "strconv"

type EventType int

const (
	EventDefine EventType = iota
	EventUndef
	EventUse
	EventEndOfUnit
)

func (t EventType) String() string {
	switch t {
	case EventDefine:
		return "define"
	case EventUndef:
		return "undef"
	case EventUse:
		return "use"
	case EventEndOfUnit:
		return "end_of_unit"
	default:
		return "EventType(" + strconv.Itoa(int(t)) + ")"
	}
}

// Event is one item of a translation unit's ordered directive/use stream.
// Def is only meaningful for EventDefine and Use only for EventUse.
type Event struct {
	Type EventType
	Name string
	Def  Definition
	Pos  Position
	Use  UseKind
}

func DefineEvent(name string, def Definition, pos Position) Event {
	return Event{Type: EventDefine, Name: name, Def: def, Pos: pos}
}

func UndefEvent(name string, pos Position) Event {
	return Event{Type: EventUndef, Name: name, Pos: pos}
}

func UseEvent(name string, pos Position, kind UseKind) Event {
	return Event{Type: EventUse, Name: name, Pos: pos, Use: kind}
}

func EndOfUnitEvent() Event {
	return Event{Type: EventEndOfUnit}
}
