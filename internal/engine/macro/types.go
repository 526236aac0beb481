package macro

import (
	"fmt"
	"slices"
	"strconv"
)

// BuiltinFile is the file recorded for predefined macros.
const BuiltinFile = "<builtin>"

type Position struct {
	File   string
	Line   int
	Column int
}

func (p Position) String() string {
	if p.Column > 0 {
		return fmt.Sprintf("%s:%d:%d", p.File, p.Line, p.Column)
	}
	return fmt.Sprintf("%s:%d", p.File, p.Line)
}

type Kind int

const (
	ObjectLike Kind = iota
	FunctionLike
)

func (k Kind) String() string {
	switch k {
	case ObjectLike:
		return "object"
	case FunctionLike:
		return "function"
	default:
		return "Kind(" + strconv.Itoa(int(k)) + ")"
	}
}

type UseKind int

const (
	// Expansion is a textual replacement of the macro.
	Expansion UseKind = iota
	// ConditionalCheck is a definedness test (#ifdef, defined(NAME)) that
	// selected a branch.
	ConditionalCheck
)

func (u UseKind) String() string {
	switch u {
	case Expansion:
		return "expansion"
	case ConditionalCheck:
		return "conditional"
	default:
		return "UseKind(" + strconv.Itoa(int(u)) + ")"
	}
}

type Closure int

const (
	Open Closure = iota
	Undefined
	Superseded
)

func (c Closure) String() string {
	switch c {
	case Open:
		return "open"
	case Undefined:
		return "undefined"
	case Superseded:
		return "superseded"
	default:
		return "Closure(" + strconv.Itoa(int(c)) + ")"
	}
}

// Definition is the parsed content of a #define directive. Body is opaque.
type Definition struct {
	Kind   Kind
	Params []string
	Body   []string
}

// Object returns an object-like definition with the given body tokens.
func Object(body ...string) Definition {
	return Definition{Kind: ObjectLike, Body: body}
}

// Function returns a function-like definition.
func Function(params []string, body ...string) Definition {
	return Definition{Kind: FunctionLike, Params: params, Body: body}
}

func (d Definition) clone() Definition {
	return Definition{
		Kind:   d.Kind,
		Params: slices.Clone(d.Params),
		Body:   slices.Clone(d.Body),
	}
}

type Reference struct {
	Pos  Position
	Kind UseKind
	Seq  uint64
}

// Version is one definition instance of a macro name.
type Version struct {
	Name  string
	Index int
	Definition

	DefinedAt  Position
	DefinedSeq uint64

	// UndefinedAt is only set by an explicit #undef.
	UndefinedAt *Position
	// ClosedAt is set whenever the scope ends, by #undef or by redefinition.
	ClosedAt  *Position
	ClosedSeq uint64
	Closure   Closure

	ReferenceCount int
	References     []Reference

	ActiveAtEOF bool
	Builtin     bool
}

// ID returns the display identity NAME_<index>.
func (v *Version) ID() string {
	return v.Name + "_" + strconv.Itoa(v.Index)
}

func (v *Version) IsOpen() bool {
	return v.Closure == Open
}

func (v *Version) Referenced() bool {
	return v.ReferenceCount > 0
}

func (v *Version) Status() Status {
	switch {
	case v.ActiveAtEOF && v.Referenced():
		return ActiveReferenced
	case v.ActiveAtEOF:
		return ActiveUnreferenced
	case v.Referenced():
		return InactiveReferenced
	default:
		return InactiveUnreferenced
	}
}

func (v *Version) clone() Version {
	out := *v
	out.Definition = v.Definition.clone()
	if v.UndefinedAt != nil {
		p := *v.UndefinedAt
		out.UndefinedAt = &p
	}
	if v.ClosedAt != nil {
		p := *v.ClosedAt
		out.ClosedAt = &p
	}
	out.References = slices.Clone(v.References)
	return out
}

type Status int

const (
	ActiveReferenced Status = iota
	ActiveUnreferenced
	InactiveReferenced
	InactiveUnreferenced
)

func (s Status) String() string {
	switch s {
	case ActiveReferenced:
		return "active/referenced"
	case ActiveUnreferenced:
		return "active/unreferenced"
	case InactiveReferenced:
		return "inactive/referenced"
	case InactiveUnreferenced:
		return "inactive/unreferenced"
	default:
		return "Status(" + strconv.Itoa(int(s)) + ")"
	}
}
