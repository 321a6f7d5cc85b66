package route

import (
	"fmt"
	"strings"
)

// Type is the origin of a route, numbered the same way zebra numbers them.
type Type uint8

const (
	System Type = iota
	Kernel
	Connect
	Static
	Rip
	Ripng
	Ospf
	Ospf6
	Isis
	Bgp
	Hsls
	Olsr
	Babel
	numTypes
)

var typeNames = [numTypes]string{
	System:  "system",
	Kernel:  "kernel",
	Connect: "connected",
	Static:  "static",
	Rip:     "rip",
	Ripng:   "ripng",
	Ospf:    "ospf",
	Ospf6:   "ospf6",
	Isis:    "isis",
	Bgp:     "bgp",
	Hsls:    "hsls",
	Olsr:    "olsr",
	Babel:   "babel",
}

func (t Type) String() string {
	if t < numTypes {
		return typeNames[t]
	}
	return fmt.Sprintf("type(%d)", uint8(t))
}

func (t Type) Valid() bool {
	return t < numTypes
}

func ParseType(s string) (Type, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "connect" {
		return Connect, nil
	}
	for i, name := range typeNames {
		if name == s {
			return Type(i), nil
		}
	}
	return 0, fmt.Errorf("unknown route type %q", s)
}

func (t Type) MarshalText() ([]byte, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("unknown route type %d", uint8(t))
	}
	return []byte(t.String()), nil
}

func (t *Type) UnmarshalText(text []byte) error {
	v, err := ParseType(string(text))
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// Types returns every known route type in numeric order.
func Types() []Type {
	types := make([]Type, 0, numTypes)
	for t := System; t < numTypes; t++ {
		types = append(types, t)
	}
	return types
}

// Class is the meta-queue sub-queue a route type is processed on.
type Class uint8

const (
	ClassConnected Class = iota
	ClassStatic
	ClassIGP
	ClassBGP
	ClassOther
	NumClasses
)

func (c Class) String() string {
	switch c {
	case ClassConnected:
		return "connected"
	case ClassStatic:
		return "static"
	case ClassIGP:
		return "igp"
	case ClassBGP:
		return "bgp"
	default:
		return "other"
	}
}

var typeClass = [numTypes]Class{
	System:  ClassOther,
	Kernel:  ClassConnected,
	Connect: ClassConnected,
	Static:  ClassStatic,
	Rip:     ClassIGP,
	Ripng:   ClassIGP,
	Ospf:    ClassIGP,
	Ospf6:   ClassIGP,
	Isis:    ClassIGP,
	Bgp:     ClassBGP,
	Hsls:    ClassOther,
	Olsr:    ClassOther,
	Babel:   ClassIGP,
}

func (t Type) Class() Class {
	if t < numTypes {
		return typeClass[t]
	}
	return ClassOther
}

// precedence breaks distance ties, lower wins.
var precedence = [numTypes]uint8{
	Connect: 0,
	Kernel:  1,
	Static:  2,
	Babel:   3,
	Ospf:    4,
	Ospf6:   5,
	Isis:    6,
	Rip:     7,
	Ripng:   8,
	Bgp:     9,
	Olsr:    10,
	Hsls:    11,
	System:  12,
}

func (t Type) Precedence() uint8 {
	if t < numTypes {
		return precedence[t]
	}
	return 255
}
