package route

const (
	DistanceEBGP     uint8 = 20
	DistanceIBGP     uint8 = 200
	// DistanceInfinity marks a route that is never selected.
	DistanceInfinity uint8 = 255
)

var defaultDistance = [numTypes]uint8{
	System:  0,
	Kernel:  0,
	Connect: 0,
	Static:  1,
	Rip:     120,
	Ripng:   120,
	Ospf:    110,
	Ospf6:   110,
	Isis:    115,
	Bgp:     DistanceEBGP,
	Hsls:    DistanceInfinity,
	Olsr:    DistanceInfinity,
	Babel:   100,
}

// Distances maps a route type to its administrative distance. Types not
// present fall back to the built-in defaults.
type Distances map[Type]uint8

func (d Distances) For(t Type, flags Flags) uint8 {
	if v, ok := d[t]; ok {
		return v
	}
	if t == Bgp && flags&FlagIBGP != 0 {
		return DistanceIBGP
	}
	if t < numTypes {
		return defaultDistance[t]
	}
	return DistanceInfinity
}

func DefaultDistance(t Type) uint8 {
	return Distances(nil).For(t, 0)
}
