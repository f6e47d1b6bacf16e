package nn

// Size3D describes a tensor slot of rank at most 3. NBytes always equals
// Bytes(Type, Z*Y*X); NBytesXY is the byte size of one z-plane.
type Size3D struct {
	Type     FloatType
	Z, Y, X  int
	Length   int
	NBytes   int
	NBytesXY int
}

// Size0 is the zero-size slot used for ops without weights.
func Size0() Size3D {
	return Size3D{Type: FUnk}
}

func Size1D(t FloatType, x int) Size3D {
	return NewSize3D(t, 1, 1, x)
}

func Size2D(t FloatType, y, x int) Size3D {
	return NewSize3D(t, 1, y, x)
}

func NewSize3D(t FloatType, z, y, x int) Size3D {
	length := z * y * x
	return Size3D{
		Type:     t,
		Z:        z,
		Y:        y,
		X:        x,
		Length:   length,
		NBytes:   Bytes(t, length),
		NBytesXY: Bytes(t, y*x),
	}
}
