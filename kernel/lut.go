package kernel

// NoEndpoint is the lookup result for an empty endpoint mask.
const NoEndpoint uint8 = 8

// lowestBit resolves an 8-bit endpoint event mask to the index of its
// lowest set bit, or NoEndpoint.
var lowestBit = func() (t [256]uint8) {
	t[0] = NoEndpoint
	for m := 1; m < 256; m++ {
		i := uint8(0)
		for m&(1<<i) == 0 {
			i++
		}
		t[m] = i
	}
	return t
}()

// LowestBit returns the index of the lowest set bit of mask, or
// [NoEndpoint] when mask is zero.
func LowestBit(mask uint8) uint8 {
	return lowestBit[mask]
}
