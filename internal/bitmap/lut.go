package bitmap

var countClass [256]byte

func init() {
	for i := range countClass {
		switch {
		case i == 0:
			countClass[i] = 0
		case i == 1:
			countClass[i] = 1
		case i == 2:
			countClass[i] = 2
		case i == 3:
			countClass[i] = 4
		case i <= 7:
			countClass[i] = 8
		case i <= 15:
			countClass[i] = 16
		case i <= 31:
			countClass[i] = 32
		case i <= 127:
			countClass[i] = 64
		default:
			countClass[i] = 128
		}
	}
}

// ApplyLUT buckets raw hit counters into count classes and returns a new map.
func ApplyLUT(raw []byte) LocalMap {
	out := make(LocalMap, len(raw))
	for i, c := range raw {
		out[i] = countClass[c]
	}
	return out
}
