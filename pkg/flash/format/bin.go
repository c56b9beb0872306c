package format

// BinLoader loads a raw binary image verbatim at a caller-supplied base
// address — there is no format to detect an address from.
type BinLoader struct {
	BaseAddress uint32
}

func (l *BinLoader) Load(data []byte, handler WriteHandler) error {
	return handler(l.BaseAddress, data)
}
