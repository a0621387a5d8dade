package imaging

// Layout describes the geometry of one decoded image as read from its header.
type Layout struct {
	Width      int
	Height     int
	Components int
}

// Count is the number of samples in the image.
func (l Layout) Count() int {
	return l.Width * l.Height * l.Components
}

// ScanlineLen is the number of interleaved samples in one decoded scanline.
func (l Layout) ScanlineLen() int {
	return l.Width * l.Components
}

// SourceOffset is the position of component comp of column col inside an
// interleaved scanline.
func (l Layout) SourceOffset(col, comp int) int {
	return col*l.Components + comp
}

// DestIndex is the planar tensor position for component comp of column col on
// decoded scanline line. Channels are reversed (the last decoded component
// lands in channel 0) and rows are flipped (the first scanline lands in the
// last row), matching the layout the network was trained on.
func (l Layout) DestIndex(comp, line, col int) int {
	channel := l.Components - 1 - comp
	row := l.Height - 1 - line
	return channel*l.Width*l.Height + row*l.Width + col
}
