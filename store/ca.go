package store

// RenderContentAddressMethod gives the daemon's textual name for a
// content-address method, e.g. "text:sha256" or "fixed:r:sha256".
func RenderContentAddressMethod(m ContentAddressMethod) string {
	switch m := m.(type) {
	case TextIngestionMethod:
		return "text:sha256"
	case FixedOutputIngestionMethod:
		if m.Recursive {
			return "fixed:r:" + m.HashAlgo
		}
		return "fixed:" + m.HashAlgo
	default:
		panic("unknown content address method")
	}
}
