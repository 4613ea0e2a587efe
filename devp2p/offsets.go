package devp2p

// offsetRange is one entry of a connection's subprotocol offset map: wire
// message-ids in [lo, hi) belong to Proto.
type offsetRange struct {
	lo, hi uint64
	proto  Protocol
}

// contains reports whether the wire message-id falls in this range.
func (r offsetRange) contains(code uint64) bool {
	return code >= r.lo && code < r.hi
}

// matchProtocols builds the offset map for one connection from the peer's
// advertised capabilities and the locally installed subprotocols.
//
// Unlike upstream devp2p's matchProtocols, this does NOT sort the peer's
// capability list first: ranges are assigned walking the capabilities in
// the exact order the peer's Hello listed them, and one id is left
// unassigned before each range - a "+1 gap" between consecutive
// subprotocols that real-world go-ethereum's gap-less, sorted algorithm
// does not have. Each range itself spans exactly Length ids. Both
// departures are deliberate; see the capability
// negotiation notes this module was built against.
//
// A capability name that appears more than once in caps is rejected by
// the caller before this function runs (see handleHello), so every name
// here is assigned at most one range.
func matchProtocols(protocols []Protocol, caps []Cap) []offsetRange {
	start := uint64(baseProtocolLength)
	var ranges []offsetRange

	for _, cap := range caps {
		proto, ok := firstMatchingProtocol(protocols, cap)
		if !ok {
			continue
		}
		n := proto.Length
		ranges = append(ranges, offsetRange{lo: start + 1, hi: start + n + 1, proto: proto})
		start += n + 1
	}
	return ranges
}

func firstMatchingProtocol(protocols []Protocol, cap Cap) (Protocol, bool) {
	for _, proto := range protocols {
		if proto.Name == cap.Name && proto.Version == cap.Version {
			return proto, true
		}
	}
	return Protocol{}, false
}

// findByCode returns the range whose [lo, hi) contains code.
func findByCode(ranges []offsetRange, code uint64) (offsetRange, bool) {
	for _, r := range ranges {
		if r.contains(code) {
			return r, true
		}
	}
	return offsetRange{}, false
}

// hasDuplicateName reports whether caps names the same protocol more than
// once; devp2p Hello rejects this to keep offset lookup unambiguous.
func hasDuplicateName(caps []Cap) (string, bool) {
	seen := make(map[string]bool, len(caps))
	for _, c := range caps {
		if seen[c.Name] {
			return c.Name, true
		}
		seen[c.Name] = true
	}
	return "", false
}
