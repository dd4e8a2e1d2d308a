package media

const (
	// RTP payload types for the supported G.711 codecs.
	PayloadPCMU = 0 // G.711 u-law
	PayloadPCMA = 8 // G.711 a-law

	// maxRTPPacket is the maximum UDP packet size we handle.
	// Standard Ethernet MTU minus IP/UDP headers gives ~1472 bytes,
	// but we allow larger for jumbo frames or aggregation.
	maxRTPPacket = 1500

	// minRTPHeader is the minimum RTP header size (12 bytes).
	minRTPHeader = 12
)

// rtpPayloadType extracts the payload type from an RTP packet.
// Returns -1 if the packet is too small to be valid RTP.
func rtpPayloadType(pkt []byte) int {
	if len(pkt) < minRTPHeader {
		return -1
	}
	// Payload type is bits 1-7 of the second byte (mask off marker bit).
	return int(pkt[1] & 0x7F)
}
