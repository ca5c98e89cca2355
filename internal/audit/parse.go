package audit

import (
	"encoding/binary"
	"fmt"
	"net"
	"strings"

	"grimm.is/egret/internal/compiler"
)

// PacketInfo is the transport-level summary extracted from a logged packet.
type PacketInfo struct {
	Protocol string
	SrcIP    string
	DstIP    string
	SrcPort  uint16
	DstPort  uint16
}

// Classify maps a deny-rule log prefix to direction and family. Unknown
// prefixes (anything another table logs on the same group) return ok=false.
func Classify(prefix string) (direction, family string, ok bool) {
	switch strings.TrimSpace(prefix) {
	case strings.TrimSpace(compiler.PrefixDenyIn4):
		return "in", "v4", true
	case strings.TrimSpace(compiler.PrefixDenyIn6):
		return "in", "v6", true
	case strings.TrimSpace(compiler.PrefixDenyOut4):
		return "out", "v4", true
	case strings.TrimSpace(compiler.PrefixDenyOut6):
		return "out", "v6", true
	}
	return "", "", false
}

// ParsePacket extracts addresses and ports from a raw IP packet payload.
func ParsePacket(payload []byte) (PacketInfo, bool) {
	if len(payload) < 20 {
		return PacketInfo{}, false
	}

	switch payload[0] >> 4 {
	case 4:
		return parseIPv4(payload)
	case 6:
		return parseIPv6(payload)
	}
	return PacketInfo{}, false
}

func parseIPv4(payload []byte) (PacketInfo, bool) {
	ihl := int(payload[0]&0x0f) * 4
	if ihl < 20 || len(payload) < ihl {
		return PacketInfo{}, false
	}

	info := PacketInfo{
		SrcIP: net.IP(payload[12:16]).String(),
		DstIP: net.IP(payload[16:20]).String(),
	}

	switch payload[9] {
	case 1:
		info.Protocol = "ICMP"
	case 6:
		info.Protocol = "TCP"
		parsePorts(payload[ihl:], &info)
	case 17:
		info.Protocol = "UDP"
		parsePorts(payload[ihl:], &info)
	default:
		info.Protocol = fmt.Sprintf("IP/%d", payload[9])
	}
	return info, true
}

func parseIPv6(payload []byte) (PacketInfo, bool) {
	if len(payload) < 40 {
		return PacketInfo{}, false
	}

	info := PacketInfo{
		SrcIP: net.IP(payload[8:24]).String(),
		DstIP: net.IP(payload[24:40]).String(),
	}

	switch payload[6] {
	case 6:
		info.Protocol = "TCP"
		parsePorts(payload[40:], &info)
	case 17:
		info.Protocol = "UDP"
		parsePorts(payload[40:], &info)
	case 58:
		info.Protocol = "ICMPv6"
	default:
		info.Protocol = fmt.Sprintf("IPv6/%d", payload[6])
	}
	return info, true
}

func parsePorts(transport []byte, info *PacketInfo) {
	if len(transport) < 4 {
		return
	}
	info.SrcPort = binary.BigEndian.Uint16(transport[0:2])
	info.DstPort = binary.BigEndian.Uint16(transport[2:4])
}
