package audit

import (
	"encoding/binary"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/egret/internal/clock"
	"grimm.is/egret/internal/policy"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(filepath.Join(t.TempDir(), "deny.db"), 30)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStoreWriteAndQuery(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.Write(Record{
		Direction: "out", Family: "v4", Protocol: "TCP",
		SrcIP: "10.0.0.5", DstIP: "203.0.113.9", SrcPort: 43210, DstPort: 443,
	}))
	require.NoError(t, s.Write(Record{Direction: "in", Family: "v6", Protocol: "UDP"}))

	recs, err := s.Query(clock.Now().Add(-time.Hour), clock.Now().Add(time.Hour), "", 0)
	require.NoError(t, err)
	require.Len(t, recs, 2)

	out, err := s.Query(clock.Now().Add(-time.Hour), clock.Now().Add(time.Hour), "out", 0)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "203.0.113.9", out[0].DstIP)
	assert.Equal(t, uint16(443), out[0].DstPort)
	assert.False(t, out[0].IsMarker())
}

func TestStorePrune(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.Write(Record{Timestamp: clock.Now().AddDate(0, 0, -60), Direction: "out", Family: "v4"}))
	require.NoError(t, s.Write(Record{Direction: "out", Family: "v4"}))

	n, err := s.Prune()
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	count, err := s.Count()
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestStoreMarker(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.WriteMarker("out", "v4", 42))
	require.NoError(t, s.WriteMarker("out", "v4", 0), "zero markers are dropped")

	recs, err := s.Query(clock.Now().Add(-time.Hour), clock.Now().Add(time.Hour), "out", 0)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.True(t, recs[0].IsMarker())
	assert.Equal(t, int64(42), recs[0].Suppressed)
}

func TestClassify(t *testing.T) {
	dir, fam, ok := Classify("EGRET-DENY-OUT4: ")
	require.True(t, ok)
	assert.Equal(t, "out", dir)
	assert.Equal(t, "v4", fam)

	dir, fam, ok = Classify("EGRET-DENY-IN6: ")
	require.True(t, ok)
	assert.Equal(t, "in", dir)
	assert.Equal(t, "v6", fam)

	_, _, ok = Classify("SOMETHING-ELSE: ")
	assert.False(t, ok, "foreign prefixes on the shared group are ignored")
}

// buildTCP4 crafts a minimal IPv4 TCP packet.
func buildTCP4(src, dst string, sport, dport uint16) []byte {
	pkt := make([]byte, 24)
	pkt[0] = 0x45 // version 4, IHL 5
	pkt[9] = 6    // TCP
	copy(pkt[12:16], net.ParseIP(src).To4())
	copy(pkt[16:20], net.ParseIP(dst).To4())
	binary.BigEndian.PutUint16(pkt[20:22], sport)
	binary.BigEndian.PutUint16(pkt[22:24], dport)
	return pkt
}

func buildUDP6(src, dst string, sport, dport uint16) []byte {
	pkt := make([]byte, 44)
	pkt[0] = 0x60 // version 6
	pkt[6] = 17   // UDP
	copy(pkt[8:24], net.ParseIP(src).To16())
	copy(pkt[24:40], net.ParseIP(dst).To16())
	binary.BigEndian.PutUint16(pkt[40:42], sport)
	binary.BigEndian.PutUint16(pkt[42:44], dport)
	return pkt
}

func TestParsePacketIPv4TCP(t *testing.T) {
	info, ok := ParsePacket(buildTCP4("10.0.0.5", "203.0.113.9", 43210, 443))
	require.True(t, ok)
	assert.Equal(t, "TCP", info.Protocol)
	assert.Equal(t, "10.0.0.5", info.SrcIP)
	assert.Equal(t, "203.0.113.9", info.DstIP)
	assert.Equal(t, uint16(443), info.DstPort)
}

func TestParsePacketIPv6UDP(t *testing.T) {
	info, ok := ParsePacket(buildUDP6("2001:db8::1", "2001:db8::2", 5000, 53))
	require.True(t, ok)
	assert.Equal(t, "UDP", info.Protocol)
	assert.Equal(t, "2001:db8::1", info.SrcIP)
	assert.Equal(t, uint16(53), info.DstPort)
}

func TestParsePacketTruncated(t *testing.T) {
	_, ok := ParsePacket([]byte{0x45, 0x00})
	assert.False(t, ok)
	_, ok = ParsePacket(nil)
	assert.False(t, ok)
}

func TestSinkSuppressionMarkers(t *testing.T) {
	s := newTestStore(t)
	sink := NewSink(s, policy.Audit{NFLogGroup: 71, Burst: 2, RatePerMinute: 3, RetentionDays: 30})

	// Flood one key past the write budget.
	for i := 0; i < 10; i++ {
		sink.Record(Record{Direction: "out", Family: "v4", Protocol: "TCP"})
	}
	sink.FlushMarkers()

	recs, err := s.Query(clock.Now().Add(-time.Hour), clock.Now().Add(time.Hour), "out", 0)
	require.NoError(t, err)

	var full, markers int
	var suppressed int64
	for _, r := range recs {
		if r.IsMarker() {
			markers++
			suppressed += r.Suppressed
		} else {
			full++
		}
	}
	assert.Equal(t, 5, full, "writes capped at rate plus the configured burst")
	assert.Equal(t, 1, markers, "one marker per flushed window")
	assert.Equal(t, int64(5), suppressed, "every dropped record is accounted for")
}
