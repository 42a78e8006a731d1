package gossip

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"memberd/internal/transport"
)

func sampleState() *EndpointState {
	s := NewEndpointState(HeartBeatState{Generation: 1700000000, Version: 42})
	s.AppStates[StateStatus] = VersionedValue{Value: StatusNormal, Version: 40}
	s.AppStates[StateTokens] = VersionedValue{Value: "128", Version: 12}
	s.AppStates[StateLoad] = VersionedValue{Value: "0.73", Version: 41}
	return s
}

func TestSynRoundTrip(t *testing.T) {
	in := &Syn{
		ClusterName: "prod",
		Partitioner: "murmur3",
		Digests: []Digest{
			{Endpoint: "10.0.0.1:7000", Generation: 1700000000, MaxVersion: 42},
			{Endpoint: "10.0.0.2:7000"},
		},
	}
	b, err := EncodeSyn(in, transport.ProtocolVersion)
	require.NoError(t, err)

	out, err := DecodeSyn(b, transport.ProtocolVersion)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestSynRoundTrip_EmptyDigestList(t *testing.T) {
	in := &Syn{ClusterName: "prod", Partitioner: "murmur3", Digests: []Digest{}}
	b, err := EncodeSyn(in, transport.ProtocolVersion)
	require.NoError(t, err)

	out, err := DecodeSyn(b, transport.ProtocolVersion)
	require.NoError(t, err)
	assert.Empty(t, out.Digests)
}

func TestAckRoundTrip(t *testing.T) {
	in := &Ack{
		Digests: []Digest{{Endpoint: "10.0.0.3:7000", Generation: 5, MaxVersion: 9}},
		States: map[transport.Endpoint]*EndpointState{
			"10.0.0.1:7000": sampleState(),
			"10.0.0.2:7000": NewEndpointState(HeartBeatState{Generation: 3, Version: 1}),
		},
	}
	b, err := EncodeAck(in, transport.ProtocolVersion)
	require.NoError(t, err)

	out, err := DecodeAck(b, transport.ProtocolVersion)
	require.NoError(t, err)
	require.Len(t, out.States, 2)
	assert.Equal(t, in.Digests, out.Digests)
	assert.Equal(t, in.States["10.0.0.1:7000"].AppStates, out.States["10.0.0.1:7000"].AppStates)
	assert.Equal(t, in.States["10.0.0.1:7000"].HeartBeat, out.States["10.0.0.1:7000"].HeartBeat)
}

func TestAck2RoundTrip(t *testing.T) {
	in := &Ack2{States: map[transport.Endpoint]*EndpointState{"10.0.0.1:7000": sampleState()}}
	b, err := EncodeAck2(in, transport.ProtocolVersion)
	require.NoError(t, err)

	out, err := DecodeAck2(b, transport.ProtocolVersion)
	require.NoError(t, err)
	require.Len(t, out.States, 1)
	assert.Equal(t, in.States["10.0.0.1:7000"].HeartBeat, out.States["10.0.0.1:7000"].HeartBeat)
}

func TestDecode_TruncatedPayloads(t *testing.T) {
	syn := &Syn{ClusterName: "prod", Partitioner: "murmur3", Digests: []Digest{
		{Endpoint: "10.0.0.1:7000", Generation: 1, MaxVersion: 2},
	}}
	full, err := EncodeSyn(syn, transport.ProtocolVersion)
	require.NoError(t, err)

	// Every strict prefix must fail cleanly rather than decode partially.
	for cut := 0; cut < len(full); cut++ {
		if _, err := DecodeSyn(full[:cut], transport.ProtocolVersion); err == nil {
			t.Fatalf("truncation at %d bytes decoded without error", cut)
		}
	}
}

func TestCodec_RejectsUnsupportedVersion(t *testing.T) {
	syn := &Syn{ClusterName: "prod", Partitioner: "murmur3"}
	b, err := EncodeSyn(syn, transport.ProtocolVersion)
	require.NoError(t, err)

	_, err = EncodeSyn(syn, transport.ProtocolVersion+1)
	assert.Error(t, err)
	_, err = DecodeSyn(b, 0)
	assert.Error(t, err)
	_, err = DecodeSyn(b, transport.ProtocolVersion+1)
	assert.Error(t, err)
}

// A spoofed datagram may claim an absurd element count in a few bytes. The
// decoder must reject the count against the remaining payload instead of
// sizing an allocation from it.
func TestDecode_RejectsInflatedCounts(t *testing.T) {
	huge := make([]byte, 4)
	binary.BigEndian.PutUint32(huge, 0x7fffffff)

	_, err := DecodeAck(huge, transport.ProtocolVersion)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exceeds remaining")

	_, err = DecodeAck2(huge, transport.ProtocolVersion)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exceeds remaining")

	// Same attack one level down: a valid state map shell whose single entry
	// claims 2^31-1 application states.
	var b bytes.Buffer
	binary.Write(&b, binary.BigEndian, int32(1)) // state map size
	binary.Write(&b, binary.BigEndian, uint16(3))
	b.WriteString("a:1")
	binary.Write(&b, binary.BigEndian, int64(5))       // generation
	binary.Write(&b, binary.BigEndian, int32(1))       // heartbeat version
	binary.Write(&b, binary.BigEndian, int32(1<<31-1)) // app-state count
	_, err = DecodeAck2(b.Bytes(), transport.ProtocolVersion)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exceeds remaining")
}

func TestDecode_GarbageStateMap(t *testing.T) {
	// A state map claiming more entries than the payload holds.
	b, err := EncodeAck2(&Ack2{States: map[transport.Endpoint]*EndpointState{}}, transport.ProtocolVersion)
	require.NoError(t, err)
	b[3] = 0xff // inflate the count
	_, err = DecodeAck2(b, transport.ProtocolVersion)
	assert.Error(t, err)
}
