package gossip

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sort"

	"memberd/internal/transport"
)

// Wire codec for the gossip payloads. The layout is version-tagged per call
// so both sides of a rolling upgrade can keep talking; all integers are
// big-endian, strings and endpoints are uint16 length-prefixed, sequences
// are int32 count-prefixed.
//
// A message that fails to decode is rejected whole; no partially decoded
// state ever reaches the table.

const maxWireString = 64 * 1024

// Smallest possible encodings, used to bound count prefixes by the bytes
// actually remaining so a spoofed count cannot force a huge allocation.
const (
	minWireDigestSize   = 2 + 8 + 4 // endpoint length prefix + generation + maxVersion
	minWireAppStateSize = 4 + 2 + 4 // key + value length prefix + version
	minWireStateSize    = 8 + 4 + 4 // generation + version + app-state count
	minWireStateMapSize = 2 + minWireStateSize
)

// checkWireCount rejects a count prefix that claims more entries than the
// remaining payload could possibly hold.
func checkWireCount(r *wireReader, n int32, minEntrySize int, what string) error {
	if n < 0 {
		return fmt.Errorf("negative %s count %d", what, n)
	}
	if int64(n)*int64(minEntrySize) > int64(r.r.Len()) {
		return fmt.Errorf("%s count %d exceeds remaining %d bytes", what, n, r.r.Len())
	}
	return nil
}

func checkWireVersion(version int32) error {
	if version <= 0 || version > transport.ProtocolVersion {
		return fmt.Errorf("unsupported protocol version %d", version)
	}
	return nil
}

type wireWriter struct {
	buf bytes.Buffer
}

func (w *wireWriter) writeInt32(v int32)  { binary.Write(&w.buf, binary.BigEndian, v) }
func (w *wireWriter) writeInt64(v int64)  { binary.Write(&w.buf, binary.BigEndian, v) }
func (w *wireWriter) writeString(s string) error {
	if len(s) >= maxWireString {
		return fmt.Errorf("string field too long: %d bytes", len(s))
	}
	binary.Write(&w.buf, binary.BigEndian, uint16(len(s)))
	w.buf.WriteString(s)
	return nil
}

type wireReader struct {
	r *bytes.Reader
}

func (r *wireReader) readInt32() (int32, error) {
	var v int32
	if err := binary.Read(r.r, binary.BigEndian, &v); err != nil {
		return 0, fmt.Errorf("read int32: %w", err)
	}
	return v, nil
}

func (r *wireReader) readInt64() (int64, error) {
	var v int64
	if err := binary.Read(r.r, binary.BigEndian, &v); err != nil {
		return 0, fmt.Errorf("read int64: %w", err)
	}
	return v, nil
}

func (r *wireReader) readString() (string, error) {
	var n uint16
	if err := binary.Read(r.r, binary.BigEndian, &n); err != nil {
		return "", fmt.Errorf("read string length: %w", err)
	}
	if int(n) > r.r.Len() {
		return "", fmt.Errorf("string length %d exceeds remaining %d bytes", n, r.r.Len())
	}
	b := make([]byte, n)
	if _, err := r.r.Read(b); err != nil {
		return "", fmt.Errorf("read string: %w", err)
	}
	return string(b), nil
}

func writeDigest(w *wireWriter, d Digest) error {
	if err := w.writeString(string(d.Endpoint)); err != nil {
		return err
	}
	w.writeInt64(d.Generation)
	w.writeInt32(d.MaxVersion)
	return nil
}

func readDigest(r *wireReader) (Digest, error) {
	ep, err := r.readString()
	if err != nil {
		return Digest{}, err
	}
	gen, err := r.readInt64()
	if err != nil {
		return Digest{}, err
	}
	maxVer, err := r.readInt32()
	if err != nil {
		return Digest{}, err
	}
	return Digest{Endpoint: transport.Endpoint(ep), Generation: gen, MaxVersion: maxVer}, nil
}

func writeDigestList(w *wireWriter, digests []Digest) error {
	w.writeInt32(int32(len(digests)))
	for _, d := range digests {
		if err := writeDigest(w, d); err != nil {
			return err
		}
	}
	return nil
}

func readDigestList(r *wireReader) ([]Digest, error) {
	n, err := r.readInt32()
	if err != nil {
		return nil, err
	}
	if err := checkWireCount(r, n, minWireDigestSize, "digest"); err != nil {
		return nil, err
	}
	digests := make([]Digest, 0, n)
	for i := int32(0); i < n; i++ {
		d, err := readDigest(r)
		if err != nil {
			return nil, err
		}
		digests = append(digests, d)
	}
	return digests, nil
}

func writeEndpointState(w *wireWriter, s *EndpointState) error {
	w.writeInt64(s.HeartBeat.Generation)
	w.writeInt32(s.HeartBeat.Version)
	w.writeInt32(int32(len(s.AppStates)))
	// Deterministic order keeps encodings comparable in tests and logs.
	keys := make([]ApplicationState, 0, len(s.AppStates))
	for k := range s.AppStates {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	for _, k := range keys {
		v := s.AppStates[k]
		w.writeInt32(int32(k))
		if err := w.writeString(v.Value); err != nil {
			return err
		}
		w.writeInt32(v.Version)
	}
	return nil
}

func readEndpointState(r *wireReader) (*EndpointState, error) {
	gen, err := r.readInt64()
	if err != nil {
		return nil, err
	}
	ver, err := r.readInt32()
	if err != nil {
		return nil, err
	}
	n, err := r.readInt32()
	if err != nil {
		return nil, err
	}
	if err := checkWireCount(r, n, minWireAppStateSize, "app-state"); err != nil {
		return nil, err
	}
	s := NewEndpointState(HeartBeatState{Generation: gen, Version: ver})
	for i := int32(0); i < n; i++ {
		key, err := r.readInt32()
		if err != nil {
			return nil, err
		}
		value, err := r.readString()
		if err != nil {
			return nil, err
		}
		version, err := r.readInt32()
		if err != nil {
			return nil, err
		}
		s.AppStates[ApplicationState(key)] = VersionedValue{Value: value, Version: version}
	}
	return s, nil
}

func writeStateMap(w *wireWriter, states map[transport.Endpoint]*EndpointState) error {
	w.writeInt32(int32(len(states)))
	eps := make([]transport.Endpoint, 0, len(states))
	for ep := range states {
		eps = append(eps, ep)
	}
	sort.Slice(eps, func(i, j int) bool { return eps[i] < eps[j] })
	for _, ep := range eps {
		if err := w.writeString(string(ep)); err != nil {
			return err
		}
		if err := writeEndpointState(w, states[ep]); err != nil {
			return err
		}
	}
	return nil
}

func readStateMap(r *wireReader) (map[transport.Endpoint]*EndpointState, error) {
	n, err := r.readInt32()
	if err != nil {
		return nil, err
	}
	if err := checkWireCount(r, n, minWireStateMapSize, "state map"); err != nil {
		return nil, err
	}
	states := make(map[transport.Endpoint]*EndpointState, n)
	for i := int32(0); i < n; i++ {
		ep, err := r.readString()
		if err != nil {
			return nil, err
		}
		s, err := readEndpointState(r)
		if err != nil {
			return nil, err
		}
		states[transport.Endpoint(ep)] = s
	}
	return states, nil
}

// EncodeSyn serializes a Syn for the given protocol version.
func EncodeSyn(m *Syn, version int32) ([]byte, error) {
	if err := checkWireVersion(version); err != nil {
		return nil, err
	}
	w := &wireWriter{}
	if err := w.writeString(m.ClusterName); err != nil {
		return nil, err
	}
	if err := w.writeString(m.Partitioner); err != nil {
		return nil, err
	}
	if err := writeDigestList(w, m.Digests); err != nil {
		return nil, err
	}
	return w.buf.Bytes(), nil
}

// DecodeSyn deserializes a Syn for the given protocol version.
func DecodeSyn(b []byte, version int32) (*Syn, error) {
	if err := checkWireVersion(version); err != nil {
		return nil, err
	}
	r := &wireReader{r: bytes.NewReader(b)}
	cluster, err := r.readString()
	if err != nil {
		return nil, fmt.Errorf("syn cluster name: %w", err)
	}
	partitioner, err := r.readString()
	if err != nil {
		return nil, fmt.Errorf("syn partitioner: %w", err)
	}
	digests, err := readDigestList(r)
	if err != nil {
		return nil, fmt.Errorf("syn digests: %w", err)
	}
	return &Syn{ClusterName: cluster, Partitioner: partitioner, Digests: digests}, nil
}

// EncodeAck serializes an Ack for the given protocol version.
func EncodeAck(m *Ack, version int32) ([]byte, error) {
	if err := checkWireVersion(version); err != nil {
		return nil, err
	}
	w := &wireWriter{}
	if err := writeDigestList(w, m.Digests); err != nil {
		return nil, err
	}
	if err := writeStateMap(w, m.States); err != nil {
		return nil, err
	}
	return w.buf.Bytes(), nil
}

// DecodeAck deserializes an Ack for the given protocol version.
func DecodeAck(b []byte, version int32) (*Ack, error) {
	if err := checkWireVersion(version); err != nil {
		return nil, err
	}
	r := &wireReader{r: bytes.NewReader(b)}
	digests, err := readDigestList(r)
	if err != nil {
		return nil, fmt.Errorf("ack digests: %w", err)
	}
	states, err := readStateMap(r)
	if err != nil {
		return nil, fmt.Errorf("ack state map: %w", err)
	}
	return &Ack{Digests: digests, States: states}, nil
}

// EncodeAck2 serializes an Ack2 for the given protocol version.
func EncodeAck2(m *Ack2, version int32) ([]byte, error) {
	if err := checkWireVersion(version); err != nil {
		return nil, err
	}
	w := &wireWriter{}
	if err := writeStateMap(w, m.States); err != nil {
		return nil, err
	}
	return w.buf.Bytes(), nil
}

// DecodeAck2 deserializes an Ack2 for the given protocol version.
func DecodeAck2(b []byte, version int32) (*Ack2, error) {
	if err := checkWireVersion(version); err != nil {
		return nil, err
	}
	r := &wireReader{r: bytes.NewReader(b)}
	states, err := readStateMap(r)
	if err != nil {
		return nil, fmt.Errorf("ack2 state map: %w", err)
	}
	return &Ack2{States: states}, nil
}
