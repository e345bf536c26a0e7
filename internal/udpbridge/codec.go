package udpbridge

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/pion/stun/v3"

	"meshmon/internal/model"
)

// Gateway methods. STUN reserves 0x000-0x0ff for IANA methods, so these sit
// above that range.
const (
	methodSubscribe  stun.Method = 0x300
	methodTraceroute stun.Method = 0x301
	methodNodeInfo   stun.Method = 0x302
	methodRouteReply stun.Method = 0x303
	methodPacketSeen stun.Method = 0x304
	methodLocalInfo  stun.Method = 0x305
)

// Comprehension-optional private attributes.
const (
	attrNodeNum   stun.AttrType = 0xC100
	attrHopLimit  stun.AttrType = 0xC101
	attrLongName  stun.AttrType = 0xC102
	attrShortName stun.AttrType = 0xC103
	attrRole      stun.AttrType = 0xC104
	attrPosition  stun.AttrType = 0xC105
	attrMetrics   stun.AttrType = 0xC106
	attrLastHeard stun.AttrType = 0xC107
	attrHopsAway  stun.AttrType = 0xC108
	attrFlags     stun.AttrType = 0xC109
	attrSNR       stun.AttrType = 0xC10A
	attrRoute     stun.AttrType = 0xC10B
	attrRouteBack stun.AttrType = 0xC10C
	attrSNRTo     stun.AttrType = 0xC10D
	attrSNRBack   stun.AttrType = 0xC10E
	attrPacketID  stun.AttrType = 0xC10F
	attrFrom      stun.AttrType = 0xC110
	attrTo        stun.AttrType = 0xC111
	attrRxTime    stun.AttrType = 0xC112
	attrPort      stun.AttrType = 0xC113
)

const (
	flagFavorite = 1 << 0

	// Per-hop SNR travels as signed quarter-dB, matching the radio firmware.
	snrUnknown = math.MinInt8
	coordScale = 1e7
)

var errNotNodeNum = errors.New("not a node number")

func nodeNum(id string) (uint32, error) {
	num, ok := model.ParseNodeNum(id)
	if !ok {
		return 0, fmt.Errorf("%q: %w", id, errNotNodeNum)
	}
	return num, nil
}

func u32(v uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, v)
	return b
}

func getU32(m *stun.Message, t stun.AttrType) (uint32, bool) {
	b, err := m.Get(t)
	if err != nil || len(b) < 4 {
		return 0, false
	}
	return binary.BigEndian.Uint32(b), true
}

func getU8(m *stun.Message, t stun.AttrType) (uint8, bool) {
	b, err := m.Get(t)
	if err != nil || len(b) < 1 {
		return 0, false
	}
	return b[0], true
}

func getString(m *stun.Message, t stun.AttrType) string {
	b, err := m.Get(t)
	if err != nil {
		return ""
	}
	return string(b)
}

func encodeIDs(ids []string) ([]byte, error) {
	out := make([]byte, 0, 4*len(ids))
	for _, id := range ids {
		num, err := nodeNum(id)
		if err != nil {
			return nil, err
		}
		out = binary.BigEndian.AppendUint32(out, num)
	}
	return out, nil
}

func decodeIDs(m *stun.Message, t stun.AttrType) []string {
	b, err := m.Get(t)
	if err != nil {
		return nil
	}
	out := make([]string, 0, len(b)/4)
	for i := 0; i+4 <= len(b); i += 4 {
		out = append(out, model.FormatNodeNum(binary.BigEndian.Uint32(b[i:])))
	}
	return out
}

func encodeSNR(v float64) byte {
	q := math.Round(v * 4)
	if math.IsNaN(q) || q <= snrUnknown || q > math.MaxInt8 {
		return 0x80
	}
	return byte(int8(q))
}

func decodeSNR(b byte) (float64, bool) {
	q := int8(b)
	if q == snrUnknown {
		return 0, false
	}
	return float64(q) / 4, true
}

func encodeSNRs(vals []float64) []byte {
	out := make([]byte, len(vals))
	for i, v := range vals {
		out[i] = encodeSNR(v)
	}
	return out
}

// decodeSNRs drops unknown entries; the relay sequence stays authoritative
// for hop counts.
func decodeSNRs(m *stun.Message, t stun.AttrType) []float64 {
	b, err := m.Get(t)
	if err != nil {
		return nil
	}
	out := make([]float64, 0, len(b))
	for _, v := range b {
		if snr, ok := decodeSNR(v); ok {
			out = append(out, snr)
		}
	}
	return out
}

func build(typ stun.MessageType, tid []byte, attrs ...stun.Setter) (*stun.Message, error) {
	setters := make([]stun.Setter, 0, len(attrs)+3)
	if tid == nil {
		setters = append(setters, stun.TransactionID)
	} else {
		var id [stun.TransactionIDSize]byte
		copy(id[:], tid)
		setters = append(setters, stun.NewTransactionIDSetter(id))
	}
	setters = append(setters, typ)
	setters = append(setters, attrs...)
	setters = append(setters, stun.Fingerprint)
	return stun.Build(setters...)
}

func raw(t stun.AttrType, v []byte) stun.RawAttribute {
	return stun.RawAttribute{Type: t, Value: v}
}

// decode parses a datagram and verifies its fingerprint.
func decode(b []byte) (*stun.Message, error) {
	if !stun.IsMessage(b) {
		return nil, errors.New("not a gateway message")
	}
	m := new(stun.Message)
	if err := m.UnmarshalBinary(b); err != nil {
		return nil, err
	}
	if err := stun.Fingerprint.Check(m); err != nil {
		return nil, fmt.Errorf("fingerprint: %w", err)
	}
	return m, nil
}

func nodeInfoAttrs(n model.Node) ([]stun.Setter, error) {
	num, err := nodeNum(n.ID)
	if err != nil {
		return nil, err
	}
	attrs := []stun.Setter{
		raw(attrNodeNum, u32(num)),
		raw(attrRole, u32(uint32(n.Role))),
		raw(attrHopsAway, []byte{uint8(min(max(n.HopsAway, 0), math.MaxUint8))}),
	}
	if n.LongName != "" {
		attrs = append(attrs, raw(attrLongName, []byte(n.LongName)))
	}
	if n.ShortName != "" {
		attrs = append(attrs, raw(attrShortName, []byte(n.ShortName)))
	}
	if n.Position != nil {
		pos := make([]byte, 8)
		binary.BigEndian.PutUint32(pos[0:], uint32(int32(math.Round(n.Position.Lat*coordScale))))
		binary.BigEndian.PutUint32(pos[4:], uint32(int32(math.Round(n.Position.Lon*coordScale))))
		attrs = append(attrs, raw(attrPosition, pos))
	}

	metrics := make([]byte, 12)
	binary.BigEndian.PutUint32(metrics[0:], math.Float32bits(float32(n.Metrics.ChannelUtilization)))
	binary.BigEndian.PutUint32(metrics[4:], math.Float32bits(float32(n.Metrics.AirUtilTx)))
	battery := int32(-1)
	if n.Metrics.Battery != nil {
		battery = int32(*n.Metrics.Battery)
	}
	binary.BigEndian.PutUint32(metrics[8:], uint32(battery))
	attrs = append(attrs, raw(attrMetrics, metrics))

	if !n.LastHeard.IsZero() {
		attrs = append(attrs, raw(attrLastHeard, u32(uint32(n.LastHeard.Unix()))))
	}
	if n.Favorite {
		attrs = append(attrs, raw(attrFlags, []byte{flagFavorite}))
	}
	if n.SNR != nil {
		attrs = append(attrs, raw(attrSNR, []byte{encodeSNR(*n.SNR)}))
	}
	return attrs, nil
}

func decodeNodeInfo(m *stun.Message) (model.Node, error) {
	num, ok := getU32(m, attrNodeNum)
	if !ok {
		return model.Node{}, errors.New("node info without node number")
	}
	n := model.Node{
		ID:        model.FormatNodeNum(num),
		LongName:  getString(m, attrLongName),
		ShortName: getString(m, attrShortName),
	}
	if role, ok := getU32(m, attrRole); ok {
		n.Role = model.ParseRole(role)
	}
	if hops, ok := getU8(m, attrHopsAway); ok {
		n.HopsAway = int(hops)
	}
	if b, err := m.Get(attrPosition); err == nil && len(b) >= 8 {
		n.Position = &model.Position{
			Lat: float64(int32(binary.BigEndian.Uint32(b[0:]))) / coordScale,
			Lon: float64(int32(binary.BigEndian.Uint32(b[4:]))) / coordScale,
		}
	}
	if b, err := m.Get(attrMetrics); err == nil && len(b) >= 12 {
		n.Metrics.ChannelUtilization = float64(math.Float32frombits(binary.BigEndian.Uint32(b[0:])))
		n.Metrics.AirUtilTx = float64(math.Float32frombits(binary.BigEndian.Uint32(b[4:])))
		if battery := int32(binary.BigEndian.Uint32(b[8:])); battery >= 0 {
			v := int(battery)
			n.Metrics.Battery = &v
		}
	}
	if ts, ok := getU32(m, attrLastHeard); ok {
		n.LastHeard = time.Unix(int64(ts), 0).UTC()
	}
	if flags, ok := getU8(m, attrFlags); ok {
		n.Favorite = flags&flagFavorite != 0
	}
	if b, ok := getU8(m, attrSNR); ok {
		if snr, ok := decodeSNR(b); ok {
			n.SNR = &snr
		}
	}
	return n, nil
}

func routeReplyAttrs(r model.ProbeResponse) ([]stun.Setter, error) {
	from, err := nodeNum(r.From)
	if err != nil {
		return nil, err
	}
	route, err := encodeIDs(r.Route)
	if err != nil {
		return nil, err
	}
	back, err := encodeIDs(r.RouteBack)
	if err != nil {
		return nil, err
	}
	attrs := []stun.Setter{
		raw(attrFrom, u32(from)),
		raw(attrRoute, route),
		raw(attrRouteBack, back),
		raw(attrSNRTo, encodeSNRs(r.SNRTowards)),
		raw(attrSNRBack, encodeSNRs(r.SNRBack)),
	}
	if r.RxSNR != nil {
		attrs = append(attrs, raw(attrSNR, []byte{encodeSNR(*r.RxSNR)}))
	}
	return attrs, nil
}

func decodeRouteReply(m *stun.Message, at time.Time) (model.ProbeResponse, error) {
	from, ok := getU32(m, attrFrom)
	if !ok {
		return model.ProbeResponse{}, errors.New("route reply without sender")
	}
	r := model.ProbeResponse{
		From:       model.FormatNodeNum(from),
		Route:      decodeIDs(m, attrRoute),
		RouteBack:  decodeIDs(m, attrRouteBack),
		SNRTowards: decodeSNRs(m, attrSNRTo),
		SNRBack:    decodeSNRs(m, attrSNRBack),
		ReceivedAt: at,
	}
	if b, ok := getU8(m, attrSNR); ok {
		if snr, ok := decodeSNR(b); ok {
			r.RxSNR = &snr
		}
	}
	return r, nil
}

func packetAttrs(p model.Packet) ([]stun.Setter, error) {
	from, err := nodeNum(p.From)
	if err != nil {
		return nil, err
	}
	attrs := []stun.Setter{
		raw(attrPacketID, u32(p.ID)),
		raw(attrFrom, u32(from)),
		raw(attrHopLimit, []byte{uint8(min(max(p.HopLimit, 0), math.MaxUint8))}),
	}
	if to, err := nodeNum(p.To); err == nil {
		attrs = append(attrs, raw(attrTo, u32(to)))
	}
	if !p.RxTime.IsZero() {
		attrs = append(attrs, raw(attrRxTime, u32(uint32(p.RxTime.Unix()))))
	}
	if p.Port != "" {
		attrs = append(attrs, raw(attrPort, []byte(p.Port)))
	}
	return attrs, nil
}

func decodePacket(m *stun.Message, at time.Time) (model.Packet, error) {
	from, ok := getU32(m, attrFrom)
	if !ok {
		return model.Packet{}, errors.New("packet without sender")
	}
	p := model.Packet{From: model.FormatNodeNum(from), Port: getString(m, attrPort), RxTime: at}
	p.ID, _ = getU32(m, attrPacketID)
	if to, ok := getU32(m, attrTo); ok {
		p.To = model.FormatNodeNum(to)
	}
	if hl, ok := getU8(m, attrHopLimit); ok {
		p.HopLimit = int(hl)
	}
	if ts, ok := getU32(m, attrRxTime); ok {
		p.RxTime = time.Unix(int64(ts), 0).UTC()
	}
	return p, nil
}
