package session

import (
	"errors"
	"fmt"

	"github.com/dmksnnk/lobby/internal/discovery"
	"github.com/dmksnnk/lobby/internal/id"
	"github.com/dmksnnk/lobby/internal/nbo"
	"github.com/dmksnnk/lobby/internal/p2p"
	"github.com/dmksnnk/lobby/internal/platform"
)

// Session description in LAN responses (network byte order, strings are
// length prefixed):
//
//	owner id, owner name, open private int32, open public int32,
//	host address, session id,
//	public int32, private int32,
//	10 flags as bytes: advertise, LAN, dedicated, uses stats, join in progress,
//	  invites, presence, join via presence, friends only, anti-cheat,
//	build id int32,
//	count int32, count x (key, value type byte, value, advertisement byte)
//
// Only settings advertised via the online service are written.

// maxBodySize is the room left for a body in a LAN packet.
const maxBodySize = platform.MTU - discovery.HeaderSize

var (
	errPacketTooLarge = errors.New("session: packet too large")
	errInvalidPacket  = errors.New("session: invalid packet")
)

// EncodeSession encodes a session description with host as its address.
func EncodeSession(s *Session, host p2p.Addr) ([]byte, error) {
	w := nbo.NewWriter(maxBodySize)
	w.WriteString(s.OwningUserID.String())
	w.WriteString(s.OwningUserName)
	w.WriteInt32(s.NumOpenPrivateConnections)
	w.WriteInt32(s.NumOpenPublicConnections)
	w.WriteString(host.String())
	var sessionID id.ID
	if s.Info != nil {
		sessionID = s.Info.ID()
	}
	w.WriteString(sessionID.String())
	writeSettings(w, s.Settings)

	if w.HasOverflow() {
		return nil, errPacketTooLarge
	}

	return w.Bytes(), nil
}

// DecodeSession decodes a session description. Broken settings are dropped,
// a broken identity is an error.
func DecodeSession(p []byte) (*Session, error) {
	r := nbo.NewReader(p)
	ownerText := r.ReadString()
	ownerName := r.ReadString()
	openPrivate := r.ReadInt32()
	openPublic := r.ReadInt32()
	hostText := r.ReadString()
	sessionText := r.ReadString()
	if r.HasOverflow() {
		return nil, errInvalidPacket
	}

	owner, err := id.Parse(ownerText)
	if err != nil {
		return nil, fmt.Errorf("%w: owner id: %w", errInvalidPacket, err)
	}
	host, err := p2p.ParseAddr(hostText)
	if err != nil {
		return nil, fmt.Errorf("%w: host address: %w", errInvalidPacket, err)
	}
	sessionID, err := id.Parse(sessionText)
	if err != nil {
		return nil, fmt.Errorf("%w: session id: %w", errInvalidPacket, err)
	}

	s := &Session{
		OwningUserID:              owner,
		OwningUserName:            ownerName,
		NumOpenPrivateConnections: openPrivate,
		NumOpenPublicConnections:  openPublic,
		Info:                      &LANInfo{HostAddr: host, SessionID: sessionID},
	}
	readSettings(r, &s.Settings)

	return s, nil
}

// EncodeSettings encodes settings alone.
func EncodeSettings(s Settings) ([]byte, error) {
	w := nbo.NewWriter(maxBodySize)
	writeSettings(w, s)
	if w.HasOverflow() {
		return nil, errPacketTooLarge
	}

	return w.Bytes(), nil
}

// DecodeSettings decodes settings encoded by EncodeSettings. Custom settings
// are dropped if the data is broken.
func DecodeSettings(p []byte) Settings {
	var s Settings
	readSettings(nbo.NewReader(p), &s)
	return s
}

func writeSettings(w *nbo.Writer, s Settings) {
	w.WriteInt32(s.NumPublicConnections)
	w.WriteInt32(s.NumPrivateConnections)
	w.WriteBool(s.ShouldAdvertise)
	w.WriteBool(s.IsLANMatch)
	w.WriteBool(s.IsDedicated)
	w.WriteBool(s.UsesStats)
	w.WriteBool(s.AllowJoinInProgress)
	w.WriteBool(s.AllowInvites)
	w.WriteBool(s.UsesPresence)
	w.WriteBool(s.AllowJoinViaPresence)
	w.WriteBool(s.AllowJoinViaPresenceFriendsOnly)
	w.WriteBool(s.AntiCheatProtected)
	w.WriteInt32(s.BuildUniqueID)

	keys := s.sortedKeys()
	var count int32
	for _, k := range keys {
		if s.Settings[k].advertised() {
			count++
		}
	}

	w.WriteInt32(count)
	for _, k := range keys {
		setting := s.Settings[k]
		if !setting.advertised() {
			continue
		}
		w.WriteString(k)
		writeValue(w, setting.Value)
		w.WriteUint8(uint8(setting.Advertise))
	}
}

func readSettings(r *nbo.Reader, s *Settings) {
	s.Settings = nil

	s.NumPublicConnections = r.ReadInt32()
	s.NumPrivateConnections = r.ReadInt32()
	s.ShouldAdvertise = r.ReadBool()
	s.IsLANMatch = r.ReadBool()
	s.IsDedicated = r.ReadBool()
	s.UsesStats = r.ReadBool()
	s.AllowJoinInProgress = r.ReadBool()
	s.AllowInvites = r.ReadBool()
	s.UsesPresence = r.ReadBool()
	s.AllowJoinViaPresence = r.ReadBool()
	s.AllowJoinViaPresenceFriendsOnly = r.ReadBool()
	s.AntiCheatProtected = r.ReadBool()
	s.BuildUniqueID = r.ReadInt32()

	count := r.ReadInt32()
	if count < 0 {
		r.Invalidate()
	}
	for i := int32(0); i < count && !r.HasOverflow(); i++ {
		key := r.ReadString()
		value := readValue(r)
		adv := Advertisement(r.ReadUint8())
		if adv > ViaOnlineServiceAndPing {
			r.Invalidate()
		}
		s.Set(key, value, adv)
	}

	if r.HasOverflow() {
		s.Settings = nil
	}
}

func writeValue(w *nbo.Writer, v Value) {
	w.WriteUint8(uint8(v.typ))
	switch v.typ {
	case TypeBool:
		w.WriteBool(v.num != 0)
	case TypeInt32:
		w.WriteInt32(int32(int64(v.num)))
	case TypeUint32:
		w.WriteUint32(uint32(v.num))
	case TypeInt64:
		w.WriteInt64(int64(v.num))
	case TypeFloat:
		w.WriteFloat32(float32(v.f))
	case TypeDouble:
		w.WriteFloat64(v.f)
	case TypeString:
		w.WriteString(v.str)
	}
}

func readValue(r *nbo.Reader) Value {
	switch typ := ValueType(r.ReadUint8()); typ {
	case TypeEmpty:
		return Value{}
	case TypeBool:
		return Bool(r.ReadBool())
	case TypeInt32:
		return Int32(r.ReadInt32())
	case TypeUint32:
		return Uint32(r.ReadUint32())
	case TypeInt64:
		return Int64(r.ReadInt64())
	case TypeFloat:
		return Float(r.ReadFloat32())
	case TypeDouble:
		return Double(r.ReadFloat64())
	case TypeString:
		return String(r.ReadString())
	default:
		r.Invalidate()
		return Value{}
	}
}
