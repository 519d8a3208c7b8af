package control

import (
	"encoding/binary"
	"fmt"
)

// AddressSize is the fixed encoded size of an Address.
const AddressSize = 24

// Address is the remote addressing block carried by a create request.
type Address struct {
	Broadcast        bool
	Addr16Enabled    bool
	Addr16           [2]byte
	Addr64Enabled    bool
	Addr64           [8]byte
	EndpointsEnabled bool
	EndpointLocal    uint8
	EndpointRemote   uint8
	ProfileEnabled   bool
	ProfileID        uint16
	ClusterEnabled   bool
	ClusterID        uint16
	FrameIDEnabled   bool
	FrameID          uint8
}

// MarshalBinary encodes a into exactly AddressSize bytes.
func (a Address) MarshalBinary() ([]byte, error) {
	buf := make([]byte, AddressSize)
	a.put(buf)
	return buf, nil
}

func (a Address) put(buf []byte) {
	buf[0] = flag(a.Broadcast)
	buf[1] = flag(a.Addr16Enabled)
	copy(buf[2:4], a.Addr16[:])
	buf[4] = flag(a.Addr64Enabled)
	copy(buf[5:13], a.Addr64[:])
	buf[13] = flag(a.EndpointsEnabled)
	buf[14] = a.EndpointLocal
	buf[15] = a.EndpointRemote
	buf[16] = flag(a.ProfileEnabled)
	binary.BigEndian.PutUint16(buf[17:19], a.ProfileID)
	buf[19] = flag(a.ClusterEnabled)
	binary.BigEndian.PutUint16(buf[20:22], a.ClusterID)
	buf[22] = flag(a.FrameIDEnabled)
	buf[23] = a.FrameID
}

// UnmarshalBinary decodes exactly AddressSize bytes into a.
func (a *Address) UnmarshalBinary(b []byte) error {
	if len(b) != AddressSize {
		return fmt.Errorf("%w: address %d bytes", ErrInvalidLength, len(b))
	}
	var out Address
	var err error
	read := func(i int) bool {
		v, ferr := readFlag(b[i])
		if ferr != nil && err == nil {
			err = fmt.Errorf("%w at offset %d", ferr, i)
		}
		return v
	}
	out.Broadcast = read(0)
	out.Addr16Enabled = read(1)
	copy(out.Addr16[:], b[2:4])
	out.Addr64Enabled = read(4)
	copy(out.Addr64[:], b[5:13])
	out.EndpointsEnabled = read(13)
	out.EndpointLocal = b[14]
	out.EndpointRemote = b[15]
	out.ProfileEnabled = read(16)
	out.ProfileID = binary.BigEndian.Uint16(b[17:19])
	out.ClusterEnabled = read(19)
	out.ClusterID = binary.BigEndian.Uint16(b[20:22])
	out.FrameIDEnabled = read(22)
	out.FrameID = b[23]
	if err != nil {
		return err
	}
	*a = out
	return nil
}

func (a Address) String() string {
	switch {
	case a.Addr64Enabled:
		return fmt.Sprintf("%x", a.Addr64[:])
	case a.Addr16Enabled:
		return fmt.Sprintf("%x", a.Addr16[:])
	case a.Broadcast:
		return "broadcast"
	default:
		return "none"
	}
}

func flag(v bool) byte {
	if v {
		return 1
	}
	return 0
}

func readFlag(b byte) (bool, error) {
	switch b {
	case 0:
		return false, nil
	case 1:
		return true, nil
	default:
		return false, ErrInvalidFlag
	}
}
