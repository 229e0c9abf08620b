package stunc

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"

	"github.com/pion/stun"
)

// attrChangedAddress is the RFC 3489 CHANGED-ADDRESS attribute, still sent
// by older behaviour discovery servers instead of OTHER-ADDRESS.
const attrChangedAddress stun.AttrType = 0x0005

// ErrNoMappedAddress is returned when a response carries neither
// XOR-MAPPED-ADDRESS nor MAPPED-ADDRESS.
var ErrNoMappedAddress = errors.New("no mapped address in response")

// ErrNoOtherAddress is returned when the server does not advertise an
// alternate address, i.e. it does not support behaviour discovery.
var ErrNoOtherAddress = errors.New("server did not return OTHER-ADDRESS")

// NewBindingRequest builds a Binding request with a fresh transaction ID.
// Extra setters are added before SOFTWARE and FINGERPRINT.
func NewBindingRequest(conf Config, setters ...stun.Setter) (*stun.Message, error) {
	all := []stun.Setter{stun.TransactionID, stun.BindingRequest}
	all = append(all, setters...)
	if conf.Software != "" {
		all = append(all, stun.NewSoftware(conf.Software))
	}
	all = append(all, stun.Fingerprint)

	msg, err := stun.Build(all...)
	if err != nil {
		return nil, fmt.Errorf("failed to build binding request: %w", err)
	}
	return msg, nil
}

// ChangeRequest is the CHANGE-REQUEST attribute.
type ChangeRequest struct {
	IP   bool
	Port bool
}

// AddTo implements stun.Setter.
func (c ChangeRequest) AddTo(m *stun.Message) error {
	var flags byte
	if c.IP {
		flags |= 0x04
	}
	if c.Port {
		flags |= 0x02
	}
	m.Add(stun.AttrChangeRequest, []byte{0, 0, 0, flags})
	return nil
}

// GetFrom decodes CHANGE-REQUEST from m.
func (c *ChangeRequest) GetFrom(m *stun.Message) error {
	v, err := m.Get(stun.AttrChangeRequest)
	if err != nil {
		return err
	}
	if len(v) != 4 {
		return stun.ErrAttributeSizeInvalid
	}
	c.IP = v[3]&0x04 != 0
	c.Port = v[3]&0x02 != 0
	return nil
}

// ResponsePort is the RESPONSE-PORT attribute.
type ResponsePort uint16

// AddTo implements stun.Setter.
func (p ResponsePort) AddTo(m *stun.Message) error {
	v := make([]byte, 4)
	binary.BigEndian.PutUint16(v, uint16(p))
	m.Add(stun.AttrResponsePort, v)
	return nil
}

// GetFrom decodes RESPONSE-PORT from m.
func (p *ResponsePort) GetFrom(m *stun.Message) error {
	v, err := m.Get(stun.AttrResponsePort)
	if err != nil {
		return err
	}
	if len(v) != 4 {
		return stun.ErrAttributeSizeInvalid
	}
	*p = ResponsePort(binary.BigEndian.Uint16(v))
	return nil
}

// MappedAddress returns XOR-MAPPED-ADDRESS, falling back to MAPPED-ADDRESS.
func MappedAddress(m *stun.Message) (*net.UDPAddr, error) {
	var xorAddr stun.XORMappedAddress
	if err := xorAddr.GetFrom(m); err == nil {
		return &net.UDPAddr{IP: xorAddr.IP, Port: xorAddr.Port}, nil
	}

	var mappedAddr stun.MappedAddress
	if err := mappedAddr.GetFrom(m); err == nil {
		return &net.UDPAddr{IP: mappedAddr.IP, Port: mappedAddr.Port}, nil
	}

	return nil, ErrNoMappedAddress
}

// OtherAddress returns OTHER-ADDRESS, falling back to CHANGED-ADDRESS.
func OtherAddress(m *stun.Message) (*net.UDPAddr, error) {
	for _, t := range []stun.AttrType{stun.AttrOtherAddress, attrChangedAddress} {
		var addr stun.MappedAddress
		if err := addr.GetFromAs(m, t); err == nil {
			return &net.UDPAddr{IP: addr.IP, Port: addr.Port}, nil
		}
	}
	return nil, ErrNoOtherAddress
}

// SameEndpoint reports whether a and b share IP and port, regardless of
// the network type of the address values.
func SameEndpoint(a, b net.Addr) bool {
	if a == nil || b == nil {
		return false
	}
	ah, ap, err := net.SplitHostPort(a.String())
	if err != nil {
		return false
	}
	bh, bp, err := net.SplitHostPort(b.String())
	if err != nil {
		return false
	}
	aip, bip := net.ParseIP(ah), net.ParseIP(bh)
	if aip == nil || bip == nil {
		return ah == bh && ap == bp
	}
	return aip.Equal(bip) && ap == bp
}
