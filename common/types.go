// decl: common data structures for grain location
package common

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// GrainId identifies a logical actor. Type must not contain '/'.
type GrainId struct {
	Type string `json:"type"`
	Key  string `json:"key"`
}

func NewGrainId(typ, key string) GrainId {
	return GrainId{Type: typ, Key: key}
}

func (g GrainId) String() string {
	return g.Type + "/" + g.Key
}

func (g GrainId) IsZero() bool {
	return g.Type == "" && g.Key == ""
}

func ParseGrainId(s string) (GrainId, error) {
	i := strings.IndexByte(s, '/')
	if i <= 0 {
		return GrainId{}, fmt.Errorf("invalid grain id %q", s)
	}
	return GrainId{Type: s[:i], Key: s[i+1:]}, nil
}

// ActivationId identifies one instantiation of a grain. Never reused.
type ActivationId string

func NewActivationId() ActivationId {
	return ActivationId(uuid.NewString())
}

func (a ActivationId) String() string {
	return string(a)
}

// SiloAddress is a silo endpoint plus the generation it was started with.
// Two addresses with the same endpoint but different generations are different silos.
type SiloAddress struct {
	Host       string `json:"host"`
	Port       uint16 `json:"port"`
	Generation int64  `json:"generation"`
}

func NewSiloAddress(host string, port uint16, generation int64) SiloAddress {
	return SiloAddress{Host: host, Port: port, Generation: generation}
}

func (s SiloAddress) Endpoint() string {
	return s.Host + ":" + strconv.Itoa(int(s.Port))
}

func (s SiloAddress) String() string {
	return s.Endpoint() + "@" + strconv.FormatInt(s.Generation, 10)
}

func (s SiloAddress) IsZero() bool {
	return s == SiloAddress{}
}

// SameEndpoint reports whether both addresses point to the same host and port,
// regardless of generation.
func (s SiloAddress) SameEndpoint(o SiloAddress) bool {
	return s.Host == o.Host && s.Port == o.Port
}

// Compare orders addresses by host, port and then generation.
func (s SiloAddress) Compare(o SiloAddress) int {
	switch {
	case s.Host < o.Host:
		return -1
	case s.Host > o.Host:
		return 1
	case s.Port < o.Port:
		return -1
	case s.Port > o.Port:
		return 1
	case s.Generation < o.Generation:
		return -1
	case s.Generation > o.Generation:
		return 1
	}
	return 0
}

// ParseSiloAddress parses the "host:port@generation" form produced by String.
func ParseSiloAddress(s string) (SiloAddress, error) {
	at := strings.LastIndexByte(s, '@')
	if at < 0 {
		return SiloAddress{}, fmt.Errorf("invalid silo address %q: missing generation", s)
	}
	gen, err := strconv.ParseInt(s[at+1:], 10, 64)
	if err != nil {
		return SiloAddress{}, fmt.Errorf("invalid silo address %q: %w", s, err)
	}
	endpoint := s[:at]
	colon := strings.LastIndexByte(endpoint, ':')
	if colon <= 0 {
		return SiloAddress{}, fmt.Errorf("invalid silo address %q: missing port", s)
	}
	port, err := strconv.ParseUint(endpoint[colon+1:], 10, 16)
	if err != nil {
		return SiloAddress{}, fmt.Errorf("invalid silo address %q: %w", s, err)
	}
	return SiloAddress{Host: endpoint[:colon], Port: uint16(port), Generation: gen}, nil
}

// MarshalText lets SiloAddress be used as a JSON map key.
func (s SiloAddress) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *SiloAddress) UnmarshalText(b []byte) error {
	parsed, err := ParseSiloAddress(string(b))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

type MembershipVersion int64

// GrainAddress is the directory record: grain G is hosted by activation A on silo S,
// written under membership version V.
type GrainAddress struct {
	GrainId           GrainId           `json:"grainId"`
	ActivationId      ActivationId      `json:"activationId"`
	SiloAddress       SiloAddress       `json:"siloAddress"`
	MembershipVersion MembershipVersion `json:"membershipVersion"`
}

func (a GrainAddress) IsZero() bool {
	return a == GrainAddress{}
}

// Matches reports whether both records name the same activation of the same grain.
func (a GrainAddress) Matches(o GrainAddress) bool {
	return a.GrainId == o.GrainId && a.ActivationId == o.ActivationId
}

func (a GrainAddress) Validate() error {
	if a.GrainId.IsZero() {
		return errors.New("grain address without grain id")
	}
	if strings.ContainsRune(a.GrainId.Type, '/') {
		return fmt.Errorf("grain type %q contains '/'", a.GrainId.Type)
	}
	if a.ActivationId == "" {
		return fmt.Errorf("grain address for %s without activation id", a.GrainId)
	}
	if a.SiloAddress.IsZero() {
		return fmt.Errorf("grain address for %s without silo", a.GrainId)
	}
	return nil
}

func (a GrainAddress) String() string {
	return fmt.Sprintf("%s[%s]@%s(v%d)", a.GrainId, a.ActivationId, a.SiloAddress, a.MembershipVersion)
}
