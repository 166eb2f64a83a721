package config

import (
	"cmp"
	"errors"
	"fmt"
	"net"
	"slices"
	"strconv"
	"strings"
)

var (
	// ErrInvalidMember is returned for a member that cannot be parsed.
	ErrInvalidMember = errors.New("invalid member")
	// ErrEmptyMembers is returned when no member is configured.
	ErrEmptyMembers = errors.New("no members configured")
)

// Member is one replica of the configuration. IDs are the replica
// numbers: a valid configuration of n members uses exactly 0..n-1.
type Member struct {
	ID   uint64
	Host string
	Port int
}

// Address returns the dialable host:port of the member.
func (m Member) Address() string {
	return net.JoinHostPort(m.Host, strconv.Itoa(m.Port))
}

func (m Member) String() string {
	return fmt.Sprintf("%d=%s", m.ID, m.Address())
}

// ParseMember reads "<id>=<host>:<port>".
func ParseMember(s string) (Member, error) {
	idStr, hostport, ok := strings.Cut(strings.TrimSpace(s), "=")
	if !ok {
		return Member{}, fmt.Errorf("%w: %q: expected <id>=<host>:<port>", ErrInvalidMember, s)
	}

	id, err := strconv.ParseUint(strings.TrimSpace(idStr), 10, 64)
	if err != nil {
		return Member{}, fmt.Errorf("%w: %q: bad id: %w", ErrInvalidMember, s, err)
	}

	return parseHostPort(id, hostport)
}

// ParseMembers reads a comma separated member list. Entries are either
// all "<id>=<host>:<port>" or all bare "<host>:<port>", in which case
// the position is the id. The result is ordered by id.
func ParseMembers(s string) ([]Member, error) {
	parts := strings.Split(s, ",")
	members := make([]Member, 0, len(parts))

	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}

		var (
			m   Member
			err error
		)
		if strings.Contains(p, "=") {
			m, err = ParseMember(p)
		} else {
			m, err = parseHostPort(uint64(len(members)), p)
		}
		if err != nil {
			return nil, err
		}

		members = append(members, m)
	}

	if err := ValidateMembers(members); err != nil {
		return nil, err
	}

	slices.SortFunc(members, func(a, b Member) int {
		return cmp.Compare(a.ID, b.ID)
	})

	return members, nil
}

// ValidateMembers checks that ids are exactly 0..n-1.
func ValidateMembers(members []Member) error {
	if len(members) == 0 {
		return ErrEmptyMembers
	}

	seen := make(map[uint64]struct{}, len(members))
	for _, m := range members {
		if m.ID >= uint64(len(members)) {
			return fmt.Errorf("%w: id %d outside 0..%d", ErrInvalidMember, m.ID, len(members)-1)
		}
		if _, dup := seen[m.ID]; dup {
			return fmt.Errorf("%w: duplicate id %d", ErrInvalidMember, m.ID)
		}

		seen[m.ID] = struct{}{}
	}

	return nil
}

func parseHostPort(id uint64, hostport string) (Member, error) {
	host, portStr, err := net.SplitHostPort(strings.TrimSpace(hostport))
	if err != nil {
		return Member{}, fmt.Errorf("%w: %q: %w", ErrInvalidMember, hostport, err)
	}

	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return Member{}, fmt.Errorf("%w: %q: bad port", ErrInvalidMember, hostport)
	}

	if host == "" {
		host = "0.0.0.0"
	}

	return Member{ID: id, Host: host, Port: port}, nil
}
