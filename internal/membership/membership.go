package membership

import (
	"errors"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Type is the membership plan a member signed up for.
type Type string

const (
	TypeStandard Type = "standard"
	TypePremium  Type = "premium"
	TypeVIP      Type = "vip"
)

// Status represents the lifecycle state of a membership.
type Status string

const (
	StatusPending Status = "pending" // registered, payment not yet confirmed
	StatusActive  Status = "active"
	StatusExpired Status = "expired"
)

// Member is a gym member. MembershipID is the human-facing identifier printed
// on cards and used as the payment account reference.
type Member struct {
	ID              uuid.UUID
	MembershipID    string
	Name            string
	Phone           string
	Type            Type
	Status          Status
	MembershipStart *time.Time
	MembershipEnd   *time.Time
	LastReceipt     string // receipt of the payment that last extended the membership
	AccessUserRef   string // id assigned by the access-control system, empty until provisioned
	CreatedAt       time.Time
	UpdatedAt       *time.Time
}

// ActiveAt reports whether the membership is paid up at the given instant.
func (m *Member) ActiveAt(t time.Time) bool {
	return m.Status == StatusActive && m.MembershipEnd != nil && m.MembershipEnd.After(t)
}

var (
	ErrNotFound         = errors.New("member not found")
	ErrDuplicatePhone   = errors.New("a member with this phone number already exists")
	ErrActiveMembership = errors.New("member already has an active membership")
	ErrInvalidName      = errors.New("name must be letters and spaces only")
	ErrInvalidPhone     = errors.New("phone must be a valid Kenyan mobile number")
)

var nameRe = regexp.MustCompile(`^[A-Za-z][A-Za-z '\-]{1,99}$`)

// ValidateName accepts names of letters, spaces, apostrophes and hyphens.
func ValidateName(name string) error {
	if !nameRe.MatchString(strings.TrimSpace(name)) {
		return ErrInvalidName
	}

	return nil
}

var phoneRe = regexp.MustCompile(`^254[17]\d{8}$`)

// NormalizePhone canonicalizes a Kenyan mobile number to 254XXXXXXXXX form,
// accepting the 07.../01..., +254... and bare 254... spellings.
func NormalizePhone(phone string) (string, error) {
	p := strings.TrimSpace(phone)
	p = strings.ReplaceAll(p, " ", "")
	p = strings.TrimPrefix(p, "+")

	if strings.HasPrefix(p, "0") && len(p) == 10 {
		p = "254" + p[1:]
	}

	if !phoneRe.MatchString(p) {
		return "", ErrInvalidPhone
	}

	return p, nil
}
