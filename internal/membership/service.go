package membership

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/google/uuid"
)

//go:generate mockgen -source=service.go -destination=service_mock.go -package=membership
type Repository interface {
	CreateMember(ctx context.Context, m *Member) error
	GetMember(ctx context.Context, id uuid.UUID) (*Member, error)
	FindByMembershipID(ctx context.Context, membershipID string) (*Member, error)
	FindByPhone(ctx context.Context, phone string) (*Member, error)

	// ActivateMembership writes the new validity window, the receipt and
	// active status in one statement.
	ActivateMembership(ctx context.Context, id uuid.UUID, start, end time.Time, receipt string) error

	SetAccessRef(ctx context.Context, id uuid.UUID, ref string) error
	Stats(ctx context.Context) (*Stats, error)
}

// Stats is the admin dashboard summary.
type Stats struct {
	Total   int
	Active  int
	Expired int
	Pending int
}

type Service struct {
	repo     Repository
	duration time.Duration // length of one paid membership period
	now      func() time.Time
	log      *slog.Logger
}

func NewService(repo Repository, duration time.Duration, log *slog.Logger) *Service {
	return &Service{
		repo:     repo,
		duration: duration,
		now:      time.Now,
		log:      log,
	}
}

type RegisterParams struct {
	Name  string
	Phone string
	Type  Type
}

// Register validates and creates a pending member. Registration is refused
// while the phone already holds an unexpired membership; those callers should
// renew instead.
func (s *Service) Register(ctx context.Context, params RegisterParams) (*Member, error) {
	if err := ValidateName(params.Name); err != nil {
		return nil, err
	}

	phone, err := NormalizePhone(params.Phone)
	if err != nil {
		return nil, err
	}

	if params.Type == "" {
		params.Type = TypeStandard
	}

	existing, err := s.repo.FindByPhone(ctx, phone)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("checking existing member: %w", err)
	}

	if existing != nil && existing.ActiveAt(s.now()) {
		return nil, ErrActiveMembership
	}

	if existing != nil {
		// Lapsed member coming back: reuse the record and re-initiate payment.
		return existing, nil
	}

	m := &Member{
		MembershipID: s.newMembershipID(),
		Name:         params.Name,
		Phone:        phone,
		Type:         params.Type,
		Status:       StatusPending,
	}

	for attempt := 0; ; attempt++ {
		err := s.repo.CreateMember(ctx, m)
		if err == nil {
			break
		}

		// Membership ids are random; regenerate on the rare collision.
		if errors.Is(err, ErrDuplicatePhone) || attempt >= 3 {
			return nil, fmt.Errorf("creating member: %w", err)
		}

		m.MembershipID = s.newMembershipID()
	}

	s.log.Info("member registered", "membership_id", m.MembershipID, "type", m.Type)

	return m, nil
}

// newMembershipID mints ids of the form GM<year><5 digits>, e.g. GM202641573.
func (s *Service) newMembershipID() string {
	return fmt.Sprintf("GM%d%05d", s.now().Year(), rand.Intn(100000))
}

// Lookup finds a member by membership id or, failing that, phone number.
func (s *Service) Lookup(ctx context.Context, membershipID, phone string) (*Member, error) {
	if membershipID != "" {
		return s.repo.FindByMembershipID(ctx, membershipID)
	}

	normalized, err := NormalizePhone(phone)
	if err != nil {
		return nil, err
	}

	return s.repo.FindByPhone(ctx, normalized)
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Member, error) {
	return s.repo.GetMember(ctx, id)
}

// ActivationParams carries the confirmed-payment details that drive an
// activation or extension.
type ActivationParams struct {
	Receipt string
	Amount  int64
	PaidAt  time.Time
}

// Activate extends the member's paid period by one duration. New activations
// anchor at now; renewals of a still-valid membership anchor at the current
// expiry, whichever is later, so a valid period is never shortened. Repeat
// calls with the same receipt are no-ops.
func (s *Service) Activate(ctx context.Context, id uuid.UUID, params ActivationParams) (*Member, error) {
	m, err := s.repo.GetMember(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("loading member: %w", err)
	}

	if params.Receipt != "" && m.LastReceipt == params.Receipt {
		return m, nil
	}

	now := s.now()

	anchor := now
	if m.ActiveAt(now) {
		anchor = *m.MembershipEnd
	}

	start := anchor
	if m.MembershipStart != nil && m.ActiveAt(now) {
		// Extension keeps the original start.
		start = *m.MembershipStart
	}

	end := anchor.Add(s.duration)

	if err := s.repo.ActivateMembership(ctx, m.ID, start, end, params.Receipt); err != nil {
		return nil, fmt.Errorf("activating membership: %w", err)
	}

	m.Status = StatusActive
	m.MembershipStart = &start
	m.MembershipEnd = &end
	m.LastReceipt = params.Receipt

	s.log.Info("membership activated",
		"membership_id", m.MembershipID,
		"valid_until", end,
		"receipt", params.Receipt)

	return m, nil
}

// RecordAccessRef stores the id the access-control system assigned to the
// member, so later syncs update instead of re-adding.
func (s *Service) RecordAccessRef(ctx context.Context, id uuid.UUID, ref string) error {
	return s.repo.SetAccessRef(ctx, id, ref)
}

func (s *Service) Stats(ctx context.Context) (*Stats, error) {
	return s.repo.Stats(ctx)
}
