package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/msingigym/backend/internal/membership"
)

type Store struct {
	db *sql.DB
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

const selectMemberColumns = `
	id, membership_id, name, phone, type, status, membership_start,
	membership_end, last_receipt, access_user_ref, created_at, updated_at
`

func scanMember(s scanner) (*membership.Member, error) {
	var m membership.Member

	var (
		typeStr, statusStr  string
		lastReceipt, access sql.NullString
	)

	if err := s.Scan(
		&m.ID, &m.MembershipID, &m.Name, &m.Phone, &typeStr, &statusStr,
		&m.MembershipStart, &m.MembershipEnd, &lastReceipt, &access,
		&m.CreatedAt, &m.UpdatedAt,
	); err != nil {
		return nil, err
	}

	m.Type = membership.Type(typeStr)
	m.Status = membership.Status(statusStr)
	m.LastReceipt = lastReceipt.String
	m.AccessUserRef = access.String

	return &m, nil
}

func (s *Store) CreateMember(ctx context.Context, m *membership.Member) error {
	query := `
		INSERT INTO members (membership_id, name, phone, type, status, created_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		RETURNING id, created_at
	`

	err := s.db.QueryRowContext(ctx, query,
		m.MembershipID,
		m.Name,
		m.Phone,
		m.Type,
		m.Status,
	).Scan(&m.ID, &m.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			if pgErr.ConstraintName == "members_phone_key" {
				return membership.ErrDuplicatePhone
			}

			return fmt.Errorf("creating member: %w", err)
		}

		return fmt.Errorf("creating member: %w", err)
	}

	return nil
}

func (s *Store) GetMember(ctx context.Context, id uuid.UUID) (*membership.Member, error) {
	query := `SELECT ` + selectMemberColumns + ` FROM members WHERE id = $1`

	m, err := scanMember(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, membership.ErrNotFound
		}

		return nil, fmt.Errorf("getting member: %w", err)
	}

	return m, nil
}

func (s *Store) FindByMembershipID(ctx context.Context, membershipID string) (*membership.Member, error) {
	query := `SELECT ` + selectMemberColumns + ` FROM members WHERE membership_id = $1`

	m, err := scanMember(s.db.QueryRowContext(ctx, query, membershipID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, membership.ErrNotFound
		}

		return nil, fmt.Errorf("finding member by membership id: %w", err)
	}

	return m, nil
}

func (s *Store) FindByPhone(ctx context.Context, phone string) (*membership.Member, error) {
	query := `SELECT ` + selectMemberColumns + ` FROM members WHERE phone = $1`

	m, err := scanMember(s.db.QueryRowContext(ctx, query, phone))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, membership.ErrNotFound
		}

		return nil, fmt.Errorf("finding member by phone: %w", err)
	}

	return m, nil
}

func (s *Store) ActivateMembership(ctx context.Context, id uuid.UUID, start, end time.Time, receipt string) error {
	query := `
		UPDATE members
		SET status = $1,
		    membership_start = $2,
		    membership_end = $3,
		    last_receipt = $4,
		    updated_at = NOW()
		WHERE id = $5
	`

	_, err := s.db.ExecContext(ctx, query, membership.StatusActive, start, end, receipt, id)
	if err != nil {
		return fmt.Errorf("activating membership: %w", err)
	}

	return nil
}

func (s *Store) SetAccessRef(ctx context.Context, id uuid.UUID, ref string) error {
	query := `
		UPDATE members
		SET access_user_ref = $1, updated_at = NOW()
		WHERE id = $2
	`

	_, err := s.db.ExecContext(ctx, query, ref, id)
	if err != nil {
		return fmt.Errorf("setting access ref: %w", err)
	}

	return nil
}

func (s *Store) Stats(ctx context.Context) (*membership.Stats, error) {
	query := `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE status = 'active' AND membership_end > NOW()),
			COUNT(*) FILTER (WHERE status = 'active' AND membership_end <= NOW()),
			COUNT(*) FILTER (WHERE status = 'pending')
		FROM members
	`

	var stats membership.Stats
	if err := s.db.QueryRowContext(ctx, query).Scan(
		&stats.Total, &stats.Active, &stats.Expired, &stats.Pending,
	); err != nil {
		return nil, fmt.Errorf("counting members: %w", err)
	}

	return &stats, nil
}
