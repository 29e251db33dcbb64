package feedback

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/hively/hively-backend/internal/storage"
	"github.com/hively/hively-backend/internal/store"
)

var (
	// ErrNotFound is returned when a ticket lookup misses.
	ErrNotFound = errors.New("ticket not found")
	// ErrTicketClosed rejects transitions out of a terminal status.
	ErrTicketClosed = errors.New("ticket is closed")
	// ErrInvalidInput covers malformed ticket payloads.
	ErrInvalidInput = errors.New("invalid ticket")
)

const (
	maxSubjectLen = 200
	maxBodyLen    = 10000
)

// Service owns feedback tickets. Permission checks (staff-only
// listing and transitions) live in the handlers, which know who is
// asking.
type Service struct {
	db     storage.Querier
	cache  *store.Cache
	logger *zap.SugaredLogger
}

func NewService(db storage.Querier, cache *store.Cache, logger *zap.SugaredLogger) *Service {
	return &Service{db: db, cache: cache, logger: logger}
}

// Create files a new ticket as open.
func (s *Service) Create(ctx context.Context, authorID, subject, body string) (Ticket, error) {
	subject = strings.TrimSpace(subject)
	body = strings.TrimSpace(body)
	if subject == "" || len(subject) > maxSubjectLen {
		return Ticket{}, fmt.Errorf("%w: subject must be 1-%d characters", ErrInvalidInput, maxSubjectLen)
	}
	if body == "" || len(body) > maxBodyLen {
		return Ticket{}, fmt.Errorf("%w: body must be 1-%d characters", ErrInvalidInput, maxBodyLen)
	}

	var t Ticket
	err := s.db.QueryRow(ctx,
		`INSERT INTO feedback_tickets (id, author_id, subject, body, status)
		 VALUES ($1, $2, $3, $4, 'open')
		 RETURNING id, author_id, subject, body, status, staff_note, created_at, updated_at`,
		uuid.NewString(), authorID, subject, body).
		Scan(&t.ID, &t.AuthorID, &t.Subject, &t.Body, &t.Status, &t.StaffNote, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return Ticket{}, fmt.Errorf("failed to create ticket: %w", err)
	}

	s.publish(ctx, t)
	s.logger.Infow("feedback ticket created", "ticket_id", t.ID, "author_id", authorID)
	return t, nil
}

// Get loads one ticket.
func (s *Service) Get(ctx context.Context, ticketID string) (Ticket, error) {
	var t Ticket
	err := s.db.QueryRow(ctx,
		`SELECT id, author_id, subject, body, status, staff_note, created_at, updated_at
		 FROM feedback_tickets WHERE id = $1`, ticketID).
		Scan(&t.ID, &t.AuthorID, &t.Subject, &t.Body, &t.Status, &t.StaffNote, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Ticket{}, ErrNotFound
	}
	if err != nil {
		return Ticket{}, fmt.Errorf("failed to load ticket: %w", err)
	}
	return t, nil
}

// ListMine lists a user's own tickets, newest first.
func (s *Service) ListMine(ctx context.Context, authorID string) ([]Ticket, error) {
	return s.list(ctx,
		`SELECT id, author_id, subject, body, status, staff_note, created_at, updated_at
		 FROM feedback_tickets WHERE author_id = $1 ORDER BY created_at DESC`, authorID)
}

// ListAll lists every ticket, optionally narrowed to one status.
// Staff only; the handler enforces that.
func (s *Service) ListAll(ctx context.Context, status string) ([]Ticket, error) {
	if status != "" && !ValidStatus(status) {
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidInput, status)
	}
	return s.list(ctx,
		`SELECT id, author_id, subject, body, status, staff_note, created_at, updated_at
		 FROM feedback_tickets WHERE ($1 = '' OR status = $1) ORDER BY created_at DESC`, status)
}

// SetStatus moves a ticket through the workflow. Terminal tickets
// stay where they are.
func (s *Service) SetStatus(ctx context.Context, ticketID, status, note string) (Ticket, error) {
	if !ValidStatus(status) {
		return Ticket{}, fmt.Errorf("%w: unknown status %q", ErrInvalidInput, status)
	}

	t, err := s.Get(ctx, ticketID)
	if err != nil {
		return Ticket{}, err
	}
	if Terminal(t.Status) {
		return Ticket{}, ErrTicketClosed
	}

	err = s.db.QueryRow(ctx,
		`UPDATE feedback_tickets
		 SET status = $2, staff_note = COALESCE(NULLIF($3, ''), staff_note), updated_at = now()
		 WHERE id = $1
		 RETURNING id, author_id, subject, body, status, staff_note, created_at, updated_at`,
		ticketID, status, note).
		Scan(&t.ID, &t.AuthorID, &t.Subject, &t.Body, &t.Status, &t.StaffNote, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return Ticket{}, fmt.Errorf("failed to update ticket: %w", err)
	}

	s.publish(ctx, t)
	s.logger.Infow("feedback ticket updated", "ticket_id", t.ID, "status", status)
	return t, nil
}

func (s *Service) list(ctx context.Context, query string, arg interface{}) ([]Ticket, error) {
	rows, err := s.db.Query(ctx, query, arg)
	if err != nil {
		return nil, fmt.Errorf("failed to list tickets: %w", err)
	}
	defer rows.Close()

	tickets := []Ticket{}
	for rows.Next() {
		var t Ticket
		if err := rows.Scan(&t.ID, &t.AuthorID, &t.Subject, &t.Body, &t.Status, &t.StaffNote, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan ticket: %w", err)
		}
		tickets = append(tickets, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read tickets: %w", err)
	}
	return tickets, nil
}

func (s *Service) publish(ctx context.Context, t Ticket) {
	event := StatusEvent{TicketID: t.ID, Status: t.Status}
	if err := s.cache.Publish(ctx, store.ChannelFeedback, event); err != nil {
		s.logger.Warnw("failed to publish ticket event", "ticket_id", t.ID, "error", err)
	}
}
