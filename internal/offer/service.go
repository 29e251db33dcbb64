package offer

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/hively/hively-backend/internal/points"
	"github.com/hively/hively-backend/internal/post"
	"github.com/hively/hively-backend/internal/storage"
)

var (
	// ErrNotFound is returned when an offer lookup misses.
	ErrNotFound = errors.New("offer not found")
	// ErrOfferClosed is returned for any transition out of a
	// non-pending status.
	ErrOfferClosed = errors.New("offer is no longer pending")
	// ErrForbidden is returned when the caller is not the party the
	// operation belongs to.
	ErrForbidden = errors.New("not your offer to act on")
	// ErrOwnPost rejects offers on the seller's own post.
	ErrOwnPost = errors.New("cannot offer on your own post")
	// ErrNotBuyPost rejects offers on anything but buy posts.
	ErrNotBuyPost = errors.New("offers go on buy posts")
	// ErrInvalidInput covers malformed offer payloads.
	ErrInvalidInput = errors.New("invalid offer")
)

// Settler moves points from buyer to seller when an offer is accepted.
type Settler interface {
	Transfer(ctx context.Context, fromID, toID string, amount int64, refID *string, note string) (points.LedgerEntry, points.LedgerEntry, error)
}

// Service owns offers on buy posts. Creation follows the same
// sequential write chain as posts: offer row, delivery dates, media
// links, each failure aborting the rest.
type Service struct {
	db     storage.Querier
	settle Settler
	logger *zap.SugaredLogger
}

func NewService(db storage.Querier, settle Settler, logger *zap.SugaredLogger) *Service {
	return &Service{db: db, settle: settle, logger: logger}
}

// Create records a seller's offer on a buy post.
func (s *Service) Create(ctx context.Context, sellerID, postID string, in CreateInput) (Offer, error) {
	if in.Quantity <= 0 || in.PricePerUnit < 0 {
		return Offer{}, fmt.Errorf("%w: quantity and price must be positive", ErrInvalidInput)
	}

	var authorID, postType string
	err := s.db.QueryRow(ctx,
		`SELECT author_id, type FROM posts WHERE id = $1`, postID).
		Scan(&authorID, &postType)
	if errors.Is(err, pgx.ErrNoRows) {
		return Offer{}, post.ErrNotFound
	}
	if err != nil {
		return Offer{}, fmt.Errorf("failed to load post: %w", err)
	}
	if authorID == sellerID {
		return Offer{}, ErrOwnPost
	}
	if postType != post.TypeBuy {
		return Offer{}, ErrNotBuyPost
	}

	offerID := uuid.NewString()
	var o Offer
	err = s.db.QueryRow(ctx,
		`INSERT INTO offers (id, post_id, seller_id, quantity, price_per_unit, message, status)
		 VALUES ($1, $2, $3, $4, $5, $6, 'pending')
		 RETURNING id, post_id, seller_id, quantity, price_per_unit, message, status, created_at, updated_at`,
		offerID, postID, sellerID, in.Quantity, in.PricePerUnit, in.Message).
		Scan(&o.ID, &o.PostID, &o.SellerID, &o.Quantity, &o.PricePerUnit, &o.Message, &o.Status, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return Offer{}, fmt.Errorf("failed to create offer: %w", err)
	}

	for _, d := range in.DeliveryDates {
		if _, err := s.db.Exec(ctx,
			`INSERT INTO offer_delivery_dates (offer_id, delivery_on, note) VALUES ($1, $2, $3)`,
			offerID, d.On, d.Note); err != nil {
			return Offer{}, fmt.Errorf("failed to add offer delivery date: %w", err)
		}
		o.DeliveryDates = append(o.DeliveryDates, d)
	}
	for i, mediaID := range in.MediaIDs {
		tag, err := s.db.Exec(ctx,
			`INSERT INTO offer_media (offer_id, media_id, position)
			 SELECT $1, id, $3 FROM media_objects WHERE id = $2 AND owner_id = $4`,
			offerID, mediaID, i, sellerID)
		if err != nil {
			return Offer{}, fmt.Errorf("failed to link offer media: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return Offer{}, fmt.Errorf("%w: media %s not found", ErrInvalidInput, mediaID)
		}
		o.Media = append(o.Media, post.MediaLink{MediaID: mediaID, Position: i})
	}

	s.logger.Infow("offer created", "offer_id", offerID, "post_id", postID, "seller_id", sellerID)
	return o, nil
}

// Get loads one offer with its delivery dates and media.
func (s *Service) Get(ctx context.Context, offerID string) (Offer, error) {
	var o Offer
	err := s.db.QueryRow(ctx,
		`SELECT id, post_id, seller_id, quantity, price_per_unit, message, status, created_at, updated_at
		 FROM offers WHERE id = $1`, offerID).
		Scan(&o.ID, &o.PostID, &o.SellerID, &o.Quantity, &o.PricePerUnit, &o.Message, &o.Status, &o.CreatedAt, &o.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Offer{}, ErrNotFound
	}
	if err != nil {
		return Offer{}, fmt.Errorf("failed to load offer: %w", err)
	}

	if err := s.loadDeliveryDates(ctx, &o); err != nil {
		return Offer{}, err
	}
	if err := s.loadMedia(ctx, &o); err != nil {
		return Offer{}, err
	}
	return o, nil
}

// ListForPost lists a post's offers for its author.
func (s *Service) ListForPost(ctx context.Context, requesterID, postID string) ([]Offer, error) {
	var authorID string
	err := s.db.QueryRow(ctx,
		`SELECT author_id FROM posts WHERE id = $1`, postID).Scan(&authorID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, post.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load post: %w", err)
	}
	if authorID != requesterID {
		return nil, ErrForbidden
	}
	return s.list(ctx,
		`SELECT id, post_id, seller_id, quantity, price_per_unit, message, status, created_at, updated_at
		 FROM offers WHERE post_id = $1 ORDER BY created_at DESC`, postID)
}

// ListMine lists the offers a seller has made.
func (s *Service) ListMine(ctx context.Context, sellerID string) ([]Offer, error) {
	return s.list(ctx,
		`SELECT id, post_id, seller_id, quantity, price_per_unit, message, status, created_at, updated_at
		 FROM offers WHERE seller_id = $1 ORDER BY created_at DESC`, sellerID)
}

// Accept settles an offer: the post author pays quantity times price
// to the seller, then the offer flips to accepted. A short balance
// surfaces points.ErrInsufficientPoints untouched so the handler can
// attach purchase options.
func (s *Service) Accept(ctx context.Context, buyerID, offerID string) (Offer, error) {
	o, buyer, err := s.loadForDecision(ctx, offerID)
	if err != nil {
		return Offer{}, err
	}
	if buyer != buyerID {
		return Offer{}, ErrForbidden
	}
	if o.Status != StatusPending {
		return Offer{}, ErrOfferClosed
	}

	// Free offers settle without touching the ledger.
	if total := o.Total(); total > 0 {
		ref := o.ID
		if _, _, err := s.settle.Transfer(ctx, buyerID, o.SellerID, total, &ref,
			fmt.Sprintf("offer %s settlement", o.ID)); err != nil {
			return Offer{}, err
		}
	}

	if err := s.transition(ctx, offerID, StatusAccepted); err != nil {
		return Offer{}, err
	}
	o.Status = StatusAccepted

	s.logger.Infow("offer accepted",
		"offer_id", o.ID, "post_id", o.PostID, "buyer_id", buyerID, "points", o.Total())
	return o, nil
}

// Decline lets the post author turn an offer down.
func (s *Service) Decline(ctx context.Context, buyerID, offerID string) (Offer, error) {
	o, buyer, err := s.loadForDecision(ctx, offerID)
	if err != nil {
		return Offer{}, err
	}
	if buyer != buyerID {
		return Offer{}, ErrForbidden
	}
	if o.Status != StatusPending {
		return Offer{}, ErrOfferClosed
	}
	if err := s.transition(ctx, offerID, StatusDeclined); err != nil {
		return Offer{}, err
	}
	o.Status = StatusDeclined
	return o, nil
}

// Withdraw lets the seller take a pending offer back.
func (s *Service) Withdraw(ctx context.Context, sellerID, offerID string) (Offer, error) {
	o, _, err := s.loadForDecision(ctx, offerID)
	if err != nil {
		return Offer{}, err
	}
	if o.SellerID != sellerID {
		return Offer{}, ErrForbidden
	}
	if o.Status != StatusPending {
		return Offer{}, ErrOfferClosed
	}
	if err := s.transition(ctx, offerID, StatusWithdrawn); err != nil {
		return Offer{}, err
	}
	o.Status = StatusWithdrawn
	return o, nil
}

// ExpireStale times out pending offers older than the given age. The
// sweeper calls this.
func (s *Service) ExpireStale(ctx context.Context, maxAgeDays int) (int64, error) {
	tag, err := s.db.Exec(ctx,
		`UPDATE offers SET status = 'expired', updated_at = now()
		 WHERE status = 'pending' AND created_at < now() - make_interval(days => $1)`,
		maxAgeDays)
	if err != nil {
		return 0, fmt.Errorf("failed to expire offers: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *Service) loadForDecision(ctx context.Context, offerID string) (Offer, string, error) {
	var o Offer
	var buyerID string
	err := s.db.QueryRow(ctx,
		`SELECT o.id, o.post_id, o.seller_id, o.quantity, o.price_per_unit, o.message, o.status,
		        o.created_at, o.updated_at, p.author_id
		 FROM offers o JOIN posts p ON p.id = o.post_id
		 WHERE o.id = $1`, offerID).
		Scan(&o.ID, &o.PostID, &o.SellerID, &o.Quantity, &o.PricePerUnit, &o.Message, &o.Status,
			&o.CreatedAt, &o.UpdatedAt, &buyerID)
	if errors.Is(err, pgx.ErrNoRows) {
		return Offer{}, "", ErrNotFound
	}
	if err != nil {
		return Offer{}, "", fmt.Errorf("failed to load offer: %w", err)
	}
	return o, buyerID, nil
}

// transition flips pending to a terminal status. The status guard in
// the WHERE clause closes the race with a concurrent decision.
func (s *Service) transition(ctx context.Context, offerID, status string) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE offers SET status = $2, updated_at = now() WHERE id = $1 AND status = 'pending'`,
		offerID, status)
	if err != nil {
		return fmt.Errorf("failed to update offer status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrOfferClosed
	}
	return nil
}

func (s *Service) list(ctx context.Context, query string, arg interface{}) ([]Offer, error) {
	rows, err := s.db.Query(ctx, query, arg)
	if err != nil {
		return nil, fmt.Errorf("failed to list offers: %w", err)
	}
	defer rows.Close()

	offers := []Offer{}
	for rows.Next() {
		var o Offer
		if err := rows.Scan(&o.ID, &o.PostID, &o.SellerID, &o.Quantity, &o.PricePerUnit, &o.Message, &o.Status, &o.CreatedAt, &o.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan offer: %w", err)
		}
		offers = append(offers, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read offers: %w", err)
	}
	return offers, nil
}

func (s *Service) loadDeliveryDates(ctx context.Context, o *Offer) error {
	rows, err := s.db.Query(ctx,
		`SELECT delivery_on, note FROM offer_delivery_dates WHERE offer_id = $1 ORDER BY delivery_on`,
		o.ID)
	if err != nil {
		return fmt.Errorf("failed to load offer delivery dates: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var d post.DeliveryDate
		if err := rows.Scan(&d.On, &d.Note); err != nil {
			return fmt.Errorf("failed to scan offer delivery date: %w", err)
		}
		o.DeliveryDates = append(o.DeliveryDates, d)
	}
	return rows.Err()
}

func (s *Service) loadMedia(ctx context.Context, o *Offer) error {
	rows, err := s.db.Query(ctx,
		`SELECT media_id, position FROM offer_media WHERE offer_id = $1 ORDER BY position`,
		o.ID)
	if err != nil {
		return fmt.Errorf("failed to load offer media: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var m post.MediaLink
		if err := rows.Scan(&m.MediaID, &m.Position); err != nil {
			return fmt.Errorf("failed to scan offer media link: %w", err)
		}
		o.Media = append(o.Media, m)
	}
	return rows.Err()
}
