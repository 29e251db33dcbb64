package post

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/hively/hively-backend/internal/category"
	"github.com/hively/hively-backend/internal/storage"
	"github.com/hively/hively-backend/internal/store"
)

var (
	// ErrNotFound is returned when a post lookup misses.
	ErrNotFound = errors.New("post not found")
	// ErrForbidden is returned when someone edits a post they do not own.
	ErrForbidden = errors.New("not your post")
	// ErrInvalidInput covers malformed create/update payloads.
	ErrInvalidInput = errors.New("invalid post")
	// ErrCategoryUnavailable is returned when a sell/buy post names a
	// category that is blocked where the post would appear.
	ErrCategoryUnavailable = errors.New("category not available in this community")
	// ErrNoDelegation is returned when on_behalf_of names a user who
	// has not delegated to the author.
	ErrNoDelegation = errors.New("no active delegation from that user")
)

const (
	maxContentBytes = 64 << 10
	defaultFeedSize = 20
	maxFeedSize     = 100
)

// CategoryChecker is the slice of the categories service posts need.
type CategoryChecker interface {
	Allowed(ctx context.Context, communityIndex string, c category.Category) bool
}

// DelegationChecker verifies an active delegation pair.
type DelegationChecker interface {
	ActiveBetween(ctx context.Context, delegatorID, delegateeID string) (bool, error)
}

// CommunityResolver yields the community indices a user's feed spans.
type CommunityResolver interface {
	Indices(ctx context.Context, userID string) ([]string, error)
}

// Service owns marketplace posts. Creation and update run as
// sequential writes without an enclosing transaction: a failed step
// aborts the rest and surfaces the error, and the rows already
// written stay put.
type Service struct {
	db          storage.Querier
	cache       *store.Cache
	categories  CategoryChecker
	delegations DelegationChecker
	communities CommunityResolver
	logger      *zap.SugaredLogger
}

func NewService(
	db storage.Querier,
	cache *store.Cache,
	categories CategoryChecker,
	delegations DelegationChecker,
	communities CommunityResolver,
	logger *zap.SugaredLogger,
) *Service {
	return &Service{
		db:          db,
		cache:       cache,
		categories:  categories,
		delegations: delegations,
		communities: communities,
		logger:      logger,
	}
}

// Create writes a post and its satellite rows in order: post row,
// detail row, delivery dates, media links. Later steps are skipped
// as soon as one fails.
func (s *Service) Create(ctx context.Context, authorID string, in CreateInput) (Post, error) {
	if err := s.validateCreate(ctx, authorID, in); err != nil {
		return Post{}, err
	}

	postID := uuid.NewString()
	content := in.Content
	if len(content) == 0 {
		content = json.RawMessage(`{}`)
	}

	var createdAt, updatedAt time.Time
	err := s.db.QueryRow(ctx,
		`INSERT INTO posts (id, author_id, on_behalf_of, community_index, type, reach, content)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 RETURNING created_at, updated_at`,
		postID, authorID, in.OnBehalfOf, in.CommunityIndex, in.Type, in.Reach, content).
		Scan(&createdAt, &updatedAt)
	if err != nil {
		return Post{}, fmt.Errorf("failed to create post: %w", err)
	}

	if err := s.insertDetails(ctx, postID, in.Type, in.Sell, in.Buy, in.General); err != nil {
		return Post{}, err
	}
	if err := s.insertDeliveryDates(ctx, postID, in.DeliveryDates); err != nil {
		return Post{}, err
	}
	if err := s.linkMedia(ctx, postID, authorID, in.MediaIDs); err != nil {
		return Post{}, err
	}

	s.publishNewPost(ctx, NewPostEvent{
		PostID:         postID,
		AuthorID:       authorID,
		CommunityIndex: in.CommunityIndex,
		Type:           in.Type,
		Reach:          in.Reach,
	})

	return s.Get(ctx, postID)
}

// Update patches a post with the same sequential chain as Create.
// Only the author may edit; type and community never change.
func (s *Service) Update(ctx context.Context, userID, postID string, in UpdateInput) (Post, error) {
	var authorID, postType, communityIndex string
	err := s.db.QueryRow(ctx,
		`SELECT author_id, type, community_index FROM posts WHERE id = $1`, postID).
		Scan(&authorID, &postType, &communityIndex)
	if errors.Is(err, pgx.ErrNoRows) {
		return Post{}, ErrNotFound
	}
	if err != nil {
		return Post{}, fmt.Errorf("failed to load post: %w", err)
	}
	if authorID != userID {
		return Post{}, ErrForbidden
	}

	if in.Reach != nil && !ValidReach(*in.Reach) {
		return Post{}, fmt.Errorf("%w: unknown reach %q", ErrInvalidInput, *in.Reach)
	}
	if len(in.Content) > maxContentBytes {
		return Post{}, fmt.Errorf("%w: content too large", ErrInvalidInput)
	}
	if err := s.checkDetailCategory(ctx, communityIndex, postType, in.Sell, in.Buy); err != nil {
		return Post{}, err
	}

	_, err = s.db.Exec(ctx,
		`UPDATE posts
		 SET reach = COALESCE($2, reach),
		     content = COALESCE($3, content),
		     updated_at = now()
		 WHERE id = $1`,
		postID, in.Reach, nilIfEmpty(in.Content))
	if err != nil {
		return Post{}, fmt.Errorf("failed to update post: %w", err)
	}

	if in.Sell != nil || in.Buy != nil || in.General != nil {
		if err := s.upsertDetails(ctx, postID, postType, in.Sell, in.Buy, in.General); err != nil {
			return Post{}, err
		}
	}
	if in.DeliveryDates != nil {
		if err := s.replaceDeliveryDates(ctx, postID, *in.DeliveryDates); err != nil {
			return Post{}, err
		}
	}
	if in.MediaIDs != nil {
		if err := s.replaceMedia(ctx, postID, userID, *in.MediaIDs); err != nil {
			return Post{}, err
		}
	}

	return s.Get(ctx, postID)
}

// Get assembles a post with its detail row, delivery dates and media.
func (s *Service) Get(ctx context.Context, postID string) (Post, error) {
	var p Post
	err := s.db.QueryRow(ctx,
		`SELECT id, author_id, on_behalf_of, community_index, type, reach, content, created_at, updated_at
		 FROM posts WHERE id = $1`, postID).
		Scan(&p.ID, &p.AuthorID, &p.OnBehalfOf, &p.CommunityIndex, &p.Type, &p.Reach, &p.Content, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Post{}, ErrNotFound
	}
	if err != nil {
		return Post{}, fmt.Errorf("failed to load post: %w", err)
	}

	if err := s.loadDetails(ctx, &p); err != nil {
		return Post{}, err
	}
	if err := s.loadDeliveryDates(ctx, &p); err != nil {
		return Post{}, err
	}
	if err := s.loadMedia(ctx, &p); err != nil {
		return Post{}, err
	}
	return p, nil
}

// Feed lists the posts visible to a user: community posts from their
// home and neighbor communities plus everything global, newest first.
func (s *Service) Feed(ctx context.Context, userID string, f FeedFilter) ([]Post, error) {
	indices, err := s.communities.Indices(ctx, userID)
	if err != nil {
		return nil, err
	}
	return s.list(ctx, indices, f)
}

// ListByCommunity lists one community's posts plus global ones.
func (s *Service) ListByCommunity(ctx context.Context, index string, f FeedFilter) ([]Post, error) {
	return s.list(ctx, []string{index}, f)
}

func (s *Service) list(ctx context.Context, indices []string, f FeedFilter) ([]Post, error) {
	limit := f.Limit
	if limit <= 0 || limit > maxFeedSize {
		limit = defaultFeedSize
	}
	cursor := f.Cursor
	if cursor.IsZero() {
		cursor = time.Now().Add(time.Minute)
	}
	postType := f.Type
	if postType != "" && !ValidType(postType) {
		return nil, fmt.Errorf("%w: unknown type %q", ErrInvalidInput, postType)
	}

	rows, err := s.db.Query(ctx,
		`SELECT id, author_id, on_behalf_of, community_index, type, reach, content, created_at, updated_at
		 FROM posts
		 WHERE (reach = 'global' OR community_index = ANY($1))
		   AND ($2 = '' OR type = $2)
		   AND ($3 = ''
		        OR EXISTS (SELECT 1 FROM post_sell_details sd WHERE sd.post_id = posts.id AND sd.category = $3)
		        OR EXISTS (SELECT 1 FROM post_buy_details bd WHERE bd.post_id = posts.id AND bd.category = $3)
		        OR EXISTS (SELECT 1 FROM post_general_details gd WHERE gd.post_id = posts.id AND gd.category = $3))
		   AND created_at < $4
		 ORDER BY created_at DESC
		 LIMIT $5`,
		indices, postType, f.Category, cursor, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list posts: %w", err)
	}
	defer rows.Close()

	posts := []Post{}
	for rows.Next() {
		var p Post
		if err := rows.Scan(&p.ID, &p.AuthorID, &p.OnBehalfOf, &p.CommunityIndex, &p.Type, &p.Reach, &p.Content, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan post: %w", err)
		}
		posts = append(posts, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read posts: %w", err)
	}
	return posts, nil
}

func (s *Service) validateCreate(ctx context.Context, authorID string, in CreateInput) error {
	if !ValidType(in.Type) {
		return fmt.Errorf("%w: unknown type %q", ErrInvalidInput, in.Type)
	}
	if !ValidReach(in.Reach) {
		return fmt.Errorf("%w: unknown reach %q", ErrInvalidInput, in.Reach)
	}
	if in.CommunityIndex == "" {
		return fmt.Errorf("%w: missing community", ErrInvalidInput)
	}
	if len(in.Content) > maxContentBytes {
		return fmt.Errorf("%w: content too large", ErrInvalidInput)
	}

	switch in.Type {
	case TypeSell:
		if in.Sell == nil {
			return fmt.Errorf("%w: sell posts need sell details", ErrInvalidInput)
		}
		if in.Sell.Quantity <= 0 || in.Sell.PricePerUnit < 0 {
			return fmt.Errorf("%w: bad sell details", ErrInvalidInput)
		}
	case TypeBuy:
		if in.Buy == nil {
			return fmt.Errorf("%w: buy posts need buy details", ErrInvalidInput)
		}
		if in.Buy.Quantity <= 0 || in.Buy.MaxPricePerUnit < 0 {
			return fmt.Errorf("%w: bad buy details", ErrInvalidInput)
		}
	default:
		if in.General == nil || in.General.Topic == "" {
			return fmt.Errorf("%w: %s posts need a topic", ErrInvalidInput, in.Type)
		}
	}

	if err := s.checkDetailCategory(ctx, in.CommunityIndex, in.Type, in.Sell, in.Buy); err != nil {
		return err
	}

	if in.OnBehalfOf != nil {
		if *in.OnBehalfOf == authorID {
			return fmt.Errorf("%w: on_behalf_of is yourself", ErrInvalidInput)
		}
		active, err := s.delegations.ActiveBetween(ctx, *in.OnBehalfOf, authorID)
		if err != nil {
			return fmt.Errorf("failed to verify delegation: %w", err)
		}
		if !active {
			return ErrNoDelegation
		}
	}
	return nil
}

func (s *Service) checkDetailCategory(ctx context.Context, communityIndex, postType string, sell *SellDetails, buy *BuyDetails) error {
	var c category.Category
	switch {
	case postType == TypeSell && sell != nil:
		c = sell.Category
	case postType == TypeBuy && buy != nil:
		c = buy.Category
	default:
		return nil
	}
	if !category.Valid(c) {
		return fmt.Errorf("%w: unknown category %q", ErrInvalidInput, c)
	}
	if !s.categories.Allowed(ctx, communityIndex, c) {
		return fmt.Errorf("%w: %s", ErrCategoryUnavailable, c)
	}
	return nil
}

func (s *Service) insertDetails(ctx context.Context, postID, postType string, sell *SellDetails, buy *BuyDetails, general *GeneralDetails) error {
	switch postType {
	case TypeSell:
		_, err := s.db.Exec(ctx,
			`INSERT INTO post_sell_details (post_id, category, quantity, unit, price_per_unit)
			 VALUES ($1, $2, $3, $4, $5)`,
			postID, string(sell.Category), sell.Quantity, sell.Unit, sell.PricePerUnit)
		if err != nil {
			return fmt.Errorf("failed to create sell details: %w", err)
		}
	case TypeBuy:
		_, err := s.db.Exec(ctx,
			`INSERT INTO post_buy_details (post_id, category, quantity, unit, max_price_per_unit)
			 VALUES ($1, $2, $3, $4, $5)`,
			postID, string(buy.Category), buy.Quantity, buy.Unit, buy.MaxPricePerUnit)
		if err != nil {
			return fmt.Errorf("failed to create buy details: %w", err)
		}
	default:
		_, err := s.db.Exec(ctx,
			`INSERT INTO post_general_details (post_id, category, topic)
			 VALUES ($1, $2, $3)`,
			postID, categoryOrNil(general.Category), general.Topic)
		if err != nil {
			return fmt.Errorf("failed to create post details: %w", err)
		}
	}
	return nil
}

func (s *Service) upsertDetails(ctx context.Context, postID, postType string, sell *SellDetails, buy *BuyDetails, general *GeneralDetails) error {
	switch postType {
	case TypeSell:
		if sell == nil {
			return fmt.Errorf("%w: sell posts take sell details", ErrInvalidInput)
		}
		_, err := s.db.Exec(ctx,
			`INSERT INTO post_sell_details (post_id, category, quantity, unit, price_per_unit)
			 VALUES ($1, $2, $3, $4, $5)
			 ON CONFLICT (post_id) DO UPDATE
			 SET category = EXCLUDED.category, quantity = EXCLUDED.quantity,
			     unit = EXCLUDED.unit, price_per_unit = EXCLUDED.price_per_unit`,
			postID, string(sell.Category), sell.Quantity, sell.Unit, sell.PricePerUnit)
		if err != nil {
			return fmt.Errorf("failed to update sell details: %w", err)
		}
	case TypeBuy:
		if buy == nil {
			return fmt.Errorf("%w: buy posts take buy details", ErrInvalidInput)
		}
		_, err := s.db.Exec(ctx,
			`INSERT INTO post_buy_details (post_id, category, quantity, unit, max_price_per_unit)
			 VALUES ($1, $2, $3, $4, $5)
			 ON CONFLICT (post_id) DO UPDATE
			 SET category = EXCLUDED.category, quantity = EXCLUDED.quantity,
			     unit = EXCLUDED.unit, max_price_per_unit = EXCLUDED.max_price_per_unit`,
			postID, string(buy.Category), buy.Quantity, buy.Unit, buy.MaxPricePerUnit)
		if err != nil {
			return fmt.Errorf("failed to update buy details: %w", err)
		}
	default:
		if general == nil {
			return fmt.Errorf("%w: %s posts take general details", ErrInvalidInput, postType)
		}
		_, err := s.db.Exec(ctx,
			`INSERT INTO post_general_details (post_id, category, topic)
			 VALUES ($1, $2, $3)
			 ON CONFLICT (post_id) DO UPDATE
			 SET category = EXCLUDED.category, topic = EXCLUDED.topic`,
			postID, categoryOrNil(general.Category), general.Topic)
		if err != nil {
			return fmt.Errorf("failed to update post details: %w", err)
		}
	}
	return nil
}

func (s *Service) insertDeliveryDates(ctx context.Context, postID string, dates []DeliveryDate) error {
	for _, d := range dates {
		_, err := s.db.Exec(ctx,
			`INSERT INTO post_delivery_dates (post_id, delivery_on, note) VALUES ($1, $2, $3)`,
			postID, d.On, d.Note)
		if err != nil {
			return fmt.Errorf("failed to add delivery date: %w", err)
		}
	}
	return nil
}

func (s *Service) replaceDeliveryDates(ctx context.Context, postID string, dates []DeliveryDate) error {
	if _, err := s.db.Exec(ctx,
		`DELETE FROM post_delivery_dates WHERE post_id = $1`, postID); err != nil {
		return fmt.Errorf("failed to clear delivery dates: %w", err)
	}
	return s.insertDeliveryDates(ctx, postID, dates)
}

// linkMedia attaches uploaded media, verifying ownership in the same
// statement: linking someone else's upload affects zero rows.
func (s *Service) linkMedia(ctx context.Context, postID, ownerID string, mediaIDs []string) error {
	for i, mediaID := range mediaIDs {
		tag, err := s.db.Exec(ctx,
			`INSERT INTO post_media (post_id, media_id, position)
			 SELECT $1, id, $3 FROM media_objects WHERE id = $2 AND owner_id = $4`,
			postID, mediaID, i, ownerID)
		if err != nil {
			return fmt.Errorf("failed to link media: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("%w: media %s not found", ErrInvalidInput, mediaID)
		}
	}
	return nil
}

func (s *Service) replaceMedia(ctx context.Context, postID, ownerID string, mediaIDs []string) error {
	if _, err := s.db.Exec(ctx,
		`DELETE FROM post_media WHERE post_id = $1`, postID); err != nil {
		return fmt.Errorf("failed to clear media links: %w", err)
	}
	return s.linkMedia(ctx, postID, ownerID, mediaIDs)
}

func (s *Service) loadDetails(ctx context.Context, p *Post) error {
	switch p.Type {
	case TypeSell:
		var d SellDetails
		err := s.db.QueryRow(ctx,
			`SELECT category, quantity, unit, price_per_unit FROM post_sell_details WHERE post_id = $1`,
			p.ID).Scan(&d.Category, &d.Quantity, &d.Unit, &d.PricePerUnit)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to load sell details: %w", err)
		}
		p.Sell = &d
	case TypeBuy:
		var d BuyDetails
		err := s.db.QueryRow(ctx,
			`SELECT category, quantity, unit, max_price_per_unit FROM post_buy_details WHERE post_id = $1`,
			p.ID).Scan(&d.Category, &d.Quantity, &d.Unit, &d.MaxPricePerUnit)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to load buy details: %w", err)
		}
		p.Buy = &d
	default:
		var d GeneralDetails
		err := s.db.QueryRow(ctx,
			`SELECT category, topic FROM post_general_details WHERE post_id = $1`,
			p.ID).Scan(&d.Category, &d.Topic)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to load post details: %w", err)
		}
		p.General = &d
	}
	return nil
}

func (s *Service) loadDeliveryDates(ctx context.Context, p *Post) error {
	rows, err := s.db.Query(ctx,
		`SELECT delivery_on, note FROM post_delivery_dates WHERE post_id = $1 ORDER BY delivery_on`,
		p.ID)
	if err != nil {
		return fmt.Errorf("failed to load delivery dates: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var d DeliveryDate
		if err := rows.Scan(&d.On, &d.Note); err != nil {
			return fmt.Errorf("failed to scan delivery date: %w", err)
		}
		p.DeliveryDates = append(p.DeliveryDates, d)
	}
	return rows.Err()
}

func (s *Service) loadMedia(ctx context.Context, p *Post) error {
	rows, err := s.db.Query(ctx,
		`SELECT media_id, position FROM post_media WHERE post_id = $1 ORDER BY position`,
		p.ID)
	if err != nil {
		return fmt.Errorf("failed to load media links: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var m MediaLink
		if err := rows.Scan(&m.MediaID, &m.Position); err != nil {
			return fmt.Errorf("failed to scan media link: %w", err)
		}
		p.Media = append(p.Media, m)
	}
	return rows.Err()
}

func (s *Service) publishNewPost(ctx context.Context, event NewPostEvent) {
	if err := s.cache.Publish(ctx, store.PostsChannel(event.CommunityIndex), event); err != nil {
		s.logger.Warnw("failed to publish new post",
			"post_id", event.PostID, "community_index", event.CommunityIndex, "error", err)
	}
}

func categoryOrNil(c *category.Category) *string {
	if c == nil {
		return nil
	}
	s := string(*c)
	return &s
}

func nilIfEmpty(raw json.RawMessage) *json.RawMessage {
	if len(raw) == 0 {
		return nil
	}
	return &raw
}
