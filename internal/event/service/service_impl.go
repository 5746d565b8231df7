package service

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	accountdomain "github.com/orderpulse/orderpulse/internal/account/domain"
	"github.com/orderpulse/orderpulse/internal/event/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const maxSummaryBytes = 2048

type Params struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	GenID    *snowflake.Node
	Repo     domain.Repository
	Accounts accountdomain.Repository
}

type service struct {
	db       *gorm.DB
	log      *zap.Logger
	genID    *snowflake.Node
	repo     domain.Repository
	accounts accountdomain.Repository
}

func New(p Params) domain.Service {
	return &service{
		db:       p.DB,
		log:      p.Log.Named("event"),
		genID:    p.GenID,
		repo:     p.Repo,
		accounts: p.Accounts,
	}
}

// Record persists the delivery before any processing happens. The caller
// holds no transaction here on purpose: the row must survive a processing
// rollback.
func (s *service) Record(ctx context.Context, source, origin, topic string, summary []byte) (*domain.InboundEvent, error) {
	source = strings.ToLower(strings.TrimSpace(source))
	if source == "" || topic == "" {
		return nil, domain.ErrInvalidEvent
	}

	event := &domain.InboundEvent{
		ID:        s.genID.Generate(),
		Source:    source,
		Origin:    origin,
		Topic:     topic,
		Summary:   summarize(summary),
		CreatedAt: time.Now().UTC(),
	}
	if err := s.repo.Insert(ctx, s.db, event); err != nil {
		return nil, err
	}
	return event, nil
}

func (s *service) MarkProcessed(ctx context.Context, id snowflake.ID) error {
	applied, err := s.repo.MarkProcessed(ctx, s.db, id, time.Now().UTC())
	if err != nil {
		return err
	}
	if !applied {
		s.log.Debug("event already terminal", zap.Int64("event_id", int64(id)))
	}
	return nil
}

func (s *service) MarkFailed(ctx context.Context, id snowflake.ID, message string) error {
	message = domain.TruncateError(message)
	applied, err := s.repo.MarkFailed(ctx, s.db, id, message)
	if err != nil {
		return err
	}
	if !applied {
		s.log.Debug("event already terminal", zap.Int64("event_id", int64(id)))
	}
	return nil
}

// ListForUser scopes the listing to the origins owned by the caller. The
// scope comes from channel accounts, never from the request.
func (s *service) ListForUser(ctx context.Context, userID snowflake.ID, filter domain.ListFilter) ([]domain.InboundEvent, error) {
	origins, err := s.accounts.OriginsForUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if len(origins) == 0 {
		return []domain.InboundEvent{}, nil
	}
	filter.Origins = origins

	items, err := s.repo.List(ctx, s.db, filter)
	if err != nil {
		return nil, err
	}
	if items == nil {
		items = []domain.InboundEvent{}
	}
	return items, nil
}

// summarize keeps a bounded, valid-JSON excerpt of the raw payload.
func summarize(payload []byte) datatypes.JSON {
	if len(payload) == 0 {
		return nil
	}
	if len(payload) <= maxSummaryBytes && json.Valid(payload) {
		return datatypes.JSON(payload)
	}
	excerpt := payload
	if len(excerpt) > maxSummaryBytes {
		excerpt = excerpt[:maxSummaryBytes]
	}
	out, err := json.Marshal(map[string]string{"excerpt": string(excerpt)})
	if err != nil {
		return nil
	}
	return datatypes.JSON(out)
}
