package conversation

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/emberhq/ember/internal/types"
	"github.com/emberhq/ember/pkg/Logger"
)

// GormConversationStore persists finished conversations and usage rows in
// MySQL and mirrors recent messages plus live usage counters in redis.
// MySQL is the source of truth; redis mirror failures are logged and
// never fail the write.
type GormConversationStore struct {
	db     *gorm.DB
	rc     *redis.Client
	msgTTL time.Duration
	log    *Logger.Logger

	freeDailySecs    int64
	proPeriodSecs    int64
	proAllowanceSecs int64
}

func NewGormConversationStore(db *gorm.DB, rc *redis.Client, msgTTL time.Duration, freeDailySecs, proPeriodSecs, proAllowanceSecs int64, log *Logger.Logger) *GormConversationStore {
	return &GormConversationStore{
		db:               db,
		rc:               rc,
		msgTTL:           msgTTL,
		log:              log,
		freeDailySecs:    freeDailySecs,
		proPeriodSecs:    proPeriodSecs,
		proAllowanceSecs: proAllowanceSecs,
	}
}

func UserMsgListKey(userID uuid.UUID) string {
	return fmt.Sprintf("user:%s:msgs", userID.String())
}

func UserUsageKey(userID uuid.UUID) string {
	return fmt.Sprintf("user:%s:usage", userID.String())
}

// AppendConversation implements types.ConversationStore.
func (g *GormConversationStore) AppendConversation(ctx context.Context, rec types.ConversationRecord) error {
	conv := ConversationEntity{
		ID:        rec.SessionID,
		OwnerID:   rec.UserID,
		Guest:     rec.Guest,
		Summary:   rec.Summary,
		StartedAt: rec.StartedAt,
		EndedAt:   rec.EndedAt,
	}
	for _, m := range rec.Messages {
		var me MessageEntity
		me.FromDomain(conv.ID, m)
		conv.Messages = append(conv.Messages, me)
	}

	if err := g.db.WithContext(ctx).Create(&conv).Error; err != nil {
		return fmt.Errorf("storing conversation: %w", err)
	}

	// mirror recent messages into redis so other services can read them hot
	for _, me := range conv.Messages {
		data, err := json.Marshal(me)
		if err != nil {
			continue
		}
		if err := g.rc.Set(me.ID.String(), data, g.msgTTL).Err(); err != nil {
			g.log.Warnf("mirroring message %s: %v", me.ID, err)
			continue
		}
		if err := g.rc.ZAdd(UserMsgListKey(rec.UserID), redis.Z{
			Member: me.ID.String(),
			Score:  float64(me.CreatedAt.Unix()),
		}).Err(); err != nil {
			g.log.Warnf("indexing message %s: %v", me.ID, err)
		}
	}

	return nil
}

// SaveFact implements types.ConversationStore.
func (g *GormConversationStore) SaveFact(ctx context.Context, fact types.MemoryFact) error {
	var fe FactEntity
	fe.FromDomain(fact)
	if err := g.db.WithContext(ctx).Create(&fe).Error; err != nil {
		return fmt.Errorf("storing memory fact: %w", err)
	}
	return nil
}

// FetchUsage implements types.UsageStore. The tracking period resets when
// it has rolled over: daily for free, configured period for pro.
func (g *GormConversationStore) FetchUsage(ctx context.Context, userID uuid.UUID, tier types.Tier) (*types.Usage, error) {
	var ue UsageEntity
	err := g.db.WithContext(ctx).Where("user_id = ?", userID).First(&ue).Error
	if err == gorm.ErrRecordNotFound {
		ue = UsageEntity{
			UserID:      userID,
			Tier:        string(tier),
			PeriodStart: time.Now(),
		}
		if err := g.db.WithContext(ctx).Create(&ue).Error; err != nil {
			return nil, fmt.Errorf("creating usage row: %w", err)
		}
	} else if err != nil {
		return nil, fmt.Errorf("fetching usage: %w", err)
	}

	if g.periodRolledOver(tier, ue.PeriodStart) {
		ue.UsedSeconds = 0
		ue.PeriodStart = time.Now()
		ue.Tier = string(tier)
		if err := g.db.WithContext(ctx).Save(&ue).Error; err != nil {
			return nil, fmt.Errorf("resetting usage period: %w", err)
		}
		if err := g.rc.Set(UserUsageKey(userID), 0, 0).Err(); err != nil {
			g.log.Warnf("resetting usage counter for %s: %v", userID, err)
		}
	}

	return g.toUsage(&ue, tier), nil
}

// AddUsage implements types.UsageStore.
func (g *GormConversationStore) AddUsage(ctx context.Context, userID uuid.UUID, seconds int64) (*types.Usage, error) {
	var ue UsageEntity
	if err := g.db.WithContext(ctx).Where("user_id = ?", userID).First(&ue).Error; err != nil {
		return nil, fmt.Errorf("fetching usage: %w", err)
	}

	ue.UsedSeconds += seconds
	if err := g.db.WithContext(ctx).Save(&ue).Error; err != nil {
		return nil, fmt.Errorf("persisting usage: %w", err)
	}
	if err := g.rc.IncrBy(UserUsageKey(userID), seconds).Err(); err != nil {
		g.log.Warnf("mirroring usage counter for %s: %v", userID, err)
	}

	return g.toUsage(&ue, types.Tier(ue.Tier)), nil
}

func (g *GormConversationStore) periodRolledOver(tier types.Tier, start time.Time) bool {
	if tier == types.TierPro {
		return time.Since(start) >= time.Duration(g.proPeriodSecs)*time.Second
	}
	now := time.Now()
	y1, m1, d1 := start.Date()
	y2, m2, d2 := now.Date()
	return y1 != y2 || m1 != m2 || d1 != d2
}

func (g *GormConversationStore) toUsage(ue *UsageEntity, tier types.Tier) *types.Usage {
	limit := g.freeDailySecs
	if tier == types.TierPro {
		limit = g.proAllowanceSecs
	}
	return &types.Usage{
		UserID:       ue.UserID,
		Tier:         tier,
		UsedSeconds:  ue.UsedSeconds,
		LimitSeconds: limit,
		PeriodStart:  ue.PeriodStart,
	}
}
