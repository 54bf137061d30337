package chat

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/samber/lo"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Repo struct {
	db *gorm.DB

	clockMu  sync.Mutex
	lastTime time.Time
	now      func() time.Time
}

func NewRepo(db *gorm.DB) *Repo {
	return &Repo{db: db, now: time.Now}
}

// nextCreatedAt never goes backwards, even if the wall clock does.
func (r *Repo) nextCreatedAt() time.Time {
	r.clockMu.Lock()
	defer r.clockMu.Unlock()
	t := r.now().UTC()
	if !t.After(r.lastTime) {
		t = r.lastTime.Add(time.Microsecond)
	}
	r.lastTime = t
	return t
}

// AppendMessage stores m with a server-assigned id and createdAt and records the
// given participants as room members in the same transaction.
func (r *Repo) AppendMessage(ctx context.Context, m *Message, participants []string) error {
	m.ID = 0
	m.Read = false
	m.ReadAt = nil
	m.CreatedAt = r.nextCreatedAt()

	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(m).Error; err != nil {
			return err
		}
		return addParticipants(tx, m.RoomID, participants)
	})
}

// ListByRoom returns messages in ascending (createdAt, id) order.
func (r *Repo) ListByRoom(ctx context.Context, roomID string, limit, offset int) ([]Message, error) {
	q := r.db.WithContext(ctx).
		Where("room_id = ?", roomID).
		Order("created_at ASC").
		Order("id ASC")

	if limit > 0 {
		q = q.Limit(limit)
	}
	if offset > 0 {
		q = q.Offset(offset)
	}

	var msgs []Message
	if err := q.Find(&msgs).Error; err != nil {
		return nil, err
	}
	return msgs, nil
}

// MarkRead flags every unread message in the room not written by readerID.
// Returns the number of rows that changed, so a repeat call reports 0.
func (r *Repo) MarkRead(ctx context.Context, roomID, readerID string) (int64, error) {
	now := r.now().UTC()
	res := r.db.WithContext(ctx).Model(&Message{}).
		Where("room_id = ? AND sender_id <> ? AND is_read = ?", roomID, readerID, false).
		Updates(map[string]any{
			"is_read": true,
			"read_at": now,
		})
	return res.RowsAffected, res.Error
}

// CountUnread counts unread messages addressed to userID across all rooms they
// take part in.
func (r *Repo) CountUnread(ctx context.Context, userID string) (int64, error) {
	rooms := r.db.Model(&RoomMember{}).Select("room_id").Where("user_id = ?", userID)

	var n int64
	err := r.db.WithContext(ctx).Model(&Message{}).
		Where("room_id IN (?) AND sender_id <> ? AND is_read = ?", rooms, userID, false).
		Count(&n).Error
	return n, err
}

func addParticipants(tx *gorm.DB, roomID string, userIDs []string) error {
	ids := lo.Uniq(lo.Compact(userIDs))
	if len(ids) == 0 {
		return nil
	}
	rows := lo.Map(ids, func(id string, _ int) RoomMember {
		return RoomMember{RoomID: roomID, UserID: id}
	})
	return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&rows).Error
}

func (r *Repo) RoomParticipants(ctx context.Context, roomID string) ([]string, error) {
	var ids []string
	err := r.db.WithContext(ctx).Model(&RoomMember{}).
		Where("room_id = ?", roomID).
		Order("id ASC").
		Pluck("user_id", &ids).Error
	return ids, err
}

// UpsertUser inserts or refreshes the profile and bumps last_seen.
func (r *Repo) UpsertUser(ctx context.Context, u *User) error {
	u.LastSeen = r.now().UTC()
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"user_name", "user_email", "user_image", "last_seen", "updated_at"}),
	}).Create(u).Error
}

func (r *Repo) TouchLastSeen(ctx context.Context, userID string) error {
	return r.db.WithContext(ctx).Model(&User{}).
		Where("user_id = ?", userID).
		Update("last_seen", r.now().UTC()).Error
}

func (r *Repo) GetUser(ctx context.Context, userID string) (*User, error) {
	var u User
	if err := r.db.WithContext(ctx).First(&u, "user_id = ?", userID).Error; err != nil {
		return nil, err
	}
	return &u, nil
}

// ChatRooms builds a summary per room the user takes part in, most recent first.
func (r *Repo) ChatRooms(ctx context.Context, userID string) ([]RoomSummary, error) {
	var roomIDs []string
	if err := r.db.WithContext(ctx).Model(&RoomMember{}).
		Where("user_id = ?", userID).
		Pluck("room_id", &roomIDs).Error; err != nil {
		return nil, err
	}

	out := make([]RoomSummary, 0, len(roomIDs))
	for _, roomID := range roomIDs {
		s := RoomSummary{RoomID: roomID}

		var last []Message
		if err := r.db.WithContext(ctx).
			Where("room_id = ?", roomID).
			Order("created_at DESC").
			Order("id DESC").
			Limit(1).
			Find(&last).Error; err != nil {
			return nil, err
		}
		if len(last) > 0 {
			s.LastMessage = &last[0]
			s.LastActivity = last[0].CreatedAt
		}

		if err := r.db.WithContext(ctx).Model(&Message{}).
			Where("room_id = ? AND sender_id <> ? AND is_read = ?", roomID, userID, false).
			Count(&s.UnreadCount).Error; err != nil {
			return nil, err
		}

		var others []string
		if err := r.db.WithContext(ctx).Model(&RoomMember{}).
			Where("room_id = ? AND user_id <> ?", roomID, userID).
			Order("id ASC").
			Limit(1).
			Pluck("user_id", &others).Error; err != nil {
			return nil, err
		}
		if len(others) > 0 {
			s.OtherParticipantID = others[0]
		}

		out = append(out, s)
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].LastActivity.After(out[j].LastActivity)
	})
	return out, nil
}
