package chat

import "time"

// Message is immutable once stored except for the read flag, which only ever goes
// false -> true.
type Message struct {
	ID          uint64     `gorm:"primaryKey;autoIncrement" json:"id"`
	RoomID      string     `gorm:"type:varchar(191);not null;index:idx_chat_msg_room_created,priority:1;index:idx_chat_msg_room_read,priority:1" json:"roomId"`
	SenderID    string     `gorm:"type:varchar(128);not null;index" json:"senderId"`
	SenderName  string     `gorm:"type:varchar(128)" json:"senderName"`
	SenderImage string     `gorm:"type:varchar(512)" json:"senderImage"`
	Body        string     `gorm:"type:text;not null" json:"message"`
	Read        bool       `gorm:"column:is_read;not null;default:false;index:idx_chat_msg_room_read,priority:2" json:"read"`
	ReadAt      *time.Time `json:"readAt,omitempty"`
	CreatedAt   time.Time  `gorm:"index:idx_chat_msg_room_created,priority:2" json:"createdAt"`
}

func (Message) TableName() string { return "chat_messages" }

// RoomMember records that a user takes part in a room, so the other side of a
// conversation is a lookup instead of a guess from the room id.
type RoomMember struct {
	ID        uint64    `gorm:"primaryKey;autoIncrement" json:"-"`
	RoomID    string    `gorm:"type:varchar(191);not null;index:uniq_chat_room_member,unique,priority:1" json:"roomId"`
	UserID    string    `gorm:"type:varchar(128);not null;index:uniq_chat_room_member,unique,priority:2;index" json:"userId"`
	CreatedAt time.Time `json:"createdAt"`
}

func (RoomMember) TableName() string { return "chat_room_members" }

type User struct {
	UserID    string    `gorm:"primaryKey;type:varchar(128)" json:"userId"`
	UserName  string    `gorm:"type:varchar(128)" json:"userName"`
	UserEmail string    `gorm:"type:varchar(191);index" json:"userEmail"`
	UserImage string    `gorm:"type:varchar(512)" json:"userImage"`
	LastSeen  time.Time `json:"lastSeen"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func (User) TableName() string { return "users" }

// RoomSummary is derived on demand from a user's messages; it is never stored.
type RoomSummary struct {
	RoomID             string    `json:"roomId"`
	OtherParticipantID string    `json:"otherParticipantId"`
	LastMessage        *Message  `json:"lastMessage"`
	UnreadCount        int64     `json:"unreadCount"`
	LastActivity       time.Time `json:"lastActivity"`
}
