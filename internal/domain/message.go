package domain

import "time"

// Message direction values.
const (
	DirectionIn  = "in"
	DirectionOut = "out"
)

// Message classification tags.
const (
	MsgTypeText     = "text"
	MsgTypeImage    = "image"
	MsgTypeVideo    = "video"
	MsgTypeAudio    = "audio"
	MsgTypeDocument = "document"
)

// Message is an append-only log entry for every observed message. Acked is the
// only field mutated after insert, flipped by the webhook dispatcher once the
// tenant endpoint confirmed delivery.
type Message struct {
	ID         int64     `json:"id,string" gorm:"primaryKey"`
	InstanceID string    `gorm:"index;size:64" json:"instance_id"`
	Direction  string    `gorm:"index" json:"direction"`
	RemoteJid  string    `json:"remote_jid"`
	Body       string    `gorm:"type:text" json:"body"`
	MsgType    string    `json:"msg_type"`
	MessageID  string    `gorm:"index" json:"message_id"`
	Acked      bool      `json:"acked"`
	CreatedAt  time.Time `json:"created_at"`
}

// TableName Specify table name
func (Message) TableName() string {
	return "wa_message"
}
