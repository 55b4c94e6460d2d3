package domain

import "time"

// Instance lifecycle status values.
const (
	InstanceConnecting   = "connecting"
	InstanceConnected    = "connected"
	InstanceDisconnected = "disconnected"
)

// Instance is one tenant's WhatsApp session. The ID is externally assigned and
// stable; the row is mutated only by the lifecycle manager.
type Instance struct {
	ID           string    `json:"instance_id" gorm:"column:id;primaryKey;size:64"`
	Name         string    `json:"name" form:"name"`
	WebhookUrl   string    `json:"webhook_url" form:"webhook_url"`
	WebhookToken string    `json:"-" form:"webhook_token"`
	Status       string    `gorm:"index" json:"status"`
	// PhoneNumber is set once the link is established; QrCode holds the last
	// pairing payload while connecting. The two are mutually exclusive.
	PhoneNumber string    `json:"phone_number"`
	QrCode      string    `gorm:"type:text" json:"qr_code"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// TableName Specify table name
func (Instance) TableName() string {
	return "wa_instance"
}
