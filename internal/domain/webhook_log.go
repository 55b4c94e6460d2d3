package domain

import "time"

// WebhookLog records one webhook delivery attempt. A 3-attempt retry sequence
// yields 3 rows. StatusCode is 0 when the POST failed below HTTP level.
type WebhookLog struct {
	ID         int64     `json:"id,string" gorm:"primaryKey"`
	InstanceID string    `gorm:"index;size:64" json:"instance_id"`
	Url        string    `json:"url"`
	Payload    string    `gorm:"type:text" json:"payload"`
	StatusCode int       `json:"status_code"`
	Response   string    `gorm:"type:text" json:"response"`
	CreatedAt  time.Time `json:"created_at"`
}

// TableName Specify table name
func (WebhookLog) TableName() string {
	return "wa_webhook_log"
}
