package models

import "time"

// ChatRecord is one chat message delivered by the server
type ChatRecord struct {
	ID         uint      `json:"id" gorm:"primaryKey"`
	MeetingID  string    `json:"meeting_id" gorm:"type:varchar(64);index"`
	Sender     string    `json:"sender" gorm:"type:varchar(128)"`
	Message    string    `json:"message"`
	ReceivedAt time.Time `json:"received_at"`
}

// TableName overrides the table name
func (ChatRecord) TableName() string {
	return "chat_messages"
}

// NotificationRecord is one notification raised during a meeting
type NotificationRecord struct {
	ID         uint      `json:"id" gorm:"primaryKey"`
	MeetingID  string    `json:"meeting_id" gorm:"type:varchar(64);index"`
	Kind       string    `json:"kind" gorm:"type:varchar(32)"`
	AttendeeID string    `json:"attendee_id" gorm:"type:varchar(128)"`
	Text       string    `json:"text"`
	CreatedAt  time.Time `json:"created_at"`
}

// TableName overrides the table name
func (NotificationRecord) TableName() string {
	return "notifications"
}
