package repositories

import (
	"fmt"
	"time"

	"github.com/tphan267/guggleweed-client/pkg/models"
	"gorm.io/gorm"
)

type JournalRepository struct {
	db *gorm.DB
}

func NewJournalRepository(db *gorm.DB) *JournalRepository {
	db.AutoMigrate(&models.ChatRecord{}, &models.NotificationRecord{})
	return &JournalRepository{db: db}
}

// AddChat records a chat message received for a meeting
func (r *JournalRepository) AddChat(meetingID, sender, message string) (*models.ChatRecord, error) {
	if meetingID == "" {
		return nil, fmt.Errorf("meeting id cannot be empty")
	}

	record := &models.ChatRecord{
		MeetingID:  meetingID,
		Sender:     sender,
		Message:    message,
		ReceivedAt: time.Now(),
	}
	if err := r.db.Create(record).Error; err != nil {
		return nil, err
	}
	return record, nil
}

// AddNotification records a notification raised for a meeting
func (r *JournalRepository) AddNotification(meetingID, kind, attendeeID, text string) (*models.NotificationRecord, error) {
	if meetingID == "" {
		return nil, fmt.Errorf("meeting id cannot be empty")
	}
	if kind == "" {
		return nil, fmt.Errorf("notification kind cannot be empty")
	}

	record := &models.NotificationRecord{
		MeetingID:  meetingID,
		Kind:       kind,
		AttendeeID: attendeeID,
		Text:       text,
	}
	if err := r.db.Create(record).Error; err != nil {
		return nil, err
	}
	return record, nil
}

// Transcript returns the chat messages of a meeting in delivery order
func (r *JournalRepository) Transcript(meetingID string) ([]*models.ChatRecord, error) {
	var records []*models.ChatRecord
	if err := r.db.Where("meeting_id = ?", meetingID).Order("id").Find(&records).Error; err != nil {
		return nil, err
	}
	return records, nil
}

// Notifications returns the latest notifications of a meeting, newest first
func (r *JournalRepository) Notifications(meetingID string, limit int) ([]*models.NotificationRecord, error) {
	var records []*models.NotificationRecord
	query := r.db.Where("meeting_id = ?", meetingID).Order("id desc")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&records).Error; err != nil {
		return nil, err
	}
	return records, nil
}

func (r *JournalRepository) CountChats(meetingID string) (int, error) {
	var count int64
	if err := r.db.Model(&models.ChatRecord{}).Where("meeting_id = ?", meetingID).Count(&count).Error; err != nil {
		return 0, err
	}
	return int(count), nil
}

// Clear removes everything recorded for a meeting
func (r *JournalRepository) Clear(meetingID string) error {
	return r.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("meeting_id = ?", meetingID).Delete(&models.ChatRecord{}).Error; err != nil {
			return err
		}
		return tx.Where("meeting_id = ?", meetingID).Delete(&models.NotificationRecord{}).Error
	})
}
