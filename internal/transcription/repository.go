package transcription

import (
	"context"
	"errors"
	"sync"
	"time"

	"git.fleetops.dev/dispatch/golang/convoy/internal/database"
	"git.fleetops.dev/dispatch/golang/convoy/internal/logging"
	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	ErrInvalidTranscriptionResult  = errors.New("invalid result type, it should be pointer to Transcription struct")
	ErrInvalidTranscriptionsResult = errors.New("invalid result type, it should be slice of Transcription")
)

type TranscriptionRepository struct {
	DBConn         *gorm.DB
	CircuitBreaker *gobreaker.CircuitBreaker[any]

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewTranscriptionRepository(dbConn *gorm.DB) *TranscriptionRepository {
	cbSettings := database.GetCircuitBreakerSettings()

	return &TranscriptionRepository{
		DBConn:         dbConn,
		CircuitBreaker: gobreaker.NewCircuitBreaker[any](cbSettings),
		locks:          make(map[string]*sync.Mutex),
	}
}

// conversationLock returns the mutex serializing appends for one conversation.
// Sequence numbers are count+1, so two concurrent appends for the same
// conversation must not read the count at the same time. The unique
// (external_conversation_id, sequence_number) index backs this up at the
// database level.
func (transcriptionRepository *TranscriptionRepository) conversationLock(externalConversationID string) *sync.Mutex {
	transcriptionRepository.mu.Lock()
	defer transcriptionRepository.mu.Unlock()

	lock, ok := transcriptionRepository.locks[externalConversationID]
	if !ok {
		lock = &sync.Mutex{}
		transcriptionRepository.locks[externalConversationID] = lock
	}

	return lock
}

// Append stores one conversation turn with the next sequence number for its
// conversation. The timestamp is stamped server side at persist time.
func (transcriptionRepository *TranscriptionRepository) Append(
	ctx context.Context,
	externalConversationID, speaker, messageText string,
) (*Transcription, error) {
	lock := transcriptionRepository.conversationLock(externalConversationID)
	lock.Lock()
	defer lock.Unlock()

	result, err := transcriptionRepository.CircuitBreaker.Execute(func() (any, error) {
		var count int64

		err := transcriptionRepository.DBConn.WithContext(ctx).
			Model(&Transcription{}).
			Where("external_conversation_id = ?", externalConversationID).
			Count(&count).Error
		if err != nil {
			logging.Logger.Error("[Append] Failed to count conversation turns",
				zap.String("external_conversation_id", externalConversationID),
				zap.String("error", err.Error()),
			)

			return nil, err
		}

		turn := &Transcription{
			ExternalConversationID: externalConversationID,
			Speaker:                speaker,
			MessageText:            messageText,
			Timestamp:              time.Now().UTC(),
			SequenceNumber:         int(count) + 1,
		}

		err = transcriptionRepository.DBConn.WithContext(ctx).Create(turn).Error
		if err != nil {
			logging.Logger.Error("[Append] Failed to store conversation turn",
				zap.String("external_conversation_id", externalConversationID),
				zap.Int("sequence_number", turn.SequenceNumber),
				zap.String("error", err.Error()),
			)

			return nil, err
		}

		return turn, nil
	})
	if err != nil {
		return nil, err
	}

	turn, ok := result.(*Transcription)
	if !ok {
		return nil, ErrInvalidTranscriptionResult
	}

	return turn, nil
}

// ListByExternalID returns the conversation history in sequence order. A
// non-positive limit returns everything.
func (transcriptionRepository *TranscriptionRepository) ListByExternalID(
	ctx context.Context,
	externalConversationID string,
	limit int,
) ([]Transcription, error) {
	result, err := transcriptionRepository.CircuitBreaker.Execute(func() (any, error) {
		var turns []Transcription

		query := transcriptionRepository.DBConn.WithContext(ctx).
			Where("external_conversation_id = ?", externalConversationID).
			Order("sequence_number ASC")

		if limit > 0 {
			query = query.Limit(limit)
		}

		err := query.Find(&turns).Error
		if err != nil {
			logging.Logger.Error("[ListByExternalID] Failed to fetch conversation history",
				zap.String("external_conversation_id", externalConversationID),
				zap.String("error", err.Error()),
			)

			return nil, err
		}

		return turns, nil
	})
	if err != nil {
		return nil, err
	}

	turns, ok := result.([]Transcription)
	if !ok {
		return nil, ErrInvalidTranscriptionsResult
	}

	return turns, nil
}
