package services

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-refine/pkg/models"
)

// TurnRepository persists conversation turns for auditing.
type TurnRepository interface {
	SaveTurn(ctx context.Context, turn *models.ConversationTurn) error
}

// TurnRecorder receives every turn appended to any session history.
type TurnRecorder interface {
	// Record queues turn for persistence without blocking the session.
	Record(turn models.ConversationTurn)
}

// AsyncTurnRecorder writes turns from a background goroutine so a slow audit store never
// delays a session. When the queue is full, turns are dropped with a warning.
type AsyncTurnRecorder struct {
	repo    TurnRepository
	logger  *zap.Logger
	timeout time.Duration
	queue   chan models.ConversationTurn
	done    chan struct{}
}

var _ TurnRecorder = (*AsyncTurnRecorder)(nil)

// NewAsyncTurnRecorder starts a recorder. queueSize <= 0 uses 100.
func NewAsyncTurnRecorder(repo TurnRepository, logger *zap.Logger, queueSize int) *AsyncTurnRecorder {
	if queueSize <= 0 {
		queueSize = 100
	}

	r := &AsyncTurnRecorder{
		repo:    repo,
		logger:  logger.Named("turn-recorder"),
		timeout: 10 * time.Second,
		queue:   make(chan models.ConversationTurn, queueSize),
		done:    make(chan struct{}),
	}

	go r.processQueue()

	return r
}

// Record implements TurnRecorder.
func (r *AsyncTurnRecorder) Record(turn models.ConversationTurn) {
	select {
	case r.queue <- turn:
	default:
		r.logger.Warn("Turn record queue full, dropping entry",
			zap.String("session_id", turn.SessionID.String()),
			zap.Int("seq", turn.Seq))
	}
}

// Close stops accepting turns and waits until queued ones are saved.
func (r *AsyncTurnRecorder) Close() {
	close(r.queue)
	<-r.done
}

func (r *AsyncTurnRecorder) processQueue() {
	defer close(r.done)

	for turn := range r.queue {
		r.save(turn)
	}
}

func (r *AsyncTurnRecorder) save(turn models.ConversationTurn) {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	if err := r.repo.SaveTurn(ctx, &turn); err != nil {
		r.logger.Error("Failed to save conversation turn",
			zap.String("session_id", turn.SessionID.String()),
			zap.Int("seq", turn.Seq),
			zap.Error(err))
		return
	}

	r.logger.Debug("Saved conversation turn",
		zap.String("session_id", turn.SessionID.String()),
		zap.Int("seq", turn.Seq),
		zap.String("state", string(turn.State)))
}
