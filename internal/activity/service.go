package activity

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/trinity/trinity/internal/common/errors"
	"github.com/trinity/trinity/internal/common/logger"
	"github.com/trinity/trinity/internal/events/bus"
	v1 "github.com/trinity/trinity/pkg/api/v1"
)

// Event types published on the bus for WebSocket fan-out.
const (
	EventActivityStarted   = "activity.started"
	EventActivityCompleted = "activity.completed"
)

var validStates = map[string]bool{
	string(v1.ActivityCompleted): true,
	string(v1.ActivityFailed):    true,
}

// Service records timeline events and broadcasts them to subscribers.
// Broadcast is best-effort; persistence is authoritative.
type Service struct {
	store  *Store
	bus    bus.EventBus
	logger *logger.Logger
}

// NewService creates the activity service.
func NewService(store *Store, eventBus bus.EventBus, log *logger.Logger) *Service {
	return &Service{
		store:  store,
		bus:    eventBus,
		logger: log.WithFields(zap.String("component", "activity")),
	}
}

// Track records a started activity and broadcasts it.
func (s *Service) Track(ctx context.Context, req *v1.TrackActivityRequest) (*v1.Activity, error) {
	rec := &activityRecord{
		AgentName:     req.AgentName,
		ActivityType:  req.ActivityType,
		ActivityState: string(v1.ActivityStarted),
		TriggeredBy:   req.TriggeredBy,
	}
	if req.ParentActivityID != "" {
		rec.ParentActivityID = sql.NullString{String: req.ParentActivityID, Valid: true}
	}
	if req.RelatedExecutionID != "" {
		rec.RelatedExecutionID = sql.NullString{String: req.RelatedExecutionID, Valid: true}
	}
	if len(req.Details) > 0 {
		raw, err := json.Marshal(req.Details)
		if err != nil {
			return nil, apperrors.BadRequest("details are not serializable")
		}
		rec.DetailsJSON = string(raw)
	}

	if err := s.store.Create(ctx, rec); err != nil {
		return nil, apperrors.InternalError("track activity", err)
	}

	activity := rec.toAPI()
	s.broadcast(ctx, EventActivityStarted, activity)
	return activity, nil
}

// Complete marks an activity terminal and broadcasts the update. An empty
// state defaults to completed.
func (s *Service) Complete(ctx context.Context, id string, req *v1.CompleteActivityRequest) (*v1.Activity, error) {
	state := req.State
	if state == "" {
		state = string(v1.ActivityCompleted)
	}
	if !validStates[state] {
		return nil, apperrors.ValidationError("state", "must be completed or failed")
	}

	if err := s.store.Complete(ctx, id, state, req.Error, time.Now().UTC()); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperrors.NotFound("activity", id)
		}
		return nil, apperrors.InternalError("complete activity", err)
	}

	rec, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, apperrors.InternalError("get activity", err)
	}

	activity := rec.toAPI()
	s.broadcast(ctx, EventActivityCompleted, activity)
	return activity, nil
}

// List returns an agent's most recent timeline events.
func (s *Service) List(ctx context.Context, agentName string, limit int) ([]*v1.Activity, error) {
	recs, err := s.store.ListByAgent(ctx, agentName, limit)
	if err != nil {
		return nil, apperrors.InternalError("list activities", err)
	}
	out := make([]*v1.Activity, 0, len(recs))
	for _, rec := range recs {
		out = append(out, rec.toAPI())
	}
	return out, nil
}

// DeleteForAgent removes an agent's timeline.
func (s *Service) DeleteForAgent(ctx context.Context, agentName string) error {
	if err := s.store.DeleteByAgent(ctx, agentName); err != nil {
		return apperrors.InternalError("delete activities for agent", err)
	}
	return nil
}

func (s *Service) broadcast(ctx context.Context, eventType string, activity *v1.Activity) {
	if s.bus == nil {
		return
	}
	event := bus.NewEvent(eventType, "activity", map[string]interface{}{
		"agent_name": activity.AgentName,
		"activity":   activity,
	})
	if err := s.bus.Publish(ctx, bus.SubjectActivity, event); err != nil {
		s.logger.Warn("activity broadcast failed",
			zap.String("activity_id", activity.ID),
			zap.Error(err),
		)
	}
}
