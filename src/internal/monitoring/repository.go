package monitoring

import (
	"context"
	"errors"
	"time"

	"proctorhub-monitoring-svc/src/clients"
	"proctorhub-monitoring-svc/src/internal/config"
	"proctorhub-monitoring-svc/src/internal/models"

	"github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// ListQuery narrows the session/alert view by the dashboard's filters.
type ListQuery struct {
	ExamID   string
	UserID   string
	Statuses []string
}

// Repository is the storage boundary for the append-only event log and the
// live-session projection. All session mutations go through atomic,
// filter-guarded updates; there is no read-modify-write path.
type Repository interface {
	AppendEvent(ctx context.Context, event *models.Event) (string, error)
	FindViolationEvents(ctx context.Context, since time.Time, q *ListQuery) ([]*models.Event, error)
	FindEventByID(ctx context.Context, eventID string) (*models.Event, error)

	SupersedeActive(ctx context.Context, userID, examID string) (int64, error)
	InsertSession(ctx context.Context, session *models.LiveSession) error
	UpsertHeartbeat(ctx context.Context, event *models.Event) (*models.LiveSession, bool, error)
	IncrementViolations(ctx context.Context, userID, examID string) (*models.LiveSession, error)
	FlagOnThreshold(ctx context.Context, sessionID string, threshold int) (bool, error)
	FlagSession(ctx context.Context, sessionID string) (*models.LiveSession, error)
	AddResolvedAlert(ctx context.Context, sessionID, alertID string) (*models.LiveSession, error)
	ClearFlagged(ctx context.Context, userID, examID string) ([]*models.LiveSession, error)
	MarkStale(ctx context.Context, sessionID, status string) (bool, error)
	GetBySessionID(ctx context.Context, sessionID string) (*models.LiveSession, error)
	ListSessions(ctx context.Context, q *ListQuery) ([]*models.LiveSession, error)
	PurgeTerminal(ctx context.Context, olderThan time.Time) (int64, error)
}

type repository struct {
	events   *mongo.Collection
	sessions *mongo.Collection
}

// NewRepository creates a monitoring repository over the configured collections.
func NewRepository(db *clients.MongoDB, cfg *config.Database) Repository {
	return &repository{
		events:   db.Database.Collection(cfg.EventCollection),
		sessions: db.Database.Collection(cfg.SessionCollection),
	}
}

func (r *repository) AppendEvent(ctx context.Context, event *models.Event) (string, error) {
	res, err := r.events.InsertOne(ctx, event)
	if err != nil {
		logrus.WithError(err).WithFields(logrus.Fields{
			"kind":    event.Kind,
			"user_id": event.UserID,
			"exam_id": event.ExamID,
		}).Error("Failed to append monitoring event")
		return "", models.ErrDatabaseInsert
	}

	oid, ok := res.InsertedID.(primitive.ObjectID)
	if !ok {
		return "", models.ErrDatabaseInsert
	}
	return oid.Hex(), nil
}

func (r *repository) FindViolationEvents(ctx context.Context, since time.Time, q *ListQuery) ([]*models.Event, error) {
	filter := bson.M{
		"kind":      models.KindViolation,
		"timestamp": bson.M{"$gte": since},
	}
	if q != nil {
		if q.ExamID != "" {
			filter["exam_id"] = q.ExamID
		}
		if q.UserID != "" {
			filter["user_id"] = q.UserID
		}
	}

	opts := options.Find().SetSort(bson.M{"timestamp": 1})
	cursor, err := r.events.Find(ctx, filter, opts)
	if err != nil {
		logrus.WithError(err).Error("Failed to find violation events")
		return nil, models.ErrDatabaseQuery
	}
	defer cursor.Close(ctx)

	var events []*models.Event
	for cursor.Next(ctx) {
		var event models.Event
		if err := cursor.Decode(&event); err != nil {
			logrus.WithError(err).Error("Failed to decode monitoring event")
			continue
		}
		events = append(events, &event)
	}

	if err := cursor.Err(); err != nil {
		logrus.WithError(err).Error("Cursor error")
		return nil, models.ErrDatabaseQuery
	}

	return events, nil
}

func (r *repository) FindEventByID(ctx context.Context, eventID string) (*models.Event, error) {
	oid, err := primitive.ObjectIDFromHex(eventID)
	if err != nil {
		return nil, models.ErrInvalidParams
	}

	var event models.Event
	if err := r.events.FindOne(ctx, bson.M{"_id": oid}).Decode(&event); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, models.ErrRecordNotFound
		}
		logrus.WithError(err).WithField("event_id", eventID).Error("Failed to get monitoring event")
		return nil, models.ErrDatabaseQuery
	}

	return &event, nil
}

// SupersedeActive closes out any still-active session for the key before a new
// attempt starts, preserving the one-active-session-per-key invariant.
func (r *repository) SupersedeActive(ctx context.Context, userID, examID string) (int64, error) {
	res, err := r.sessions.UpdateMany(ctx,
		bson.M{"user_id": userID, "exam_id": examID, "status": models.StatusActive},
		bson.M{"$set": bson.M{"status": models.StatusAbandoned, "updated_at": time.Now()}},
	)
	if err != nil {
		logrus.WithError(err).WithFields(logrus.Fields{
			"user_id": userID,
			"exam_id": examID,
		}).Error("Failed to supersede active sessions")
		return 0, models.ErrDatabaseUpdate
	}
	return res.ModifiedCount, nil
}

func (r *repository) InsertSession(ctx context.Context, session *models.LiveSession) error {
	if _, err := r.sessions.InsertOne(ctx, session); err != nil {
		logrus.WithError(err).WithField("session_id", session.SessionID).Error("Failed to insert session")
		return models.ErrSessionCreating
	}
	return nil
}

// UpsertHeartbeat applies a heartbeat with last-write-wins-on-timestamp
// semantics: $max keeps the newest heartbeat time regardless of arrival
// order, and a first heartbeat with no prior start signal creates the
// session. The filter matches active and flagged sessions so a flagged
// student keeps reporting liveness without spawning a second row. The bool
// result reports whether the session was created by this heartbeat.
func (r *repository) UpsertHeartbeat(ctx context.Context, event *models.Event) (*models.LiveSession, bool, error) {
	filter := bson.M{
		"user_id": event.UserID,
		"exam_id": event.ExamID,
		"status":  bson.M{"$in": []string{models.StatusActive, models.StatusFlagged}},
	}

	set := bson.M{"updated_at": time.Now()}
	if event.Heartbeat != nil {
		set["progress_current"] = event.Heartbeat.CurrentQuestion
		set["progress_total"] = event.Heartbeat.TotalQuestions
	}

	update := bson.M{
		"$max": bson.M{"last_heartbeat": event.Timestamp},
		"$set": set,
		"$setOnInsert": bson.M{
			"session_id":         event.SessionID,
			"user_id":            event.UserID,
			"exam_id":            event.ExamID,
			"status":             models.StatusActive,
			"start_time":         event.Timestamp,
			"violations_count":   0,
			"resolved_alert_ids": []string{},
		},
	}

	res, err := r.sessions.UpdateOne(ctx, filter, update, options.Update().SetUpsert(true))
	if err != nil {
		logrus.WithError(err).WithFields(logrus.Fields{
			"user_id": event.UserID,
			"exam_id": event.ExamID,
		}).Error("Failed to upsert heartbeat")
		return nil, false, models.ErrSessionUpdating
	}
	created := res.UpsertedCount > 0

	var session models.LiveSession
	if err := r.sessions.FindOne(ctx, filter).Decode(&session); err != nil {
		logrus.WithError(err).WithFields(logrus.Fields{
			"user_id": event.UserID,
			"exam_id": event.ExamID,
		}).Error("Failed to load session after heartbeat")
		return nil, created, models.ErrDatabaseQuery
	}

	return &session, created, nil
}

func (r *repository) IncrementViolations(ctx context.Context, userID, examID string) (*models.LiveSession, error) {
	filter := bson.M{
		"user_id": userID,
		"exam_id": examID,
		"status":  bson.M{"$in": []string{models.StatusActive, models.StatusFlagged}},
	}

	update := bson.M{
		"$inc": bson.M{"violations_count": 1},
		"$set": bson.M{"updated_at": time.Now()},
	}

	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)

	var session models.LiveSession
	err := r.sessions.FindOneAndUpdate(ctx, filter, update, opts).Decode(&session)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, models.ErrSessionNotFound
		}
		logrus.WithError(err).WithFields(logrus.Fields{
			"user_id": userID,
			"exam_id": examID,
		}).Error("Failed to increment violation count")
		return nil, models.ErrSessionUpdating
	}

	return &session, nil
}

// FlagOnThreshold transitions active -> flagged exactly once: the filter only
// matches while the session is still active, so a racing duplicate applies
// as a no-op.
func (r *repository) FlagOnThreshold(ctx context.Context, sessionID string, threshold int) (bool, error) {
	filter := bson.M{
		"session_id":       sessionID,
		"status":           models.StatusActive,
		"violations_count": bson.M{"$gte": threshold},
	}

	update := bson.M{"$set": bson.M{"status": models.StatusFlagged, "updated_at": time.Now()}}

	res, err := r.sessions.UpdateOne(ctx, filter, update)
	if err != nil {
		logrus.WithError(err).WithField("session_id", sessionID).Error("Failed to flag session on threshold")
		return false, models.ErrSessionUpdating
	}

	return res.ModifiedCount == 1, nil
}

func (r *repository) FlagSession(ctx context.Context, sessionID string) (*models.LiveSession, error) {
	update := bson.M{"$set": bson.M{"status": models.StatusFlagged, "updated_at": time.Now()}}
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)

	var session models.LiveSession
	err := r.sessions.FindOneAndUpdate(ctx, bson.M{"session_id": sessionID}, update, opts).Decode(&session)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, models.ErrSessionNotFound
		}
		logrus.WithError(err).WithField("session_id", sessionID).Error("Failed to flag session")
		return nil, models.ErrSessionUpdating
	}

	return &session, nil
}

func (r *repository) AddResolvedAlert(ctx context.Context, sessionID, alertID string) (*models.LiveSession, error) {
	update := bson.M{
		"$addToSet": bson.M{"resolved_alert_ids": alertID},
		"$set":      bson.M{"updated_at": time.Now()},
	}
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)

	var session models.LiveSession
	err := r.sessions.FindOneAndUpdate(ctx, bson.M{"session_id": sessionID}, update, opts).Decode(&session)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, models.ErrSessionNotFound
		}
		logrus.WithError(err).WithFields(logrus.Fields{
			"session_id": sessionID,
			"alert_id":   alertID,
		}).Error("Failed to record resolved alert")
		return nil, models.ErrSessionUpdating
	}

	return &session, nil
}

// ClearFlagged lifts the flag from every session of the (user, exam) pair in
// a single UpdateMany, so a granted retake never leaves a submission behind
// in a flagged state. Affected sessions are returned for republication.
func (r *repository) ClearFlagged(ctx context.Context, userID, examID string) ([]*models.LiveSession, error) {
	filter := bson.M{"user_id": userID, "exam_id": examID, "status": models.StatusFlagged}

	if _, err := r.sessions.UpdateMany(ctx, filter,
		bson.M{"$set": bson.M{"status": models.StatusSubmitted, "updated_at": time.Now()}},
	); err != nil {
		logrus.WithError(err).WithFields(logrus.Fields{
			"user_id": userID,
			"exam_id": examID,
		}).Error("Failed to clear flagged sessions")
		return nil, models.ErrDatabaseUpdate
	}

	return r.ListSessions(ctx, &ListQuery{
		UserID:   userID,
		ExamID:   examID,
		Statuses: []string{models.StatusSubmitted},
	})
}

// MarkStale moves an active session to a terminal liveness status. The filter
// requires status=active so a concurrent heartbeat or admin flag wins the race.
func (r *repository) MarkStale(ctx context.Context, sessionID, status string) (bool, error) {
	res, err := r.sessions.UpdateOne(ctx,
		bson.M{"session_id": sessionID, "status": models.StatusActive},
		bson.M{"$set": bson.M{"status": status, "updated_at": time.Now()}},
	)
	if err != nil {
		logrus.WithError(err).WithField("session_id", sessionID).Error("Failed to mark session stale")
		return false, models.ErrSessionUpdating
	}
	return res.ModifiedCount == 1, nil
}

func (r *repository) GetBySessionID(ctx context.Context, sessionID string) (*models.LiveSession, error) {
	var session models.LiveSession
	err := r.sessions.FindOne(ctx, bson.M{"session_id": sessionID}).Decode(&session)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, models.ErrSessionNotFound
		}
		logrus.WithError(err).WithField("session_id", sessionID).Error("Failed to get session")
		return nil, models.ErrDatabaseQuery
	}
	return &session, nil
}

func (r *repository) ListSessions(ctx context.Context, q *ListQuery) ([]*models.LiveSession, error) {
	filter := bson.M{}
	if q != nil {
		if q.ExamID != "" {
			filter["exam_id"] = q.ExamID
		}
		if q.UserID != "" {
			filter["user_id"] = q.UserID
		}
		if len(q.Statuses) > 0 {
			filter["status"] = bson.M{"$in": q.Statuses}
		}
	}

	opts := options.Find().SetSort(bson.M{"last_heartbeat": -1})
	cursor, err := r.sessions.Find(ctx, filter, opts)
	if err != nil {
		logrus.WithError(err).Error("Failed to find sessions")
		return nil, models.ErrDatabaseQuery
	}
	defer cursor.Close(ctx)

	var sessions []*models.LiveSession
	for cursor.Next(ctx) {
		var session models.LiveSession
		if err := cursor.Decode(&session); err != nil {
			logrus.WithError(err).Error("Failed to decode session")
			continue
		}
		sessions = append(sessions, &session)
	}

	if err := cursor.Err(); err != nil {
		logrus.WithError(err).Error("Cursor error")
		return nil, models.ErrDatabaseQuery
	}

	return sessions, nil
}

// PurgeTerminal removes terminal sessions past the retention window.
func (r *repository) PurgeTerminal(ctx context.Context, olderThan time.Time) (int64, error) {
	filter := bson.M{
		"status":     bson.M{"$in": []string{models.StatusSubmitted, models.StatusExpired, models.StatusAbandoned}},
		"updated_at": bson.M{"$lt": olderThan},
	}

	res, err := r.sessions.DeleteMany(ctx, filter)
	if err != nil {
		logrus.WithError(err).Error("Failed to purge terminal sessions")
		return 0, models.ErrDatabaseUpdate
	}
	return res.DeletedCount, nil
}
