package rooms

import (
	"context"
	"time"

	"github.com/MarcoPoloResearchLab/duranu/backend/internal/events"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// IdleMemberships returns memberships whose last activity precedes the cutoff.
func (s *Service) IdleMemberships(ctx context.Context, idleBefore time.Time) ([]Membership, error) {
	var idle []Membership
	err := s.db.WithContext(ctx).
		Where("last_activity < ?", idleBefore.UTC()).
		Order("id ASC").
		Find(&idle).Error
	if err != nil {
		return nil, s.fail(opIdleMemberships, "query_failed", err)
	}
	return idle, nil
}

// MarkAFK flags the membership as AFK when it is still active and still idle past the
// cutoff. It reports false when another writer got there first.
func (s *Service) MarkAFK(ctx context.Context, membership Membership, idleBefore time.Time) (bool, error) {
	now := s.now()
	marked := false
	err := s.inTransaction(ctx, func(batch *EventBatch) error {
		result := batch.Tx().Model(&Membership{}).
			Where("id = ? AND is_afk = ? AND last_activity < ?", membership.ID, false, idleBefore.UTC()).
			Updates(map[string]any{"is_afk": true, "afk_since": now})
		if result.Error != nil {
			return s.fail(opMarkAFK, "update_failed", result.Error, zap.Int64("membership_id", membership.ID))
		}
		if result.RowsAffected == 0 {
			return nil
		}
		marked = true
		err := batch.Append(events.Entry{
			RoomID: membership.RoomID,
			Type:   events.TypeUserUpdate,
			Data: memberPayload{
				Header:      events.Header{ActorUserID: membership.UserIDString, Action: UserActionAFK},
				UserID:      membership.UserIDString,
				DisplayName: membership.DisplayName,
				IsHost:      membership.IsHost,
			},
		})
		if err != nil {
			return s.fail(opMarkAFK, "event_append_failed", err, zap.Int64("membership_id", membership.ID))
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	return marked, nil
}

// ExpireMembership removes a membership that is still idle past idleBefore, was created
// before joinedBefore, and still holds the host flag it was evaluated with. Any other
// state is a no-op, so repeated sweeps never double-remove or double-transfer.
func (s *Service) ExpireMembership(ctx context.Context, membership Membership, idleBefore, joinedBefore time.Time) (RemovalOutcome, error) {
	now := s.now()
	var outcome RemovalOutcome
	err := s.inTransaction(ctx, func(batch *EventBatch) error {
		guard := func(query *gorm.DB) *gorm.DB {
			return query.Where("is_host = ? AND last_activity < ? AND joined_at < ?",
				membership.IsHost, idleBefore.UTC(), joinedBefore.UTC())
		}
		removed, err := removeMembership(batch, s.gatekeeper, membership, LeaveReasonTimeout, now, guard)
		if err != nil {
			return s.fail(opExpireMembership, "remove_failed", err,
				zap.Int64("membership_id", membership.ID),
				zap.Int64("room_id", membership.RoomID))
		}
		outcome = removed
		return nil
	})
	if err != nil {
		return RemovalOutcome{}, err
	}
	return outcome, nil
}

// PruneOnlineUsers drops online-users rows last seen before the cutoff.
func (s *Service) PruneOnlineUsers(ctx context.Context, seenBefore time.Time) (int64, error) {
	result := s.db.WithContext(ctx).Where("last_seen < ?", seenBefore.UTC()).Delete(&OnlineUser{})
	if result.Error != nil {
		return 0, s.fail(opPruneOnline, "delete_failed", result.Error)
	}
	return result.RowsAffected, nil
}
