package client

import (
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/duranu/backend/internal/knocks"
	"github.com/MarcoPoloResearchLab/duranu/backend/internal/presence"
	"github.com/MarcoPoloResearchLab/duranu/backend/internal/rooms"
)

// NoticeConnectionLost is shown in the lounge after the status poller gives up.
const NoticeConnectionLost = "Connection lost. You have been returned to the lounge."

// UI receives every visible effect of the session components. Implementations must be
// safe for use from multiple goroutines.
type UI interface {
	ShowRemovalModal(notice RemovalNotice)
	UpdateCountdown(remaining time.Duration)
	NavigateToLounge(notice string)
	ShowKnock(knock knocks.Request, offset int)
	DismissKnock(knockID int64)
}

// RemovalNotice is the content of the modal shown when the caller loses the room.
type RemovalNotice struct {
	Status    presence.Status
	Title     string
	Message   string
	Reason    string
	IssuedBy  string
	ExpiresAt *time.Time
	Permanent bool
}

func newRemovalNotice(report rooms.StatusReport) RemovalNotice {
	notice := RemovalNotice{
		Status:    report.Status,
		Reason:    report.Reason,
		IssuedBy:  report.IssuedBy,
		ExpiresAt: report.ExpiresAt,
		Permanent: report.Permanent,
	}
	room := report.RoomName
	if room == "" {
		room = "the room"
	}
	switch report.Status {
	case presence.StatusBanned:
		notice.Title = "Banned"
		switch {
		case report.Permanent:
			notice.Message = fmt.Sprintf("You have been permanently banned from %s.", room)
		case report.ExpiresAt != nil:
			notice.Message = fmt.Sprintf("You have been banned from %s until %s.", room, report.ExpiresAt.UTC().Format(time.RFC1123))
		default:
			notice.Message = fmt.Sprintf("You have been banned from %s.", room)
		}
	case presence.StatusRemoved:
		notice.Title = "Removed"
		notice.Message = fmt.Sprintf("You have been removed from %s.", room)
	case presence.StatusRoomDeleted:
		notice.Title = "Room closed"
		notice.Message = fmt.Sprintf("%s has been deleted.", capitalize(room))
	}
	if report.IssuedBy != "" {
		notice.Message += " Issued by " + report.IssuedBy + "."
	}
	if report.Reason != "" {
		notice.Message += " Reason: " + report.Reason
	}
	return notice
}

func capitalize(value string) string {
	if value == "" {
		return value
	}
	if value[0] >= 'a' && value[0] <= 'z' {
		return string(value[0]-'a'+'A') + value[1:]
	}
	return value
}
