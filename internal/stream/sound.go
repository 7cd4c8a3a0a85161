package stream

import (
	"time"

	"github.com/MarcoPoloResearchLab/duranu/backend/internal/events"
	"github.com/MarcoPoloResearchLab/duranu/backend/internal/presence"
	"github.com/MarcoPoloResearchLab/duranu/backend/internal/rooms"
)

// soundEvents picks the single highest-priority sound class among the batch's recent
// events that someone other than the viewer caused. It returns nil when nothing qualifies.
func soundEvents(batch []events.Event, viewerID string, now time.Time, window time.Duration) map[string]bool {
	found := make(map[string]bool)
	for _, event := range batch {
		if now.Sub(event.CreatedAt) > window {
			continue
		}
		header, err := event.Header()
		if err != nil || header.ActorUserID == viewerID {
			continue
		}
		if class := soundClass(event.EventType, header.Kind); class != "" {
			found[class] = true
		}
	}
	for _, class := range presence.SoundPriority {
		if found[class] {
			return map[string]bool{class: true}
		}
	}
	return nil
}

func soundClass(eventType events.Type, kind string) string {
	switch eventType {
	case events.TypeMessage:
		if kind == string(rooms.MessageKindSystem) {
			return presence.SoundSystemMessage
		}
		return presence.SoundNewMessage
	case events.TypeMention:
		return presence.SoundMention
	case events.TypeWhisper:
		return presence.SoundWhisper
	case events.TypePrivateMessage:
		return presence.SoundPrivateMessage
	default:
		return ""
	}
}
