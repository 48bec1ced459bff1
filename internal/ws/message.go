package ws

import (
	"math"

	"github.com/matheus3301/geochat/internal/position"
	"github.com/matheus3301/geochat/internal/protocol"
	"github.com/matheus3301/geochat/internal/store"
)

func toWire(loc store.Location) protocol.Position {
	return protocol.Position{Lat: loc.Lat, Long: loc.Long}
}

// toMessage converts a notification into a log entry, measuring its
// distance from viewer. A nil viewer yields NaN.
func toMessage(m protocol.ChatMessage, viewer *store.Location) store.Message {
	loc := store.Location{Lat: m.Position.Lat, Long: m.Position.Long}
	distance := math.NaN()
	if viewer != nil {
		distance = position.Distance(loc, *viewer)
	}
	return store.Message{
		ID:               m.ID,
		ClientID:         m.ClientID,
		Sender:           store.Sender{ID: m.Sender.ID, Username: m.Sender.Username},
		SentAt:           m.SentAt,
		ReceivedAt:       m.ReceivedAt,
		Content:          m.Content,
		Location:         loc,
		DistanceInMeters: distance,
	}
}
