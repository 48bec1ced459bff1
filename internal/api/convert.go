package api

import (
	"math"
	"time"

	"github.com/matheus3301/geochat/internal/bus"
	"github.com/matheus3301/geochat/internal/status"
	"github.com/matheus3301/geochat/internal/store"
	"google.golang.org/protobuf/types/known/structpb"
)

func timeValue(t time.Time) *structpb.Value {
	if t.IsZero() {
		return structpb.NewNullValue()
	}
	return structpb.NewStringValue(t.UTC().Format(time.RFC3339Nano))
}

// numberValue maps NaN to null so the result survives JSON rendering.
func numberValue(f float64) *structpb.Value {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return structpb.NewNullValue()
	}
	return structpb.NewNumberValue(f)
}

func locationValue(loc store.Location) *structpb.Value {
	return structpb.NewStructValue(&structpb.Struct{Fields: map[string]*structpb.Value{
		"lat":  numberValue(loc.Lat),
		"long": numberValue(loc.Long),
	}})
}

func senderValue(s store.Sender) *structpb.Value {
	return structpb.NewStructValue(&structpb.Struct{Fields: map[string]*structpb.Value{
		"id":       structpb.NewStringValue(s.ID),
		"username": structpb.NewStringValue(s.Username),
	}})
}

func messageValue(m *store.Message) *structpb.Value {
	return structpb.NewStructValue(&structpb.Struct{Fields: map[string]*structpb.Value{
		"seq":              structpb.NewNumberValue(float64(m.Seq)),
		"id":               structpb.NewStringValue(m.ID),
		"clientId":         structpb.NewStringValue(m.ClientID),
		"sender":           senderValue(m.Sender),
		"sentAt":           timeValue(m.SentAt),
		"receivedAt":       timeValue(m.ReceivedAt),
		"content":          structpb.NewStringValue(m.Content),
		"location":         locationValue(m.Location),
		"distanceInMeters": numberValue(m.DistanceInMeters),
	}})
}

func pendingValue(p *store.PendingMessage) *structpb.Value {
	return structpb.NewStructValue(&structpb.Struct{Fields: map[string]*structpb.Value{
		"clientId":  structpb.NewStringValue(p.ClientID),
		"content":   structpb.NewStringValue(p.Content),
		"sender":    senderValue(p.Sender),
		"location":  locationValue(p.Location),
		"sentAt":    timeValue(p.SentAt),
		"retries":   structpb.NewNumberValue(float64(p.Retries)),
		"failed":    structpb.NewBoolValue(p.Failed),
		"succeeded": structpb.NewBoolValue(p.Succeeded),
	}})
}

func payloadValue(payload any) *structpb.Value {
	switch p := payload.(type) {
	case nil:
		return structpb.NewNullValue()
	case string:
		return structpb.NewStringValue(p)
	case *store.Location:
		if p == nil {
			return structpb.NewNullValue()
		}
		return locationValue(*p)
	case store.Location:
		return locationValue(p)
	case bus.MessageRef:
		return structpb.NewStructValue(&structpb.Struct{Fields: map[string]*structpb.Value{
			"clientId": structpb.NewStringValue(p.ClientID),
			"id":       structpb.NewStringValue(p.ID),
			"retries":  structpb.NewNumberValue(float64(p.Retries)),
		}})
	case status.StatusChange:
		return structpb.NewStructValue(&structpb.Struct{Fields: map[string]*structpb.Value{
			"from": structpb.NewStringValue(string(p.From)),
			"to":   structpb.NewStringValue(string(p.To)),
		}})
	default:
		return structpb.NewNullValue()
	}
}

func eventStruct(evt bus.Event) *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"kind":      structpb.NewStringValue(evt.Kind),
		"timestamp": timeValue(evt.Timestamp),
		"payload":   payloadValue(evt.Payload),
	}}
}
