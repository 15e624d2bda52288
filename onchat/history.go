package onchat

import (
	"encoding/json"
	"sort"
	"time"
)

var timeLayouts = []string{
	"2006-01-02 15:04:05",
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	for _, layout := range timeLayouts {
		if t, err := time.ParseInLocation(layout, s, time.Local); err == nil {
			return t
		}
	}
	return time.Time{}
}

// historyItems accepts a bare array or an object holding the array under
// messages or chatData.
func historyItems(data json.RawMessage) ([]map[string]json.RawMessage, error) {
	var items []map[string]json.RawMessage
	if len(data) == 0 || string(data) == "null" {
		return nil, nil
	}
	if err := json.Unmarshal(data, &items); err == nil {
		return items, nil
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(data, &obj); err != nil {
		return nil, err
	}
	for _, key := range []string{"messages", "chatData"} {
		raw, ok := obj[key]
		if !ok {
			continue
		}
		if err := json.Unmarshal(raw, &items); err != nil {
			return nil, err
		}
		return items, nil
	}
	return nil, nil
}

// historyTarget is the room name a room-history object reports about itself.
func historyTarget(data json.RawMessage) string {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(data, &obj); err != nil {
		return ""
	}
	return stringField(obj, "name")
}

// buildHistoryBatch turns one history page into synthetic chat events for conv,
// in chronological order when every item carries a parseable timestamp.
func buildHistoryBatch(ev *Event, conv Conversation, self string, origin Origin) ([]*Event, error) {
	items, err := historyItems(ev.Payload)
	if err != nil {
		return nil, err
	}
	batch := make([]*Event, 0, len(items))
	allTimed := true
	for _, obj := range items {
		chat := &ChatPayload{
			Type:     conv.Kind,
			From:     stringField(obj, "from", "name", "user", "sender"),
			To:       stringField(obj, "to", "target"),
			Mes:      stringField(obj, "mes", "message", "content"),
			CreateAt: stringField(obj, "createAt", "created_at", "time"),
		}
		if chat.To == "" {
			if conv.Kind == ChatRoom || chat.From != conv.Name {
				chat.To = conv.Name
			} else {
				chat.To = self
			}
		}
		at := parseTime(chat.CreateAt)
		if at.IsZero() {
			allTimed = false
		}
		batch = append(batch, &Event{
			Name:       EventSendChat,
			Status:     StatusSuccess,
			Origin:     origin,
			Chat:       chat,
			ServerTime: at,
			ReceivedAt: ev.ReceivedAt,
			conv:       conv,
		})
	}
	if allTimed {
		sort.SliceStable(batch, func(i, j int) bool {
			return batch[i].ServerTime.Before(batch[j].ServerTime)
		})
	}
	return batch, nil
}

// sameMessage reports whether a realtime event is already represented by a
// history item.
func sameMessage(live, hist *Event) bool {
	if live.ServerTime.IsZero() || !live.ServerTime.Equal(hist.ServerTime) {
		return false
	}
	return live.Chat.sender() == hist.Chat.sender() && live.Chat.Mes == hist.Chat.Mes
}
