package queue

import (
	"github.com/segmentio/encoding/json"

	"quotefeed.com/internal/quotes/model"
)

// payloadField stream 条目里放序列化 QuoteEvent 的字段名
const payloadField = "q"

func encode(ev model.QuoteEvent) ([]byte, error) {
	return json.Marshal(ev)
}

func decode(b []byte) (model.QuoteEvent, error) {
	var ev model.QuoteEvent
	err := json.Unmarshal(b, &ev)
	return ev, err
}
