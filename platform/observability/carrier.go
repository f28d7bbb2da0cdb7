package observability

import (
	"github.com/segmentio/kafka-go"
)

// kafkaHeaderCarrier адаптирует kafka headers к propagation.TextMapCarrier.
// Используется очередью захвата и publisher-ом событий, чтобы trace context
// переживал прохождение через Kafka.
type kafkaHeaderCarrier struct {
	headers *[]kafka.Header
}

// NewKafkaHeaderCarrier создаёт carrier поверх слайса kafka headers
func NewKafkaHeaderCarrier(headers *[]kafka.Header) *kafkaHeaderCarrier {
	return &kafkaHeaderCarrier{headers: headers}
}

// Get возвращает значение по ключу
func (c *kafkaHeaderCarrier) Get(key string) string {
	for _, h := range *c.headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

// Set устанавливает пару key-value, заменяя существующий ключ
func (c *kafkaHeaderCarrier) Set(key, value string) {
	for i, h := range *c.headers {
		if h.Key == key {
			(*c.headers)[i].Value = []byte(value)
			return
		}
	}
	*c.headers = append(*c.headers, kafka.Header{Key: key, Value: []byte(value)})
}

// Keys возвращает все ключи
func (c *kafkaHeaderCarrier) Keys() []string {
	out := make([]string, 0, len(*c.headers))
	for _, h := range *c.headers {
		out = append(out, h.Key)
	}
	return out
}
