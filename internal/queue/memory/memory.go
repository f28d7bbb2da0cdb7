package memory

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/shestoi/cardflow/internal/queue"
)

// Queue очередь захватов в памяти для тестов. Семантика at-least-once
// имитируется явным Redeliver: сообщение считается in-flight после
// Receive и исчезает только после Delete.
type Queue struct {
	mu       sync.Mutex
	messages chan queue.Delivery
	inFlight map[int]queue.Delivery
	nextID   int
}

// NewQueue создаёт очередь с буфером
func NewQueue(capacity int) *Queue {
	return &Queue{
		messages: make(chan queue.Delivery, capacity),
		inFlight: make(map[int]queue.Delivery),
	}
}

func (q *Queue) Send(_ context.Context, msg queue.Message) error {
	raw, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	q.mu.Lock()
	id := q.nextID
	q.nextID++
	q.mu.Unlock()

	q.messages <- queue.Delivery{Message: msg, Raw: raw, Receipt: id}
	return nil
}

// SendRaw кладёт в очередь сырой payload; нечитаемый payload придёт
// из Receive с ParseErr, как и у настоящего брокера
func (q *Queue) SendRaw(raw []byte) {
	q.mu.Lock()
	id := q.nextID
	q.nextID++
	q.mu.Unlock()

	delivery := queue.Delivery{Raw: raw, Receipt: id}
	if err := json.Unmarshal(raw, &delivery.Message); err != nil {
		delivery.ParseErr = err
	}
	q.messages <- delivery
}

func (q *Queue) Receive(ctx context.Context) (queue.Delivery, error) {
	select {
	case <-ctx.Done():
		return queue.Delivery{}, ctx.Err()
	case delivery := <-q.messages:
		q.mu.Lock()
		q.inFlight[delivery.Receipt.(int)] = delivery
		q.mu.Unlock()
		return delivery, nil
	}
}

func (q *Queue) Delete(_ context.Context, delivery queue.Delivery) error {
	q.mu.Lock()
	delete(q.inFlight, delivery.Receipt.(int))
	q.mu.Unlock()
	return nil
}

// Redeliver возвращает все неподтверждённые сообщения обратно в очередь
func (q *Queue) Redeliver() {
	q.mu.Lock()
	pending := make([]queue.Delivery, 0, len(q.inFlight))
	for _, delivery := range q.inFlight {
		pending = append(pending, delivery)
	}
	q.inFlight = make(map[int]queue.Delivery)
	q.mu.Unlock()

	for _, delivery := range pending {
		q.messages <- delivery
	}
}

// Len число сообщений, ожидающих Receive
func (q *Queue) Len() int {
	return len(q.messages)
}
