package worker

import (
	"context"
	"sync"
	"time"

	"github.com/shestoi/cardflow/internal/domain"
	"github.com/shestoi/cardflow/internal/event"
	"github.com/shestoi/cardflow/internal/gateway"
	"github.com/shestoi/cardflow/internal/ledger"
)

// emptyArchive архив ledger без единого платежа
type emptyArchive struct{}

func (emptyArchive) FindByExternalID(context.Context, string) (domain.Charge, error) {
	return domain.Charge{}, ledger.ErrNotFound
}

func (emptyArchive) FindByGatewayTransactionID(context.Context, string, string) (domain.Charge, error) {
	return domain.Charge{}, ledger.ErrNotFound
}

// scriptedGateway провайдер со сценарием исходов Capture
type scriptedGateway struct {
	mu            sync.Mutex
	name          string
	confirmsAsync bool
	captureErrs   []error // исход i-го вызова Capture; nil = успех
	captureCalls  int
}

func (g *scriptedGateway) Name() string { return g.name }

func (g *scriptedGateway) Authorise(_ context.Context, req gateway.AuthoriseRequest) (gateway.Result, error) {
	return gateway.Result{TransactionID: "tx-" + req.ChargeExternalID}, nil
}

func (g *scriptedGateway) Capture(_ context.Context, req gateway.CaptureRequest) (gateway.Result, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	call := g.captureCalls
	g.captureCalls++
	if call < len(g.captureErrs) && g.captureErrs[call] != nil {
		return gateway.Result{}, g.captureErrs[call]
	}
	return gateway.Result{TransactionID: "capture-tx-" + req.ChargeExternalID}, nil
}

func (g *scriptedGateway) captureCallCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.captureCalls
}

func (g *scriptedGateway) Refund(_ context.Context, req gateway.RefundRequest) (gateway.Result, error) {
	return gateway.Result{TransactionID: "refund-tx-" + req.RefundExternalID}, nil
}

func (g *scriptedGateway) ParseNotification([]byte) ([]gateway.Notification, error) { return nil, nil }

func (g *scriptedGateway) StatusMapper() gateway.StatusMapper { return g }

func (g *scriptedGateway) From(string) gateway.InterpretedStatus { return gateway.Unknown() }

func (g *scriptedGateway) VerifySignature([]byte, string) error { return nil }

func (g *scriptedGateway) ConfirmsCaptureAsync() bool { return g.confirmsAsync }

// recordingPublisher собирает опубликованные события
type recordingPublisher struct {
	mu     sync.Mutex
	events []event.Event
}

func (p *recordingPublisher) Publish(_ context.Context, events ...event.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, events...)
	return nil
}

func (p *recordingPublisher) countOfType(eventType string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	count := 0
	for _, evt := range p.events {
		if evt.Type == eventType {
			count++
		}
	}
	return count
}

// recordingDLQ запоминает отправленные в DLQ payload-ы
type recordingDLQ struct {
	mu        sync.Mutex
	published [][]byte
	err       error
}

func (d *recordingDLQ) Publish(_ context.Context, raw []byte, _ string, _ error) error {
	if d.err != nil {
		return d.err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.published = append(d.published, raw)
	return nil
}

func (d *recordingDLQ) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.published)
}

// fakeSleeper записывает запрошенные паузы, не ожидая их.
// onSleep, если задан, вызывается после каждой записанной паузы.
type fakeSleeper struct {
	mu      sync.Mutex
	slept   []time.Duration
	err     error
	onSleep func(count int)
}

func (s *fakeSleeper) Sleep(_ context.Context, d time.Duration) error {
	if s.err != nil {
		return s.err
	}
	s.mu.Lock()
	s.slept = append(s.slept, d)
	count := len(s.slept)
	hook := s.onSleep
	s.mu.Unlock()
	if hook != nil {
		hook(count)
	}
	return nil
}

func (s *fakeSleeper) sleptFor() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]time.Duration, len(s.slept))
	copy(out, s.slept)
	return out
}
