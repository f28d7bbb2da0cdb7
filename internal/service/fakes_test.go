package service

import (
	"context"
	"sync"

	"github.com/shestoi/cardflow/internal/domain"
	"github.com/shestoi/cardflow/internal/event"
	"github.com/shestoi/cardflow/internal/gateway"
	"github.com/shestoi/cardflow/internal/ledger"
)

// scriptedProvider шлюз со сценарием исходов captures по порядку вызовов
type scriptedProvider struct {
	mu            sync.Mutex
	name          string
	confirmsAsync bool

	captureErrs   []error // исход i-го вызова Capture; nil = успех
	captureCalls  int
	authoriseErr  error
	refundErr     error
	statuses      map[string]gateway.InterpretedStatus
	notifications []gateway.Notification
	parseErr      error
	signatureErr  error
}

func newScriptedProvider(name string, confirmsAsync bool) *scriptedProvider {
	return &scriptedProvider{
		name:          name,
		confirmsAsync: confirmsAsync,
		statuses:      make(map[string]gateway.InterpretedStatus),
	}
}

func (p *scriptedProvider) Name() string { return p.name }

func (p *scriptedProvider) Authorise(_ context.Context, req gateway.AuthoriseRequest) (gateway.Result, error) {
	if p.authoriseErr != nil {
		return gateway.Result{}, p.authoriseErr
	}
	return gateway.Result{TransactionID: "tx-" + req.ChargeExternalID}, nil
}

func (p *scriptedProvider) Capture(_ context.Context, req gateway.CaptureRequest) (gateway.Result, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	call := p.captureCalls
	p.captureCalls++
	if call < len(p.captureErrs) && p.captureErrs[call] != nil {
		return gateway.Result{}, p.captureErrs[call]
	}
	return gateway.Result{TransactionID: "capture-tx-" + req.ChargeExternalID}, nil
}

func (p *scriptedProvider) captureCallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.captureCalls
}

func (p *scriptedProvider) Refund(_ context.Context, req gateway.RefundRequest) (gateway.Result, error) {
	if p.refundErr != nil {
		return gateway.Result{}, p.refundErr
	}
	return gateway.Result{TransactionID: "refund-tx-" + req.RefundExternalID}, nil
}

func (p *scriptedProvider) ParseNotification(_ []byte) ([]gateway.Notification, error) {
	if p.parseErr != nil {
		return nil, p.parseErr
	}
	return p.notifications, nil
}

func (p *scriptedProvider) StatusMapper() gateway.StatusMapper { return p }

func (p *scriptedProvider) From(raw string) gateway.InterpretedStatus {
	interpreted, ok := p.statuses[raw]
	if !ok {
		return gateway.Unknown()
	}
	return interpreted
}

func (p *scriptedProvider) VerifySignature(_ []byte, _ string) error { return p.signatureErr }

func (p *scriptedProvider) ConfirmsCaptureAsync() bool { return p.confirmsAsync }

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

func (p *recordingPublisher) all() []event.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]event.Event, len(p.events))
	copy(out, p.events)
	return out
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

// emptyArchive архив ledger без единого платежа
type emptyArchive struct{}

func (emptyArchive) FindByExternalID(context.Context, string) (domain.Charge, error) {
	return domain.Charge{}, ledger.ErrNotFound
}

func (emptyArchive) FindByGatewayTransactionID(context.Context, string, string) (domain.Charge, error) {
	return domain.Charge{}, ledger.ErrNotFound
}

// stubArchive архив ledger с фиксированными платежами
type stubArchive struct {
	charges map[string]domain.Charge
}

func (a *stubArchive) FindByExternalID(_ context.Context, externalID string) (domain.Charge, error) {
	charge, ok := a.charges[externalID]
	if !ok {
		return domain.Charge{}, ledger.ErrNotFound
	}
	return charge, nil
}

func (a *stubArchive) FindByGatewayTransactionID(_ context.Context, _, transactionID string) (domain.Charge, error) {
	for _, charge := range a.charges {
		if charge.GatewayTransactionID == transactionID {
			return charge, nil
		}
	}
	return domain.Charge{}, ledger.ErrNotFound
}
