package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/shestoi/cardflow/internal/domain"
	"github.com/shestoi/cardflow/internal/event"
	"github.com/shestoi/cardflow/internal/gateway"
	"github.com/shestoi/cardflow/internal/queue"
	queuememory "github.com/shestoi/cardflow/internal/queue/memory"
	"github.com/shestoi/cardflow/internal/repository/memory"
	"github.com/shestoi/cardflow/internal/service"
)

type workerFixture struct {
	charges   *memory.ChargeRepository
	queue     *queuememory.Queue
	gateway   *scriptedGateway
	publisher *recordingPublisher
	dlq       *recordingDLQ
	sleeper   *fakeSleeper
	captures  *service.CaptureService
	worker    *CaptureWorker
}

func newWorkerFixture(t *testing.T, gw *scriptedGateway, maxRetries int) *workerFixture {
	t.Helper()

	charges := memory.NewChargeRepository()
	refunds := memory.NewRefundRepository()
	captureQueue := queuememory.NewQueue(16)
	publisher := &recordingPublisher{}
	factory := event.NewFactory(charges, refunds, emptyArchive{}, zap.NewNop())

	captures := service.NewCaptureService(
		service.NewChargeTransitioner(charges, zap.NewNop()),
		gateway.NewProviders(gw),
		captureQueue,
		factory,
		publisher,
		time.Minute,
		zap.NewNop(),
	)

	dlq := &recordingDLQ{}
	sleeper := &fakeSleeper{}
	w := NewCaptureWorker(captureQueue, captures, dlq, maxRetries, zap.NewNop())
	w.sleeper = sleeper

	return &workerFixture{
		charges:   charges,
		queue:     captureQueue,
		gateway:   gw,
		publisher: publisher,
		dlq:       dlq,
		sleeper:   sleeper,
		captures:  captures,
		worker:    w,
	}
}

func (f *workerFixture) seedAuthorised(t *testing.T) {
	t.Helper()

	now := time.Now().UTC()
	require.NoError(t, f.charges.Create(context.Background(), domain.Charge{
		ExternalID:           "charge-1",
		Amount:               5000,
		Status:               domain.ChargeAuthorisationSuccess,
		GatewayName:          f.gateway.name,
		GatewayTransactionID: "auth-tx-1",
		Version:              1,
		CreatedAt:            now,
		UpdatedAt:            now,
	}))
}

// drain прогоняет worker по всем сообщениям очереди до её исчерпания
func (f *workerFixture) drain(ctx context.Context, t *testing.T) {
	t.Helper()

	for f.queue.Len() > 0 {
		delivery, err := f.queue.Receive(ctx)
		require.NoError(t, err)
		f.worker.ProcessOne(ctx, delivery)
	}
}

func TestCaptureWorker(t *testing.T) {
	ctx := context.Background()

	t.Run("first attempt succeeds", func(t *testing.T) {
		fixture := newWorkerFixture(t, &scriptedGateway{name: "worldpay", confirmsAsync: true}, 3)
		fixture.seedAuthorised(t)

		require.NoError(t, fixture.captures.MarkCaptureApproved(ctx, "charge-1"))
		fixture.drain(ctx, t)

		charge, err := fixture.charges.FindByExternalID(ctx, "charge-1")
		require.NoError(t, err)
		require.Equal(t, domain.ChargeCaptureSubmitted, charge.Status)
		require.Equal(t, 1, fixture.gateway.captureCallCount())
		require.Equal(t, 1, fixture.publisher.countOfType(event.TypeCaptureSubmitted))
		require.Zero(t, fixture.queue.Len())
	})

	t.Run("transient gateway failures are retried until success", func(t *testing.T) {
		gw := &scriptedGateway{
			name:          "worldpay",
			confirmsAsync: true,
			captureErrs: []error{
				gateway.NewRetryableError("gateway timeout"),
				gateway.NewRetryableError("gateway timeout"),
				nil,
			},
		}
		fixture := newWorkerFixture(t, gw, 3)
		fixture.seedAuthorised(t)

		require.NoError(t, fixture.captures.MarkCaptureApproved(ctx, "charge-1"))
		fixture.drain(ctx, t)

		charge, err := fixture.charges.FindByExternalID(ctx, "charge-1")
		require.NoError(t, err)
		require.Equal(t, domain.ChargeCaptureSubmitted, charge.Status)
		require.Equal(t, 3, fixture.gateway.captureCallCount())
		require.Zero(t, fixture.queue.Len())

		// переигранные попытки отложены на retry delay
		require.Len(t, fixture.sleeper.sleptFor(), 2)
	})

	t.Run("retries are bounded", func(t *testing.T) {
		gw := &scriptedGateway{
			name:          "worldpay",
			confirmsAsync: true,
			captureErrs: []error{
				gateway.NewRetryableError("gateway timeout"),
				gateway.NewRetryableError("gateway timeout"),
				gateway.NewRetryableError("gateway timeout"),
				gateway.NewRetryableError("gateway timeout"),
			},
		}
		fixture := newWorkerFixture(t, gw, 3)
		fixture.seedAuthorised(t)

		require.NoError(t, fixture.captures.MarkCaptureApproved(ctx, "charge-1"))
		fixture.drain(ctx, t)

		charge, err := fixture.charges.FindByExternalID(ctx, "charge-1")
		require.NoError(t, err)
		require.Equal(t, domain.ChargeCaptureError, charge.Status)

		// попытки 1..3 ходили к шлюзу, четвёртая отброшена порогом
		require.Equal(t, 3, fixture.gateway.captureCallCount())
		require.Equal(t, 1, fixture.publisher.countOfType(event.TypeCaptureAbandoned))
		require.Zero(t, fixture.queue.Len())
	})

	t.Run("poison message goes to the DLQ and is acknowledged", func(t *testing.T) {
		fixture := newWorkerFixture(t, &scriptedGateway{name: "worldpay", confirmsAsync: true}, 3)

		fixture.queue.SendRaw([]byte("not json at all"))
		fixture.drain(ctx, t)

		require.Equal(t, 1, fixture.dlq.count())
		require.Zero(t, fixture.queue.Len())
		require.Zero(t, fixture.gateway.captureCallCount())
	})

	t.Run("DLQ outage keeps the poison message unacknowledged", func(t *testing.T) {
		fixture := newWorkerFixture(t, &scriptedGateway{name: "worldpay", confirmsAsync: true}, 3)
		fixture.dlq.err = gateway.NewRetryableError("dlq unavailable")

		fixture.queue.SendRaw([]byte("not json at all"))
		delivery, err := fixture.queue.Receive(ctx)
		require.NoError(t, err)
		fixture.worker.ProcessOne(ctx, delivery)

		fixture.queue.Redeliver()
		require.Equal(t, 1, fixture.queue.Len())
	})

	t.Run("redelivery after capture already submitted is a silent ack", func(t *testing.T) {
		fixture := newWorkerFixture(t, &scriptedGateway{name: "worldpay", confirmsAsync: true}, 3)
		fixture.seedAuthorised(t)

		require.NoError(t, fixture.captures.MarkCaptureApproved(ctx, "charge-1"))
		delivery, err := fixture.queue.Receive(ctx)
		require.NoError(t, err)

		fixture.worker.ProcessOne(ctx, delivery)
		require.Equal(t, 1, fixture.gateway.captureCallCount())

		// имитация at-least-once: то же сообщение приходит снова
		fixture.worker.ProcessOne(ctx, delivery)
		require.Equal(t, 1, fixture.gateway.captureCallCount())
	})

	t.Run("message delay is honoured before the attempt", func(t *testing.T) {
		fixture := newWorkerFixture(t, &scriptedGateway{name: "worldpay", confirmsAsync: true}, 3)
		fixture.seedAuthorised(t)

		notBefore := time.Now().Add(30 * time.Minute)
		require.NoError(t, fixture.queue.Send(ctx, queue.Message{
			ChargeExternalID: "charge-1",
			Attempt:          2,
			NotBefore:        notBefore,
		}))
		fixture.drain(ctx, t)

		slept := fixture.sleeper.sleptFor()
		require.Len(t, slept, 1)
		require.InDelta(t, (30 * time.Minute).Seconds(), slept[0].Seconds(), 5)
	})

	t.Run("interrupted delay leaves the message unacknowledged", func(t *testing.T) {
		fixture := newWorkerFixture(t, &scriptedGateway{name: "worldpay", confirmsAsync: true}, 3)
		fixture.seedAuthorised(t)
		fixture.sleeper.err = context.Canceled

		require.NoError(t, fixture.queue.Send(ctx, queue.Message{
			ChargeExternalID: "charge-1",
			Attempt:          1,
			NotBefore:        time.Now().Add(time.Hour),
		}))
		delivery, err := fixture.queue.Receive(ctx)
		require.NoError(t, err)
		fixture.worker.ProcessOne(ctx, delivery)

		require.Zero(t, fixture.gateway.captureCallCount())
		fixture.queue.Redeliver()
		require.Equal(t, 1, fixture.queue.Len())
	})

	t.Run("broker receive errors back off instead of spinning", func(t *testing.T) {
		fixture := newWorkerFixture(t, &scriptedGateway{name: "worldpay", confirmsAsync: true}, 3)

		runCtx, cancel := context.WithCancel(ctx)
		defer cancel()

		broken := &downQueue{}
		fixture.worker.captureQueue = broken
		fixture.sleeper.onSleep = func(count int) {
			if count >= 3 {
				cancel()
			}
		}

		require.NoError(t, fixture.worker.Run(runCtx))

		// каждая ошибка Receive сопровождается паузой, без горячего цикла
		slept := fixture.sleeper.sleptFor()
		require.Len(t, slept, 3)
		for _, d := range slept {
			require.Equal(t, receiveBackoff, d)
		}
		require.Equal(t, 3, broken.receives)
	})
}

// downQueue очередь с недоступным брокером: каждый Receive падает
type downQueue struct {
	receives int
}

func (q *downQueue) Send(context.Context, queue.Message) error { return nil }

func (q *downQueue) Receive(ctx context.Context) (queue.Delivery, error) {
	if ctx.Err() != nil {
		return queue.Delivery{}, ctx.Err()
	}
	q.receives++
	return queue.Delivery{}, errors.New("broker unavailable")
}

func (q *downQueue) Delete(context.Context, queue.Delivery) error { return nil }
