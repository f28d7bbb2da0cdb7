package ledger

import (
	"context"
	"errors"

	"github.com/shestoi/cardflow/internal/domain"
)

// ErrNotFound charge отсутствует и в архиве
var ErrNotFound = errors.New("charge not found in ledger")

// Archive — долговременный архив charge-ей (ledger). Когда живое состояние
// charge выгружено из основного хранилища, архив становится авторитетным:
// его записи читаются, но никогда не мутируются коннектором.
type Archive interface {
	// FindByExternalID получает архивный charge по external id.
	// Возвращает ErrNotFound если charge нет и в архиве
	FindByExternalID(ctx context.Context, externalID string) (domain.Charge, error)

	// FindByGatewayTransactionID получает архивный charge по шлюзу и transaction id
	FindByGatewayTransactionID(ctx context.Context, gatewayName, transactionID string) (domain.Charge, error)
}
