package mongo

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/shestoi/cardflow/internal/domain"
	"github.com/shestoi/cardflow/internal/ledger"
)

// chargeDocument представляет архивный charge в коллекции MongoDB
type chargeDocument struct {
	ExternalID           string    `bson:"external_id"`
	Amount               int64     `bson:"amount"`
	Status               string    `bson:"status"`
	GatewayAccountID     string    `bson:"gateway_account_id"`
	GatewayName          string    `bson:"gateway_name"`
	GatewayTransactionID string    `bson:"gateway_transaction_id,omitempty"`
	Reference            string    `bson:"reference,omitempty"`
	Description          string    `bson:"description,omitempty"`
	Email                string    `bson:"email,omitempty"`
	CreatedAt            time.Time `bson:"created_at"`
	UpdatedAt            time.Time `bson:"updated_at"`
}

// Archive реализует ledger.Archive используя MongoDB
type Archive struct {
	client *mongo.Client
	col    *mongo.Collection
}

// NewArchive создаёт новый MongoDB архив.
// Создаёт уникальный индекс на external_id при инициализации.
func NewArchive(client *mongo.Client, dbName string) *Archive {
	col := client.Database(dbName).Collection("charges")

	indexModel := mongo.IndexModel{
		Keys:    bson.D{{Key: "external_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// если индекс уже существует — игнорируем ошибку
	_, _ = col.Indexes().CreateOne(ctx, indexModel)

	return &Archive{
		client: client,
		col:    col,
	}
}

// FindByExternalID получает архивный charge по external id
func (a *Archive) FindByExternalID(ctx context.Context, externalID string) (domain.Charge, error) {
	return a.findOne(ctx, bson.M{"external_id": externalID})
}

// FindByGatewayTransactionID получает архивный charge по шлюзу и transaction id
func (a *Archive) FindByGatewayTransactionID(ctx context.Context, gatewayName, transactionID string) (domain.Charge, error) {
	return a.findOne(ctx, bson.M{"gateway_name": gatewayName, "gateway_transaction_id": transactionID})
}

func (a *Archive) findOne(ctx context.Context, filter bson.M) (domain.Charge, error) {
	var doc chargeDocument
	err := a.col.FindOne(ctx, filter).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return domain.Charge{}, ledger.ErrNotFound
		}
		return domain.Charge{}, err
	}

	return domain.Charge{
		ExternalID:           doc.ExternalID,
		Amount:               doc.Amount,
		Status:               domain.ChargeStatus(doc.Status),
		GatewayAccountID:     doc.GatewayAccountID,
		GatewayName:          doc.GatewayName,
		GatewayTransactionID: doc.GatewayTransactionID,
		Reference:            doc.Reference,
		Description:          doc.Description,
		Email:                doc.Email,
		CreatedAt:            doc.CreatedAt,
		UpdatedAt:            doc.UpdatedAt,
	}, nil
}
