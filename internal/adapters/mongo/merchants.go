package mongo

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/panierlocal/surplus-reservations/internal/domain"
	"github.com/panierlocal/surplus-reservations/internal/observability"
)

// MerchantCatalog reads merchant profiles and resolved coordinates.
// The catalog is owned by the merchant-profile service; this core only
// reads it.
type MerchantCatalog struct {
	coll   *mongo.Collection
	logger observability.Logger
}

func NewMerchantCatalog(db *mongo.Database, logger observability.Logger) *MerchantCatalog {
	return &MerchantCatalog{
		coll:   db.Collection("merchants"),
		logger: logger,
	}
}

type MerchantDoc struct {
	ID        uuid.UUID `bson:"_id"`
	Name      string    `bson:"name"`
	Address   string    `bson:"address"`
	Latitude  float64   `bson:"latitude"`
	Longitude float64   `bson:"longitude"`
	Resolved  bool      `bson:"resolved"`
	CreatedAt time.Time `bson:"created_at"`
	UpdatedAt time.Time `bson:"updated_at"`
}

func (d MerchantDoc) Location() domain.MerchantLocation {
	return domain.MerchantLocation{
		MerchantID: d.ID,
		Name:       d.Name,
		Address:    d.Address,
		Latitude:   d.Latitude,
		Longitude:  d.Longitude,
	}
}

func (c *MerchantCatalog) GetMerchant(ctx context.Context, id uuid.UUID) (*MerchantDoc, error) {
	var doc MerchantDoc
	err := c.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		c.logger.Error("failed to get merchant", err)
		return nil, err
	}
	return &doc, nil
}

// GetMerchants fetches locations for a set of merchants in one query.
// Merchants whose addresses never resolved come back without
// coordinates; callers must exclude them from distance filtering only.
func (c *MerchantCatalog) GetMerchants(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]MerchantDoc, error) {
	cur, err := c.coll.Find(ctx, bson.M{"_id": bson.M{"$in": ids}})
	if err != nil {
		c.logger.Error("failed to list merchants", err)
		return nil, err
	}
	defer cur.Close(ctx)

	out := make(map[uuid.UUID]MerchantDoc, len(ids))
	for cur.Next(ctx) {
		var doc MerchantDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		out[doc.ID] = doc
	}
	return out, cur.Err()
}

func (c *MerchantCatalog) UpsertMerchant(ctx context.Context, doc MerchantDoc) error {
	doc.UpdatedAt = time.Now()
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = doc.UpdatedAt
	}
	_, err := c.coll.ReplaceOne(ctx, bson.M{"_id": doc.ID}, doc,
		options.Replace().SetUpsert(true))
	if err != nil {
		c.logger.Error("failed to upsert merchant", err)
	}
	return err
}
