// Package mongo implements the store interface for MongoDB. Watched addresses live in one collection per network of
// the "addr" database and cursors in one collection per network of the "expl" database.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	mgo "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"github.com/tarancss/ledgerfeed/lib/store"
)

const (
	addrDB = "addr"
	explDB = "expl"
)

// Mongo implements a connection to a MongoDB database.
type Mongo struct {
	c   *mgo.Client
	log *zap.Logger
}

// MongoAddress implements a store address to MongoDB.
type MongoAddress struct {
	ID   primitive.ObjectID `json:"_id" bson:"_id"`
	Name string             `json:"name,omitempty" bson:"name,omitempty"`
	Addr string             `json:"address" bson:"address"`
}

// Address converts a MongoAddress to store.Address type.
func (a MongoAddress) Address() store.Address {
	return store.Address{ID: a.ID[:], Addr: a.Addr, Name: a.Name}
}

// New returns a Mongo client connection to the specified MongoDB database uri.
func New(uri string, log *zap.Logger) (*Mongo, error) {
	c, err := mgo.NewClient(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("cannot connect to mongo DB: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second) //nolint:gomnd // 5 seconds timeout
	defer cancel()

	if err = c.Connect(ctx); err != nil {
		return nil, fmt.Errorf("error connecting to mongo DB: %w", err)
	}

	return &Mongo{c: c, log: log}, nil
}

// Close will close a database connection. Must be called at termination time.
func (m *Mongo) Close() error {
	return m.c.Disconnect(context.Background())
}

// AddAddress saves an address if the address does not already exist.
func (m *Mongo) AddAddress(ctx context.Context, a store.Address, net string) ([]byte, error) {
	var ma MongoAddress

	col := m.c.Database(addrDB).Collection(net)

	// try and find it
	err := col.FindOne(ctx, bson.M{"address": a.Addr}).Decode(&ma)
	if errors.Is(err, mgo.ErrNoDocuments) {
		res, errIns := col.InsertOne(ctx, bson.M{"name": a.Name, "address": a.Addr})
		if errIns != nil {
			return nil, fmt.Errorf("could not insert address in db: %w", errIns)
		}

		id := res.InsertedID.(primitive.ObjectID)

		return id[:], nil
	}

	if err != nil {
		return nil, fmt.Errorf("could not insert address in db: %w", err)
	}

	m.log.Debug("address was already listened", zap.String("net", net), zap.String("address", ma.Addr))

	return ma.ID[:], nil
}

// RemoveAddress deletes an address from the database.
func (m *Mongo) RemoveAddress(ctx context.Context, a store.Address, net string) error {
	res, err := m.c.Database(addrDB).Collection(net).DeleteOne(ctx, bson.M{"address": a.Addr})
	if err == nil && res.DeletedCount != 1 {
		err = store.ErrAddrNotFound
	}

	return err
}

// GetAddresses returns the addresses monitored for the networks indicated in the nets slice, all of them when empty.
func (m *Mongo) GetAddresses(ctx context.Context, nets []string) ([]store.ListenedAddresses, error) {
	cols, err := m.c.Database(addrDB).ListCollectionNames(ctx, bson.D{})
	if err != nil {
		return nil, fmt.Errorf("error getting mongo DB object: %w", err)
	}

	addrs := []store.ListenedAddresses{}

	for _, col := range cols {
		if len(nets) > 0 && !slices.Contains(nets, col) {
			continue
		}

		cur, err := m.c.Database(addrDB).Collection(col).Find(ctx, bson.M{}, options.Find().SetSort(bson.M{"address": 1}))
		if err != nil {
			return nil, fmt.Errorf("error reading addresses of %s: %w", col, err)
		}

		la := store.ListenedAddresses{Net: col}

		for cur.Next(ctx) {
			var a MongoAddress
			if err = cur.Decode(&a); err == nil {
				la.Addr = append(la.Addr, a.Address())
			}
		}

		_ = cur.Close(ctx)
		addrs = append(addrs, la)
	}

	return addrs, nil
}

// LoadExplorer loads from db the cursor for the indicated network.
func (m *Mongo) LoadExplorer(ctx context.Context, net string) (c store.Cursor, err error) {
	if err = m.c.Database(explDB).Collection(net).FindOne(ctx, bson.D{}).Decode(&c); errors.Is(err, mgo.ErrNoDocuments) {
		err = store.ErrDataNotFound
	}

	return
}

// SaveExplorer saves to db the cursor for the indicated network.
func (m *Mongo) SaveExplorer(ctx context.Context, net string, c store.Cursor) (err error) {
	_, err = m.c.Database(explDB).Collection(net).UpdateOne(ctx,
		bson.D{}, // filter
		bson.D{ // update
			{
				Key: "$set", Value: bson.D{
					{Key: "ledger", Value: c.Ledger},
					{Key: "hashes", Value: c.Hashes},
					{Key: "head", Value: c.Head},
				},
			},
		},
		options.Update().SetUpsert(true))

	return
}

// DeleteExplorer deletes from db the cursor for the indicated network.
func (m *Mongo) DeleteExplorer(ctx context.Context, net string) (err error) {
	_, err = m.c.Database(explDB).Collection(net).DeleteOne(ctx, bson.D{}, options.Delete())

	return
}
