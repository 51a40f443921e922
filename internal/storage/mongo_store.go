package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoBacking stores one document per programmed sector. Erased sectors
// have no document.
type MongoBacking struct {
	client *mongo.Client
	coll   *mongo.Collection
	meta   *mongo.Collection
	geo    Geometry
	id     []byte
}

type sectorDoc struct {
	Sector int       `bson:"_id"`
	Data   []byte    `bson:"data"`
	Stamp  time.Time `bson:"updatedAt"`
}

func NewMongoBacking(ctx context.Context, uri, dbName, collName string, geo Geometry) (*MongoBacking, error) {
	if uri == "" {
		return nil, errors.New("storage: mongo uri is empty")
	}
	if err := geo.Validate(); err != nil {
		return nil, err
	}
	cli, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, err
	}
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := cli.Ping(pctx, nil); err != nil {
		_ = cli.Disconnect(ctx)
		return nil, err
	}
	return NewMongoBackingWithClient(ctx, cli, dbName, collName, geo)
}

func NewMongoBackingWithClient(ctx context.Context, cli *mongo.Client, dbName, collName string, geo Geometry) (*MongoBacking, error) {
	if err := geo.Validate(); err != nil {
		return nil, err
	}
	db := cli.Database(dbName)
	mb := &MongoBacking{
		client: cli,
		coll:   db.Collection(collName),
		meta:   db.Collection(collName + "_meta"),
		geo:    geo,
	}
	if err := mb.loadMeta(ctx); err != nil {
		return nil, err
	}
	return mb, nil
}

func (m *MongoBacking) loadMeta(ctx context.Context) error {
	var doc struct {
		DeviceID []byte `bson:"device_id"`
		Geometry []byte `bson:"geometry"`
	}
	err := m.meta.FindOne(ctx, bson.M{"_id": "device"}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		id := uuid.New()
		m.id = id[:]
		_, err = m.meta.InsertOne(ctx, bson.M{
			"_id":       "device",
			"device_id": m.id,
			"geometry":  encodeGeometry(m.geo),
			"createdAt": time.Now(),
		})
		return err
	}
	if err != nil {
		return err
	}
	if string(doc.Geometry) != string(encodeGeometry(m.geo)) {
		return fmt.Errorf("%w: collection was created with a different geometry", ErrBadGeometry)
	}
	m.id = doc.DeviceID
	return nil
}

func (m *MongoBacking) Geometry() Geometry { return m.geo }
func (m *MongoBacking) DeviceID() []byte   { return append([]byte(nil), m.id...) }

func (m *MongoBacking) sector(ctx context.Context, s int) ([]byte, error) {
	var doc sectorDoc
	err := m.coll.FindOne(ctx, bson.M{"_id": s}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return erased(m.geo.SectorSize), nil
	}
	if err != nil {
		return nil, err
	}
	if len(doc.Data) != m.geo.SectorSize {
		return nil, fmt.Errorf("storage: sector %d has %d bytes", s, len(doc.Data))
	}
	return doc.Data, nil
}

func (m *MongoBacking) Read(ctx context.Context, off int64, p []byte) error {
	if err := checkRead(m.geo, off, len(p)); err != nil {
		return err
	}
	ss := int64(m.geo.SectorSize)
	for n := 0; n < len(p); {
		pos := off + int64(n)
		s, inner := int(pos/ss), int(pos%ss)
		data, err := m.sector(ctx, s)
		if err != nil {
			return err
		}
		n += copy(p[n:], data[inner:])
	}
	return nil
}

func (m *MongoBacking) Program(ctx context.Context, off int64, p []byte) error {
	if err := checkProgram(m.geo, off, len(p)); err != nil {
		return err
	}
	ss := int64(m.geo.SectorSize)
	s, inner := int(off/ss), int(off%ss)
	data, err := m.sector(ctx, s)
	if err != nil {
		return err
	}
	andInto(data[inner:inner+len(p)], p)
	_, err = m.coll.UpdateByID(ctx, s,
		bson.M{"$set": bson.M{"data": data, "updatedAt": time.Now()}},
		options.Update().SetUpsert(true),
	)
	return err
}

func (m *MongoBacking) EraseSector(ctx context.Context, sector int) error {
	if err := checkSector(m.geo, sector); err != nil {
		return err
	}
	_, err := m.coll.DeleteOne(ctx, bson.M{"_id": sector})
	return err
}

func (m *MongoBacking) EraseBulk(ctx context.Context, bulk int) error {
	if err := checkBulk(m.geo, bulk); err != nil {
		return err
	}
	per := m.geo.SectorsPerBulk()
	_, err := m.coll.DeleteMany(ctx, bson.M{"_id": bson.M{"$gte": bulk * per, "$lt": (bulk + 1) * per}})
	return err
}

// Sync is a no-op: every program is acknowledged by the server.
func (m *MongoBacking) Sync(context.Context) error { return nil }

func (m *MongoBacking) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return m.client.Disconnect(ctx)
}
