package mongodb

import (
	"bytes"
	"context"
	"io"
	"strings"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/gridfs"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/JoergVierling/eessi-as4.net/pkg/faults"
)

const gridfsScheme = "gridfs:///"

// BodyStore keeps serialized message bodies in a GridFS bucket.
type BodyStore struct {
	bucket *gridfs.Bucket
}

// NewBodyStore creates the bucket on the store's database.
func NewBodyStore(s *Store, cfg *Config) (*BodyStore, error) {
	name := cfg.GridFSBucket
	if name == "" {
		name = "message_bodies"
	}
	chunkSize := cfg.ChunkSizeBytes
	if chunkSize == 0 {
		chunkSize = 261120
	}
	bucket, err := gridfs.NewBucket(s.db, options.GridFSBucket().
		SetName(name).
		SetChunkSizeBytes(chunkSize))
	if err != nil {
		return nil, errors.Wrap(err, "creating GridFS bucket")
	}
	return &BodyStore{bucket: bucket}, nil
}

func (b *BodyStore) SaveMessageStream(_ context.Context, r io.Reader) (string, error) {
	id := primitive.NewObjectID()
	stream, err := b.bucket.OpenUploadStreamWithID(id, id.Hex()+".as4")
	if err != nil {
		return "", faults.Transient("opening GridFS upload", err)
	}
	if _, err := io.Copy(stream, r); err != nil {
		stream.Close()
		return "", faults.Transient("uploading message body", err)
	}
	if err := stream.Close(); err != nil {
		return "", faults.Transient("closing GridFS upload", err)
	}
	return gridfsScheme + id.Hex(), nil
}

func (b *BodyStore) LoadMessageBody(_ context.Context, location string) ([]byte, error) {
	id, err := b.objectID(location)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if _, err := b.bucket.DownloadToStream(id, &buf); err != nil {
		return nil, faults.Transient("downloading message body", err)
	}
	return buf.Bytes(), nil
}

func (b *BodyStore) Delete(_ context.Context, location string) error {
	id, err := b.objectID(location)
	if err != nil {
		return err
	}
	if err := b.bucket.Delete(id); err != nil && err != gridfs.ErrFileNotFound && err != mongo.ErrNoDocuments {
		return faults.Transient("deleting message body", err)
	}
	return nil
}

func (b *BodyStore) objectID(location string) (primitive.ObjectID, error) {
	if !strings.HasPrefix(location, gridfsScheme) {
		return primitive.NilObjectID, errors.Errorf("not a GridFS body location: %q", location)
	}
	id, err := primitive.ObjectIDFromHex(strings.TrimPrefix(location, gridfsScheme))
	if err != nil {
		return primitive.NilObjectID, errors.Wrapf(err, "invalid body location %q", location)
	}
	return id, nil
}
