// Package mongostore implements store.Store on MongoDB.
package mongostore

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/pliu/tandem/internal/models"
	"github.com/pliu/tandem/internal/store"
)

type Store struct {
	client   *mongo.Client
	users    *mongo.Collection
	keys     *mongo.Collection
	messages *mongo.Collection
}

var _ store.Store = (*Store)(nil)

func New(ctx context.Context, uri, database string) (*Store, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, errors.Wrap(err, "mongostore.New connect")
	}
	if err := client.Ping(ctx, nil); err != nil {
		client.Disconnect(context.Background())
		return nil, errors.Wrap(err, "mongostore.New ping")
	}
	db := client.Database(database)
	s := &Store{
		client:   client,
		users:    db.Collection("users"),
		keys:     db.Collection("encryption_keys"),
		messages: db.Collection("messages"),
	}
	if err := s.ensureIndexes(ctx); err != nil {
		client.Disconnect(context.Background())
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureIndexes(ctx context.Context) error {
	_, err := s.messages.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "sender_id", Value: 1}, {Key: "id", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys: bson.D{{Key: "sender_id", Value: 1}, {Key: "recipient_id", Value: 1}, {Key: "sent_at", Value: 1}},
		},
	})
	return errors.Wrap(err, "mongostore.ensureIndexes")
}

func (s *Store) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

type userDoc struct {
	ID        string `bson:"_id"`
	Name      string `bson:"name"`
	PartnerID string `bson:"partner_id,omitempty"`
}

func (s *Store) CreateUser(ctx context.Context, u *models.User) error {
	_, err := s.users.InsertOne(ctx, userDoc{ID: u.ID, Name: u.Name, PartnerID: u.PartnerID})
	if mongo.IsDuplicateKeyError(err) {
		return store.ErrDuplicateID
	}
	return errors.Wrap(err, "mongostore.CreateUser")
}

// LinkPartners pairs a and b with each other.
func (s *Store) LinkPartners(ctx context.Context, a, b string) error {
	for _, pair := range [][2]string{{a, b}, {b, a}} {
		res, err := s.users.UpdateOne(ctx, bson.M{"_id": pair[0]}, bson.M{"$set": bson.M{"partner_id": pair[1]}})
		if err != nil {
			return errors.Wrap(err, "mongostore.LinkPartners")
		}
		if res.MatchedCount == 0 {
			return store.ErrUserNotFound
		}
	}
	return nil
}

func (s *Store) GetUser(ctx context.Context, id string) (*models.User, error) {
	var doc userDoc
	err := s.users.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, store.ErrUserNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "mongostore.GetUser")
	}
	return &models.User{ID: doc.ID, Name: doc.Name, PartnerID: doc.PartnerID}, nil
}

type keyDoc struct {
	OwnerID    string    `bson:"_id"`
	PublicKey  string    `bson:"public_key"`
	KeyVersion int       `bson:"key_version"`
	CreatedAt  time.Time `bson:"created_at"`
	UpdatedAt  time.Time `bson:"updated_at"`
}

func (d keyDoc) record() *models.KeyRecord {
	return &models.KeyRecord{
		OwnerID:    d.OwnerID,
		PublicKey:  d.PublicKey,
		KeyVersion: d.KeyVersion,
		CreatedAt:  d.CreatedAt.UTC(),
		UpdatedAt:  d.UpdatedAt.UTC(),
	}
}

// RegisterKey upserts with $inc so concurrent writers each get a distinct
// version.
func (s *Store) RegisterKey(ctx context.Context, ownerID, publicKey string) (*models.KeyRecord, error) {
	now := time.Now().UTC().Truncate(time.Millisecond)
	update := bson.M{
		"$set":         bson.M{"public_key": publicKey, "updated_at": now},
		"$inc":         bson.M{"key_version": 1},
		"$setOnInsert": bson.M{"created_at": now},
	}
	opts := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After)

	var doc keyDoc
	err := s.keys.FindOneAndUpdate(ctx, bson.M{"_id": ownerID}, update, opts).Decode(&doc)
	if mongo.IsDuplicateKeyError(err) {
		// Two first registrations raced on insert; the loser retries as an update.
		err = s.keys.FindOneAndUpdate(ctx, bson.M{"_id": ownerID}, update, opts).Decode(&doc)
	}
	if err != nil {
		return nil, errors.Wrap(err, "mongostore.RegisterKey")
	}
	return doc.record(), nil
}

func (s *Store) GetKey(ctx context.Context, ownerID string) (*models.KeyRecord, error) {
	var doc keyDoc
	err := s.keys.FindOne(ctx, bson.M{"_id": ownerID}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, store.ErrKeyNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "mongostore.GetKey")
	}
	return doc.record(), nil
}

type messageDoc struct {
	OID              primitive.ObjectID `bson:"_id,omitempty"`
	ID               string             `bson:"id"`
	SenderID         string             `bson:"sender_id"`
	SenderName       string             `bson:"sender_name"`
	RecipientID      string             `bson:"recipient_id"`
	EncryptedContent string             `bson:"encrypted_content"`
	SenderPublicKey  string             `bson:"sender_public_key"`
	SentAt           time.Time          `bson:"sent_at"`
	Status           string             `bson:"status"`
	StatusRank       int                `bson:"status_rank"`
	IsEncrypted      bool               `bson:"is_encrypted"`
}

func (d messageDoc) message() models.Message {
	return models.Message{
		ID:               d.ID,
		SenderID:         d.SenderID,
		SenderName:       d.SenderName,
		RecipientID:      d.RecipientID,
		EncryptedContent: d.EncryptedContent,
		SenderPublicKey:  d.SenderPublicKey,
		Timestamp:        d.SentAt.UTC(),
		Status:           models.Status(d.Status),
		IsEncrypted:      d.IsEncrypted,
	}
}

func (s *Store) AppendMessage(ctx context.Context, msg *models.Message) (*models.Message, error) {
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	out := *msg
	out.Status = models.StatusSent
	out.IsEncrypted = true
	if out.Timestamp.IsZero() {
		out.Timestamp = time.Now()
	}
	out.Timestamp = out.Timestamp.UTC().Truncate(time.Millisecond)

	doc := messageDoc{
		OID:              primitive.NewObjectID(),
		ID:               out.ID,
		SenderID:         out.SenderID,
		SenderName:       out.SenderName,
		RecipientID:      out.RecipientID,
		EncryptedContent: out.EncryptedContent,
		SenderPublicKey:  out.SenderPublicKey,
		SentAt:           out.Timestamp,
		Status:           string(out.Status),
		StatusRank:       out.Status.Rank(),
		IsEncrypted:      true,
	}
	if _, err := s.messages.InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return nil, store.ErrDuplicateID
		}
		return nil, errors.Wrap(err, "mongostore.AppendMessage")
	}
	return &out, nil
}

func (s *Store) AdvanceStatus(ctx context.Context, senderID, recipientID, messageID string, status models.Status) (bool, error) {
	if !status.Valid() {
		return false, models.ErrInvalidStatus
	}
	scope := bson.M{"id": messageID, "sender_id": senderID, "recipient_id": recipientID}
	filter := bson.M{"id": messageID, "sender_id": senderID, "recipient_id": recipientID,
		"status_rank": bson.M{"$lt": status.Rank()}}
	res, err := s.messages.UpdateOne(ctx, filter, bson.M{"$set": bson.M{"status": string(status), "status_rank": status.Rank()}})
	if err != nil {
		return false, errors.Wrap(err, "mongostore.AdvanceStatus")
	}
	if res.ModifiedCount > 0 {
		return true, nil
	}
	n, err := s.messages.CountDocuments(ctx, scope, options.Count().SetLimit(1))
	if err != nil {
		return false, errors.Wrap(err, "mongostore.AdvanceStatus count")
	}
	if n == 0 {
		return false, store.ErrMessageNotFound
	}
	return false, nil
}

func pairFilter(a, b string) bson.M {
	return bson.M{"$or": bson.A{
		bson.M{"sender_id": a, "recipient_id": b},
		bson.M{"sender_id": b, "recipient_id": a},
	}}
}

func (s *Store) History(ctx context.Context, userA, userB string) ([]models.Message, error) {
	opts := options.Find().SetSort(bson.D{{Key: "sent_at", Value: 1}, {Key: "_id", Value: 1}})
	cur, err := s.messages.Find(ctx, pairFilter(userA, userB), opts)
	if err != nil {
		return nil, errors.Wrap(err, "mongostore.History")
	}
	defer cur.Close(ctx)

	out := make([]models.Message, 0)
	for cur.Next(ctx) {
		var doc messageDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, errors.Wrap(err, "mongostore.History decode")
		}
		out = append(out, doc.message())
	}
	return out, errors.Wrap(cur.Err(), "mongostore.History cursor")
}

func (s *Store) ClearHistory(ctx context.Context, userA, userB string) (int64, error) {
	res, err := s.messages.DeleteMany(ctx, pairFilter(userA, userB))
	if err != nil {
		return 0, errors.Wrap(err, "mongostore.ClearHistory")
	}
	return res.DeletedCount, nil
}

func (s *Store) DeleteMessage(ctx context.Context, senderID, recipientID, messageID string) error {
	res, err := s.messages.DeleteOne(ctx, bson.M{"id": messageID, "sender_id": senderID, "recipient_id": recipientID})
	if err != nil {
		return errors.Wrap(err, "mongostore.DeleteMessage")
	}
	if res.DeletedCount == 0 {
		return store.ErrMessageNotFound
	}
	return nil
}
