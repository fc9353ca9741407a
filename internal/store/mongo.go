// internal/store/mongo.go
package store

import (
	"context"
	"fmt"
	"log"
	"time"

	"chatsync/internal/models"
	"chatsync/internal/utils"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// messageDocument represents the MongoDB document structure for messages
type messageDocument struct {
	ID             string     `bson:"_id"`
	ConversationID string     `bson:"conversationId"`
	SenderID       string     `bson:"senderId"`
	ReceiverID     string     `bson:"receiverId"`
	Content        string     `bson:"content"`
	CreatedAt      time.Time  `bson:"createdAt"`
	Status         string     `bson:"status"`
	DeliveredAt    *time.Time `bson:"deliveredAt,omitempty"`
	ReadAt         *time.Time `bson:"readAt,omitempty"`
}

type MongoStore struct {
	Client   *mongo.Client
	Messages *mongo.Collection
}

func NewMongoStore(uri, dbName string) (*MongoStore, error) {
	serverAPI := options.ServerAPI(options.ServerAPIVersion1)
	opts := options.Client().ApplyURI(uri).SetServerAPIOptions(serverAPI)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %v", err)
	}

	// Ping the database to verify connection
	if err := client.Database("admin").RunCommand(ctx, bson.D{{Key: "ping", Value: 1}}).Err(); err != nil {
		return nil, fmt.Errorf("failed to ping MongoDB: %v", err)
	}

	log.Println("Successfully connected to MongoDB!")

	db := client.Database(dbName)
	return &MongoStore{
		Client:   client,
		Messages: db.Collection("messages"),
	}, nil
}

func (m *MongoStore) Close(ctx context.Context) error {
	return m.Client.Disconnect(ctx)
}

func (m *MongoStore) CreateMessage(ctx context.Context, msg *models.Message) (*models.Message, error) {
	doc := messageDocument{
		ID:             msg.ID.String(),
		ConversationID: msg.ConversationID,
		SenderID:       msg.SenderID.String(),
		ReceiverID:     msg.ReceiverID.String(),
		Content:        msg.Content,
		CreatedAt:      msg.CreatedAt,
		Status:         string(models.StatusSent),
		DeliveredAt:    msg.DeliveredAt,
		ReadAt:         msg.ReadAt,
	}

	if _, err := m.Messages.InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			// Second device raced us; the row already exists.
			return m.getMessage(ctx, msg.ID)
		}
		return nil, utils.NewPersistenceFailedError("create message", err)
	}

	stored := *msg
	stored.Status = models.StatusSent
	return &stored, nil
}

func (m *MongoStore) getMessage(ctx context.Context, id uuid.UUID) (*models.Message, error) {
	var doc messageDocument
	err := m.Messages.FindOne(ctx, bson.M{"_id": id.String()}).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return nil, utils.NewAppError(utils.ErrNotFound, "message not found: "+id.String(), nil)
	}
	if err != nil {
		return nil, utils.NewPersistenceFailedError("get message", err)
	}
	return docToMessage(&doc)
}

func (m *MongoStore) ListConversation(ctx context.Context, userA, userB uuid.UUID) ([]*models.Message, error) {
	filter := bson.M{"conversationId": models.ConversationKey(userA, userB)}
	opts := options.Find().SetSort(bson.D{{Key: "createdAt", Value: 1}})

	cursor, err := m.Messages.Find(ctx, filter, opts)
	if err != nil {
		return nil, utils.NewPersistenceFailedError("list conversation", err)
	}
	defer cursor.Close(ctx)

	var messages []*models.Message
	for cursor.Next(ctx) {
		var doc messageDocument
		if err := cursor.Decode(&doc); err != nil {
			return nil, utils.NewPersistenceFailedError("decode message", err)
		}
		msg, err := docToMessage(&doc)
		if err != nil {
			log.Printf("Skipping malformed message document %s: %v", doc.ID, err)
			continue
		}
		messages = append(messages, msg)
	}
	return messages, nil
}

func (m *MongoStore) MarkDelivered(ctx context.Context, messageID uuid.UUID, at time.Time) error {
	// Only advance messages still in "sent"; keeps the transition monotonic
	// and the first delivery timestamp authoritative.
	filter := bson.M{"_id": messageID.String(), "status": string(models.StatusSent)}
	update := bson.M{"$set": bson.M{
		"status":      string(models.StatusDelivered),
		"deliveredAt": at,
	}}
	if _, err := m.Messages.UpdateOne(ctx, filter, update); err != nil {
		return utils.NewPersistenceFailedError("mark delivered", err)
	}
	return nil
}

func (m *MongoStore) MarkRead(ctx context.Context, messageID uuid.UUID, at time.Time) error {
	filter := bson.M{
		"_id":    messageID.String(),
		"status": bson.M{"$ne": string(models.StatusRead)},
	}
	update := bson.M{"$set": bson.M{
		"status": string(models.StatusRead),
		"readAt": at,
	}}
	if _, err := m.Messages.UpdateOne(ctx, filter, update); err != nil {
		return utils.NewPersistenceFailedError("mark read", err)
	}
	return nil
}

func (m *MongoStore) ListUserConversations(ctx context.Context, userID uuid.UUID) ([]*models.ConversationPreview, error) {
	uid := userID.String()
	filter := bson.M{"$or": []bson.M{
		{"senderId": uid},
		{"receiverId": uid},
	}}

	cursor, err := m.Messages.Find(ctx, filter)
	if err != nil {
		return nil, utils.NewPersistenceFailedError("list user conversations", err)
	}
	defer cursor.Close(ctx)

	latest := make(map[uuid.UUID]*models.Message)
	unread := make(map[uuid.UUID]int)
	for cursor.Next(ctx) {
		var doc messageDocument
		if err := cursor.Decode(&doc); err != nil {
			return nil, utils.NewPersistenceFailedError("decode message", err)
		}
		msg, err := docToMessage(&doc)
		if err != nil {
			log.Printf("Skipping malformed message document %s: %v", doc.ID, err)
			continue
		}
		other := msg.Counterpart(userID)
		if cur, ok := latest[other]; !ok || msg.CreatedAt.After(cur.CreatedAt) {
			latest[other] = msg
		}
		if msg.ReceiverID == userID && msg.Status != models.StatusRead {
			unread[other]++
		}
	}

	previews := make([]*models.ConversationPreview, 0, len(latest))
	for other, msg := range latest {
		previews = append(previews, &models.ConversationPreview{
			CounterpartID: other,
			Last:          *msg,
			Unread:        unread[other],
		})
	}
	sortPreviews(previews)
	return previews, nil
}

func docToMessage(doc *messageDocument) (*models.Message, error) {
	id, err := uuid.Parse(doc.ID)
	if err != nil {
		return nil, fmt.Errorf("bad message id: %v", err)
	}
	senderID, err := uuid.Parse(doc.SenderID)
	if err != nil {
		return nil, fmt.Errorf("bad sender id: %v", err)
	}
	receiverID, err := uuid.Parse(doc.ReceiverID)
	if err != nil {
		return nil, fmt.Errorf("bad receiver id: %v", err)
	}

	return &models.Message{
		ID:             id,
		ConversationID: doc.ConversationID,
		SenderID:       senderID,
		ReceiverID:     receiverID,
		Content:        doc.Content,
		CreatedAt:      doc.CreatedAt,
		Status:         models.MessageStatus(doc.Status),
		DeliveredAt:    doc.DeliveredAt,
		ReadAt:         doc.ReadAt,
	}, nil
}
