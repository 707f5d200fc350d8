// ABOUTME: MongoDB implementation of the Store interface using the official driver
// ABOUTME: Conversations are documents keyed by the derived "{user_id}-{uuid}" id

package store

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const mongoConnectTimeout = 10 * time.Second

// MongoStore implements the Store interface using MongoDB.
type MongoStore struct {
	client        *mongo.Client
	users         *mongo.Collection
	conversations *mongo.Collection
	logger        *slog.Logger
}

// NewMongoStore connects to MongoDB at the given URI and uses the named
// database (collections "users" and "conversations").
func NewMongoStore(ctx context.Context, uri, database string) (*MongoStore, error) {
	logger := slog.Default().With("component", "store")

	ctx, cancel := context.WithTimeout(ctx, mongoConnectTimeout)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connecting to mongodb: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("pinging mongodb: %w", err)
	}

	db := client.Database(database)
	s := &MongoStore{
		client:        client,
		users:         db.Collection("users"),
		conversations: db.Collection("conversations"),
		logger:        logger,
	}

	logger.Info("Mongo store initialized", "database", database)
	return s, nil
}

// Close disconnects the underlying client.
func (s *MongoStore) Close() error {
	s.logger.Info("closing Mongo store")
	ctx, cancel := context.WithTimeout(context.Background(), mongoConnectTimeout)
	defer cancel()
	return s.client.Disconnect(ctx)
}

// CreateConversation inserts a new conversation document.
func (s *MongoStore) CreateConversation(ctx context.Context, conversation *Conversation) (string, error) {
	_, err := s.conversations.InsertOne(ctx, conversation)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return "", ErrDuplicateConversation
		}
		return "", storageErr("inserting conversation", err)
	}

	s.logger.Debug("created conversation", "id", conversation.ID, "user_id", conversation.UserID)
	return conversation.ID, nil
}

// GetConversation retrieves a conversation document by id.
func (s *MongoStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	var conversation Conversation
	err := s.conversations.FindOne(ctx, bson.M{"_id": id}).Decode(&conversation)
	if err == mongo.ErrNoDocuments {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, storageErr("querying conversation", err)
	}
	if conversation.Messages == nil {
		conversation.Messages = []ChatMessage{}
	}
	return &conversation, nil
}

// GetConversationsByUser returns the user's conversations ordered oldest
// first. Ownership is matched on the conversation id prefix.
func (s *MongoStore) GetConversationsByUser(ctx context.Context, userID string, skip, limit int) ([]*Conversation, error) {
	filter := bson.M{"_id": bson.M{"$regex": "^" + regexp.QuoteMeta(userID) + "-"}}
	opts := options.Find().
		SetSort(bson.D{{Key: "created_at", Value: 1}}).
		SetSkip(int64(skip))
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}

	cursor, err := s.conversations.Find(ctx, filter, opts)
	if err != nil {
		return nil, storageErr("querying conversations", err)
	}
	defer cursor.Close(ctx)

	var conversations []*Conversation
	if err := cursor.All(ctx, &conversations); err != nil {
		return nil, storageErr("decoding conversations", err)
	}
	for _, conversation := range conversations {
		if conversation.Messages == nil {
			conversation.Messages = []ChatMessage{}
		}
	}
	return conversations, nil
}

// AddMessageToConversation appends a message to the conversation document.
func (s *MongoStore) AddMessageToConversation(ctx context.Context, id string, msg ChatMessage) error {
	res, err := s.conversations.UpdateOne(ctx,
		bson.M{"_id": id},
		bson.M{"$push": bson.M{"messages": msg}},
	)
	if err != nil {
		return storageErr("appending message", err)
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}

	s.logger.Debug("appended message", "conversation_id", id, "message_id", msg.MessageID, "role", msg.Role)
	return nil
}

// RemoveMessageFromConversation pulls a message from the conversation document.
func (s *MongoStore) RemoveMessageFromConversation(ctx context.Context, id, messageID string) error {
	res, err := s.conversations.UpdateOne(ctx,
		bson.M{"_id": id},
		bson.M{"$pull": bson.M{"messages": bson.M{"message_id": messageID}}},
	)
	if err != nil {
		return storageErr("removing message", err)
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteConversation removes a conversation document and the owning user's
// reference to it.
func (s *MongoStore) DeleteConversation(ctx context.Context, id string) error {
	res, err := s.conversations.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return storageErr("deleting conversation", err)
	}
	if res.DeletedCount == 0 {
		return ErrNotFound
	}

	userID := UserIDFromConversationID(id)
	if _, err := s.users.UpdateOne(ctx,
		bson.M{"_id": userID},
		bson.M{"$pull": bson.M{"conversations": id}},
	); err != nil {
		return storageErr("removing conversation reference", err)
	}

	s.logger.Debug("deleted conversation", "id", id)
	return nil
}

// CreateUser inserts a new user document and returns its id.
func (s *MongoStore) CreateUser(ctx context.Context, user *User) (string, error) {
	_, err := s.users.InsertOne(ctx, user)
	if err != nil {
		return "", storageErr("inserting user", err)
	}

	s.logger.Debug("created user", "id", user.ID)
	return user.ID, nil
}

// GetUser retrieves a user document by id.
func (s *MongoStore) GetUser(ctx context.Context, id string) (*User, error) {
	var user User
	err := s.users.FindOne(ctx, bson.M{"_id": id}).Decode(&user)
	if err == mongo.ErrNoDocuments {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, storageErr("querying user", err)
	}
	if user.Conversations == nil {
		user.Conversations = []string{}
	}
	return &user, nil
}

// AddConversationToUser records a conversation id on the user document.
func (s *MongoStore) AddConversationToUser(ctx context.Context, userID, conversationID string) error {
	res, err := s.users.UpdateOne(ctx,
		bson.M{"_id": userID},
		bson.M{"$addToSet": bson.M{"conversations": conversationID}},
	)
	if err != nil {
		return storageErr("adding conversation to user", err)
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// ListUsers returns users ordered by creation time.
func (s *MongoStore) ListUsers(ctx context.Context, skip, limit int) ([]*User, error) {
	opts := options.Find().
		SetSort(bson.D{{Key: "created_at", Value: 1}}).
		SetSkip(int64(skip))
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}

	cursor, err := s.users.Find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, storageErr("querying users", err)
	}
	defer cursor.Close(ctx)

	var users []*User
	if err := cursor.All(ctx, &users); err != nil {
		return nil, storageErr("decoding users", err)
	}
	return users, nil
}
