// Package mongodb stores posts as documents keyed by id, with a multikey
// index on the tokens array.
package mongodb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"postyard/domain"
	"postyard/store"
)

const (
	DefaultDatabase = "postyard"
	collectionName  = "posts"
)

var _ store.Engine = (*Engine)(nil)

type document struct {
	ID      int64     `bson:"_id"`
	Created time.Time `bson:"created"`
	Writer  string    `bson:"writer"`
	Text    string    `bson:"text"`
	Tokens  []string  `bson:"tokens"`
}

func toDocument(p domain.Post) document {
	tokens := p.Tokens
	if tokens == nil {
		tokens = []string{}
	}
	return document{ID: p.ID, Created: p.Created, Writer: p.Writer, Text: p.Text, Tokens: tokens}
}

func (d document) post() domain.Post {
	p := domain.Post{ID: d.ID, Created: d.Created.UTC(), Writer: d.Writer, Text: d.Text, Tokens: d.Tokens}
	if len(p.Tokens) == 0 {
		p.Tokens = nil
	}
	return p
}

type Engine struct {
	client *mongo.Client
	posts  *mongo.Collection
}

// Open connects to uri and uses the posts collection of database.
func Open(ctx context.Context, uri, database string) (*Engine, error) {
	if database == "" {
		database = DefaultDatabase
	}
	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongo: %w", err)
	}
	return &Engine{
		client: client,
		posts:  client.Database(database).Collection(collectionName),
	}, nil
}

// EnsureIndex creates the tokens multikey index and the index backing the
// created-descending sort. Requesting an existing index is a no-op.
func (e *Engine) EnsureIndex(ctx context.Context) error {
	_, err := e.posts.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "tokens", Value: 1}},
			Options: options.Index().SetName("tokens_1"),
		},
		{
			Keys:    bson.D{{Key: "created", Value: -1}, {Key: "_id", Value: -1}},
			Options: options.Index().SetName("created_-1__id_-1"),
		},
	})
	return err
}

func (e *Engine) MaxID(ctx context.Context) (int64, error) {
	opts := options.FindOne().
		SetSort(bson.D{{Key: "_id", Value: -1}}).
		SetProjection(bson.D{{Key: "_id", Value: 1}})

	var doc struct {
		ID int64 `bson:"_id"`
	}
	err := e.posts.FindOne(ctx, bson.D{}, opts).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return doc.ID, nil
}

// Insert is an ordered InsertMany: on a duplicate id the posts before it in
// the batch stay stored and the rest are skipped.
func (e *Engine) Insert(ctx context.Context, posts []domain.Post) error {
	docs := make([]document, len(posts))
	for i, p := range posts {
		docs[i] = toDocument(p)
	}
	_, err := e.posts.InsertMany(ctx, docs)
	return insertError(err)
}

// insertError tags duplicate-key failures. The repository adds the operation
// name.
func insertError(err error) error {
	if mongo.IsDuplicateKeyError(err) {
		return fmt.Errorf("%w: %w", domain.ErrDuplicateID, err)
	}
	return err
}

func (e *Engine) Replace(ctx context.Context, p domain.Post) error {
	_, err := e.posts.ReplaceOne(ctx,
		bson.D{{Key: "_id", Value: p.ID}},
		toDocument(p),
		options.Replace().SetUpsert(true))
	return err
}

func (e *Engine) Find(ctx context.Context, id int64) (domain.Post, error) {
	var doc document
	err := e.posts.FindOne(ctx, bson.D{{Key: "_id", Value: id}}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return domain.Post{}, fmt.Errorf("post %d: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return domain.Post{}, err
	}
	return doc.post(), nil
}

// Query uses $all for token containment. $all with an empty array matches
// nothing, so no tokens means no filter at all.
func (e *Engine) Query(ctx context.Context, q store.Query) (store.Rows, error) {
	filter := bson.D{}
	if tokens := domain.NormalizeTokens(q.Tokens); len(tokens) > 0 {
		filter = bson.D{{Key: "tokens", Value: bson.D{{Key: "$all", Value: tokens}}}}
	}
	opts := options.Find().
		SetSort(bson.D{{Key: "created", Value: -1}, {Key: "_id", Value: -1}}).
		SetSkip(int64(q.Skip)).
		SetLimit(int64(q.Limit))

	cur, err := e.posts.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	return &rows{ctx: ctx, cur: cur}, nil
}

func (e *Engine) Count(ctx context.Context) (int64, error) {
	return e.posts.CountDocuments(ctx, bson.D{})
}

func (e *Engine) Clear(ctx context.Context) error {
	_, err := e.posts.DeleteMany(ctx, bson.D{})
	return err
}

func (e *Engine) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return e.client.Disconnect(ctx)
}

// rows adapts a mongo cursor; the driver needs the query context on every
// call.
type rows struct {
	ctx context.Context
	cur *mongo.Cursor
}

func (r *rows) Next() bool {
	return r.cur.Next(r.ctx)
}

func (r *rows) Post() (domain.Post, error) {
	var doc document
	if err := r.cur.Decode(&doc); err != nil {
		return domain.Post{}, err
	}
	return doc.post(), nil
}

func (r *rows) Err() error {
	return r.cur.Err()
}

func (r *rows) Close() error {
	return r.cur.Close(r.ctx)
}
