package avalia

import (
	"context"
	"time"

	"cloud.google.com/go/firestore"
	firebase "firebase.google.com/go/v4"
)

type firestoreStore struct {
	client     *firestore.Client
	collection string
	timeout    time.Duration
}

// NewFirestoreStore derives the document database handle from the app.
func NewFirestoreStore(ctx context.Context, app *firebase.App, collection string, timeout time.Duration) (*firestoreStore, error) {
	client, err := app.Firestore(ctx)
	if err != nil {
		return nil, err
	}
	return &firestoreStore{client: client, collection: collection, timeout: timeout}, nil
}

func (f *firestoreStore) AddEvaluation(ctx context.Context, e Evaluation) (string, error) {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	ctx, cancel := withQueryTimeout(ctx, f.timeout)
	defer cancel()
	ref, _, err := f.client.Collection(f.collection).Add(ctx, e)
	if err != nil {
		return "", err
	}
	return ref.ID, nil
}

func (f *firestoreStore) ListEvaluations(ctx context.Context, limit int) ([]Evaluation, error) {
	ctx, cancel := withQueryTimeout(ctx, f.timeout)
	defer cancel()
	q := f.client.Collection(f.collection).OrderBy("createdAt", firestore.Desc)
	if limit > 0 {
		q = q.Limit(limit)
	}
	docs, err := q.Documents(ctx).GetAll()
	if err != nil {
		return nil, err
	}
	result := make([]Evaluation, 0, len(docs))
	for _, doc := range docs {
		var e Evaluation
		if err := doc.DataTo(&e); err != nil {
			return nil, err
		}
		e.ID = doc.Ref.ID
		result = append(result, e)
	}
	return result, nil
}

func (f *firestoreStore) Close() error {
	return f.client.Close()
}
