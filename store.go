package avalia

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

const (
	MinRating        = 1
	MaxRating        = 5
	MaxCommentLength = 2000
	MaxNameLength    = 120
)

var (
	ErrInvalidRating  = errors.New("rating must be between 1 and 5")
	ErrCommentTooLong = errors.New("comment too long")
	ErrNameTooLong    = errors.New("name too long")
)

// Evaluation is one submission of the form.
type Evaluation struct {
	ID        string    `json:"id" firestore:"-"`
	Rating    int       `json:"rating" firestore:"rating"`
	Comment   string    `json:"comment" firestore:"comment"`
	Name      string    `json:"name,omitempty" firestore:"name,omitempty"`
	CreatedAt time.Time `json:"createdAt" firestore:"createdAt"`
}

func (e *Evaluation) Validate() error {
	e.Comment = strings.TrimSpace(e.Comment)
	e.Name = strings.TrimSpace(e.Name)
	if e.Rating < MinRating || e.Rating > MaxRating {
		return fmt.Errorf("%w: got %d", ErrInvalidRating, e.Rating)
	}
	if utf8.RuneCountInString(e.Comment) > MaxCommentLength {
		return ErrCommentTooLong
	}
	if utf8.RuneCountInString(e.Name) > MaxNameLength {
		return ErrNameTooLong
	}
	return nil
}

// Store is the document database handle the pages read and write through.
type Store interface {
	// AddEvaluation persists e and returns the id assigned to it.
	AddEvaluation(ctx context.Context, e Evaluation) (string, error)
	// ListEvaluations returns up to limit evaluations, newest first.
	ListEvaluations(ctx context.Context, limit int) ([]Evaluation, error)
	Close() error
}

// withQueryTimeout bounds a single database call. A non-positive d leaves
// the caller's deadline in place.
func withQueryTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

type Summary struct {
	Count        int                `json:"count"`
	Average      float64            `json:"average"`
	Distribution [MaxRating + 1]int `json:"distribution"`
}

func Summarize(evals []Evaluation) Summary {
	var s Summary
	total := 0
	for _, e := range evals {
		if e.Rating < MinRating || e.Rating > MaxRating {
			continue
		}
		s.Count++
		s.Distribution[e.Rating]++
		total += e.Rating
	}
	if s.Count > 0 {
		s.Average = float64(total) / float64(s.Count)
	}
	return s
}

// memoryStore keeps evaluations in process. Used for development and tests.
type memoryStore struct {
	mu    sync.RWMutex
	evals []Evaluation
	now   func() time.Time
}

func NewMemoryStore() *memoryStore {
	return &memoryStore{now: time.Now}
}

func (m *memoryStore) AddEvaluation(ctx context.Context, e Evaluation) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	e.ID = uuid.NewString()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = m.now().UTC()
	}
	m.mu.Lock()
	m.evals = append(m.evals, e)
	m.mu.Unlock()
	return e.ID, nil
}

func (m *memoryStore) ListEvaluations(ctx context.Context, limit int) ([]Evaluation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	result := make([]Evaluation, 0, len(m.evals))
	for i := len(m.evals) - 1; i >= 0; i-- {
		result = append(result, m.evals[i])
	}
	m.mu.RUnlock()
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *memoryStore) Close() error {
	return nil
}
