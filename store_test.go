package avalia

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvaluationValidate(t *testing.T) {
	tests := []struct {
		name string
		eval Evaluation
		err  error
	}{
		{name: "lowest", eval: Evaluation{Rating: 1}},
		{name: "highest with comment", eval: Evaluation{Rating: 5, Comment: "muito bom"}},
		{name: "zero", eval: Evaluation{Rating: 0}, err: ErrInvalidRating},
		{name: "too high", eval: Evaluation{Rating: 6}, err: ErrInvalidRating},
		{name: "long comment", eval: Evaluation{Rating: 3, Comment: strings.Repeat("a", MaxCommentLength+1)}, err: ErrCommentTooLong},
		{name: "long name", eval: Evaluation{Rating: 3, Name: strings.Repeat("n", MaxNameLength+1)}, err: ErrNameTooLong},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.eval.Validate()
			if tt.err == nil {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, tt.err)
			}
		})
	}
}

func TestEvaluationValidateTrims(t *testing.T) {
	e := Evaluation{Rating: 4, Comment: "  bom  ", Name: "\tAna\n"}
	require.NoError(t, e.Validate())
	assert.Equal(t, "bom", e.Comment)
	assert.Equal(t, "Ana", e.Name)
}

func TestSummarize(t *testing.T) {
	s := Summarize([]Evaluation{{Rating: 5}, {Rating: 4}, {Rating: 4}, {Rating: 1}, {Rating: 9}})
	assert.Equal(t, 4, s.Count)
	assert.InDelta(t, 3.5, s.Average, 0.0001)
	assert.Equal(t, [MaxRating + 1]int{0, 1, 0, 0, 2, 1}, s.Distribution)

	empty := Summarize(nil)
	assert.Equal(t, 0, empty.Count)
	assert.Zero(t, empty.Average)
}

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	tick := 0
	store.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Minute)
	}

	for i := 1; i <= 3; i++ {
		id, err := store.AddEvaluation(ctx, Evaluation{Rating: i})
		require.NoError(t, err)
		assert.NotEmpty(t, id)
	}

	all, err := store.ListEvaluations(ctx, 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, 3, all[0].Rating, "newest first")
	assert.Equal(t, 1, all[2].Rating)

	limited, err := store.ListEvaluations(ctx, 2)
	require.NoError(t, err)
	require.Len(t, limited, 2)
	assert.Equal(t, 3, limited[0].Rating)
	assert.Equal(t, 2, limited[1].Rating)

	assert.NoError(t, store.Close())
}

func TestMemoryStoreSameTimestampKeepsNewestFirst(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	_, err := store.AddEvaluation(ctx, Evaluation{Rating: 1, CreatedAt: at})
	require.NoError(t, err)
	_, err = store.AddEvaluation(ctx, Evaluation{Rating: 2, CreatedAt: at})
	require.NoError(t, err)

	all, err := store.ListEvaluations(ctx, 0)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, 2, all[0].Rating)
}

func TestMemoryStoreCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	store := NewMemoryStore()
	_, err := store.AddEvaluation(ctx, Evaluation{Rating: 3})
	assert.ErrorIs(t, err, context.Canceled)
	_, err = store.ListEvaluations(ctx, 0)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestMemoryStoreConcurrentAdds(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := store.AddEvaluation(ctx, Evaluation{Rating: i%5 + 1})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()
	all, err := store.ListEvaluations(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, all, 50)
}

func TestWithQueryTimeout(t *testing.T) {
	ctx, cancel := withQueryTimeout(context.Background(), time.Minute)
	defer cancel()
	deadline, ok := ctx.Deadline()
	require.True(t, ok)
	assert.WithinDuration(t, time.Now().Add(time.Minute), deadline, 5*time.Second)

	ctx, cancel = withQueryTimeout(context.Background(), 0)
	_, ok = ctx.Deadline()
	assert.False(t, ok)
	cancel()
	assert.ErrorIs(t, ctx.Err(), context.Canceled)
}

func TestMemoryStoreExpiredQueryTimeout(t *testing.T) {
	store := NewMemoryStore()
	ctx, cancel := withQueryTimeout(context.Background(), time.Nanosecond)
	defer cancel()
	<-ctx.Done()

	_, err := store.AddEvaluation(ctx, Evaluation{Rating: 4})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	_, err = store.ListEvaluations(ctx, 10)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
