package metering

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/crosslogic/usage-meter/internal/store"
	"github.com/crosslogic/usage-meter/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func seedTaggedRecord(t *testing.T, s *store.MemoryStore, callerID string) string {
	t.Helper()
	ctx := context.Background()
	if _, err := s.GetCaller(ctx, callerID); errors.Is(err, store.ErrNotFound) {
		require.NoError(t, s.CreateCaller(ctx, &models.Caller{ID: callerID}))
	}
	rec := &models.UsageRecord{
		ID:         callerID + "-rec",
		CallerID:   callerID,
		Model:      sonnet,
		StatusCode: 200,
		Timestamp:  time.Now().UTC(),
	}
	require.NoError(t, s.InsertRecord(ctx, rec))
	return rec.ID
}

func recordTags(t *testing.T, s *store.MemoryStore, callerID string) []string {
	t.Helper()
	entries, _, err := s.ListRecords(context.Background(), store.RecordFilter{CallerID: callerID})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	return entries[0].Tags
}

func TestClassifyIsIdempotent(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()
	recordID := seedTaggedRecord(t, s, "demo")
	require.NoError(t, s.CreateTag(ctx, &models.Tag{CallerID: "demo", Name: "weather", AutoPattern: "weather"}))
	require.NoError(t, s.CreateTag(ctx, &models.Tag{CallerID: "demo", Name: "support", AutoPattern: "refund"}))
	require.NoError(t, s.CreateTag(ctx, &models.Tag{CallerID: "demo", Name: "manual"}))

	tagger := NewTagger(s, zap.NewNop())
	metadata := map[string]any{"systemPrompt": "You answer Weather questions"}

	require.NoError(t, tagger.Classify(ctx, recordID, "demo", metadata))
	first := recordTags(t, s, "demo")
	require.NoError(t, tagger.Classify(ctx, recordID, "demo", metadata))
	second := recordTags(t, s, "demo")

	assert.Equal(t, []string{"weather"}, first)
	assert.Equal(t, first, second)
}

func TestClassifySkipsInvalidPattern(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()
	recordID := seedTaggedRecord(t, s, "demo")
	require.NoError(t, s.CreateTag(ctx, &models.Tag{CallerID: "demo", Name: "broken", AutoPattern: "([a-z"}))
	require.NoError(t, s.CreateTag(ctx, &models.Tag{CallerID: "demo", Name: "coding", AutoPattern: `code|python`}))
	require.NoError(t, s.CreateTag(ctx, &models.Tag{CallerID: "demo", Name: "long", AutoPattern: `"stopreason":"max_tokens"`}))

	tagger := NewTagger(s, zap.NewNop())
	err := tagger.Classify(ctx, recordID, "demo", map[string]any{
		"systemPrompt": "Write PYTHON",
		"stopReason":   "max_tokens",
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"coding", "long"}, recordTags(t, s, "demo"))
}

func TestClassifyIgnoresOtherCallersTags(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()
	recordID := seedTaggedRecord(t, s, "alice")
	seedTaggedRecord(t, s, "bob")
	require.NoError(t, s.CreateTag(ctx, &models.Tag{CallerID: "bob", Name: "everything", AutoPattern: ".*"}))

	tagger := NewTagger(s, zap.NewNop())
	require.NoError(t, tagger.Classify(ctx, recordID, "alice", map[string]any{"a": 1}))
	assert.Empty(t, recordTags(t, s, "alice"))
}

func TestClassifyRecompilesChangedPattern(t *testing.T) {
	tagger := NewTagger(store.NewMemoryStore(), zap.NewNop())
	tag := models.Tag{ID: "t1", AutoPattern: "alpha"}

	re, err := tagger.compile(tag)
	require.NoError(t, err)
	assert.True(t, re.MatchString("ALPHA"))

	tag.AutoPattern = "beta"
	re, err = tagger.compile(tag)
	require.NoError(t, err)
	assert.False(t, re.MatchString("alpha"))
	assert.True(t, re.MatchString("beta"))

	_, err = tagger.compile(models.Tag{ID: "t2", AutoPattern: "("})
	assert.ErrorIs(t, err, ErrInvalidTagPattern)
}

type brokenTagStore struct{}

func (brokenTagStore) ListAutoTags(ctx context.Context, callerID string) ([]models.Tag, error) {
	return nil, errors.New("database is locked")
}

func (brokenTagStore) LinkTag(ctx context.Context, recordID, tagID string) (bool, error) {
	return false, nil
}

func TestClassifyStoreFailure(t *testing.T) {
	tagger := NewTagger(brokenTagStore{}, zap.NewNop())
	err := tagger.Classify(context.Background(), "r1", "demo", nil)
	assert.ErrorIs(t, err, ErrClassificationFailed)
}

func TestSearchTextAndValidatePattern(t *testing.T) {
	text, err := SearchText(map[string]any{"Error": "Rate LIMIT"})
	require.NoError(t, err)
	assert.Equal(t, `{"error":"rate limit"}`, text)

	text, err = SearchText(nil)
	require.NoError(t, err)
	assert.Equal(t, "{}", text)

	assert.NoError(t, ValidatePattern(""))
	assert.NoError(t, ValidatePattern("^abc$"))
	assert.ErrorIs(t, ValidatePattern("[z-a]"), ErrInvalidTagPattern)
}
