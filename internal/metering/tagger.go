package metering

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/crosslogic/usage-meter/internal/store"
	"github.com/crosslogic/usage-meter/pkg/metrics"
	"github.com/crosslogic/usage-meter/pkg/models"
	"go.uber.org/zap"
)

// TagStore is the slice of the store the tagger needs.
type TagStore interface {
	ListAutoTags(ctx context.Context, callerID string) ([]models.Tag, error)
	LinkTag(ctx context.Context, recordID, tagID string) (bool, error)
}

type patternKey struct {
	tagID   string
	pattern string
}

type compiledPattern struct {
	re  *regexp.Regexp
	err error
}

// Tagger links records to the caller's auto-tags whose pattern matches the
// record's metadata.
type Tagger struct {
	tags   TagStore
	logger *zap.Logger

	mu       sync.RWMutex
	patterns map[patternKey]compiledPattern
}

// NewTagger creates a tagger.
func NewTagger(tags TagStore, logger *zap.Logger) *Tagger {
	return &Tagger{
		tags:     tags,
		logger:   logger,
		patterns: make(map[patternKey]compiledPattern),
	}
}

// SearchText is the lower-cased JSON form of metadata that patterns are
// matched against.
func SearchText(metadata map[string]any) (string, error) {
	if metadata == nil {
		metadata = map[string]any{}
	}
	b, err := json.Marshal(metadata)
	if err != nil {
		return "", fmt.Errorf("failed to serialize metadata: %w", err)
	}
	return strings.ToLower(string(b)), nil
}

// Classify attaches every matching auto-tag to the record. Malformed
// patterns are skipped with a warning. Re-running it for the same record
// leaves the tag set unchanged.
func (t *Tagger) Classify(ctx context.Context, recordID, callerID string, metadata map[string]any) error {
	tags, err := t.tags.ListAutoTags(ctx, callerID)
	if err != nil {
		return fmt.Errorf("%w: failed to load tags for caller %s: %w", ErrClassificationFailed, callerID, err)
	}
	if len(tags) == 0 {
		return nil
	}

	text, err := SearchText(metadata)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrClassificationFailed, err)
	}

	var errs []error
	for _, tag := range tags {
		re, err := t.compile(tag)
		if err != nil {
			t.logger.Warn("skipping tag with invalid pattern",
				zap.String("caller_id", callerID),
				zap.String("tag_id", tag.ID),
				zap.String("pattern", tag.AutoPattern),
				zap.Error(err),
			)
			continue
		}
		if !re.MatchString(text) {
			continue
		}

		created, err := t.tags.LinkTag(ctx, recordID, tag.ID)
		if err != nil {
			if errors.Is(err, store.ErrTagScope) {
				t.logger.Error("tag belongs to another caller",
					zap.String("record_id", recordID),
					zap.String("tag_id", tag.ID),
				)
			}
			errs = append(errs, fmt.Errorf("tag %s: %w", tag.ID, err))
			continue
		}
		if created {
			metrics.TagsApplied.Inc()
			t.logger.Debug("record tagged",
				zap.String("record_id", recordID),
				zap.String("tag", tag.Name),
			)
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrClassificationFailed, errors.Join(errs...))
	}
	return nil
}

// compile returns the cached regexp for tag, compiling it on first use.
// Patterns are case-insensitive.
func (t *Tagger) compile(tag models.Tag) (*regexp.Regexp, error) {
	key := patternKey{tagID: tag.ID, pattern: tag.AutoPattern}

	t.mu.RLock()
	c, ok := t.patterns[key]
	t.mu.RUnlock()
	if ok {
		return c.re, c.err
	}

	re, err := regexp.Compile("(?i)" + tag.AutoPattern)
	if err != nil {
		err = fmt.Errorf("%w: %w", ErrInvalidTagPattern, err)
	}

	t.mu.Lock()
	t.patterns[key] = compiledPattern{re: re, err: err}
	t.mu.Unlock()
	return re, err
}

// ValidatePattern reports whether pattern would compile for auto-tagging.
func ValidatePattern(pattern string) error {
	if pattern == "" {
		return nil
	}
	if _, err := regexp.Compile("(?i)" + pattern); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidTagPattern, err)
	}
	return nil
}
