// Package ingest makes annotated comments durable before a cycle claims them.
package ingest

import (
	"context"
	"fmt"
	"time"

	"github.com/irfndi/tickerpulse/internal/models"
	"go.uber.org/zap"
)

// CommentStore persists comments idempotently by id.
type CommentStore interface {
	Insert(ctx context.Context, c models.AnnotatedComment, loc *time.Location) (bool, error)
}

// Source brings new comments into the store. The cycle calls Pull once per full run.
type Source interface {
	Pull(ctx context.Context) (Result, error)
	Name() string
}

// Result counts what one batch did.
type Result struct {
	Received   int      `json:"received"`
	Stored     int      `json:"stored"`
	Duplicates int      `json:"duplicates"`
	Rejected   int      `json:"rejected"`
	Errors     []string `json:"errors,omitempty"`
}

// Inbox accepts pushed comments, typically from the HTTP API.
type Inbox struct {
	store  CommentStore
	loc    *time.Location
	logger *zap.Logger
}

var _ Source = (*Inbox)(nil)

func NewInbox(store CommentStore, loc *time.Location, logger *zap.Logger) *Inbox {
	if logger == nil {
		logger = zap.NewNop()
	}
	if loc == nil {
		loc = time.UTC
	}
	return &Inbox{store: store, loc: loc, logger: logger}
}

func (i *Inbox) Name() string { return "inbox" }

// Pull is a no-op: pushed comments are already stored.
func (i *Inbox) Pull(ctx context.Context) (Result, error) {
	return Result{}, nil
}

// Accept validates and stores a batch. Invalid comments are rejected individually;
// a storage failure aborts the batch.
func (i *Inbox) Accept(ctx context.Context, comments []models.AnnotatedComment) (Result, error) {
	res := Result{Received: len(comments)}
	for _, c := range comments {
		if err := c.Validate(); err != nil {
			res.Rejected++
			res.Errors = append(res.Errors, err.Error())
			continue
		}
		stored, err := i.store.Insert(ctx, c, i.loc)
		if err != nil {
			return res, fmt.Errorf("failed to store comment %s: %w", c.ID, err)
		}
		if !stored {
			res.Duplicates++
			i.logger.Info("Duplicate comment ignored", zap.String("comment_id", c.ID))
			continue
		}
		res.Stored++
	}
	return res, nil
}
