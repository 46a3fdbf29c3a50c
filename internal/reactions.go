package internal

import (
	"context"
	"errors"

	"roomchat/internal/storage"
)

// reactionTypes is the fixed set of supported reactions. Summary groups are
// emitted in this order so output is reproducible regardless of when each
// reaction arrived.
var reactionTypes = []string{"👍", "❤️", "😂", "😮", "😢", "😡"}

// ErrUnknownReaction is returned for a reaction type outside the fixed set.
var ErrUnknownReaction = errors.New("unknown reaction type")

// ReactionSummary aggregates one reaction type on a message.
type ReactionSummary struct {
	ReactionType string   `json:"reaction_type"`
	Count        int      `json:"count"`
	Users        []string `json:"users"`
}

// ReactionAggregator maintains the at-most-one-reaction-per-user-per-message
// invariant and produces grouped summaries. The invariant itself is enforced
// by the store's unique (message, user) constraint, which keeps concurrent
// upserts atomic per pair.
type ReactionAggregator struct {
	store *storage.Store
}

func NewReactionAggregator(store *storage.Store) *ReactionAggregator {
	return &ReactionAggregator{store: store}
}

// Upsert records a reaction, replacing any prior reaction by the same user
// on the same message.
func (a *ReactionAggregator) Upsert(ctx context.Context, messageID, userID int64, reactionType string) error {
	if !validReaction(reactionType) {
		return ErrUnknownReaction
	}
	return a.store.UpsertReaction(ctx, messageID, userID, reactionType)
}

// Remove deletes the user's reaction and reports whether one existed.
func (a *ReactionAggregator) Remove(ctx context.Context, messageID, userID int64) (bool, error) {
	return a.store.RemoveReaction(ctx, messageID, userID)
}

// Summary returns the message's reactions grouped by type in the fixed enum
// order; usernames within a group keep first-reaction order. The result is
// never nil so it serializes as an empty JSON array.
func (a *ReactionAggregator) Summary(ctx context.Context, messageID int64) ([]ReactionSummary, error) {
	rows, err := a.store.ListReactions(ctx, messageID)
	if err != nil {
		return nil, err
	}
	byType := make(map[string][]string, len(reactionTypes))
	for _, row := range rows {
		byType[row.ReactionType] = append(byType[row.ReactionType], row.Username)
	}
	summary := make([]ReactionSummary, 0, len(byType))
	for _, reactionType := range reactionTypes {
		users := byType[reactionType]
		if len(users) == 0 {
			continue
		}
		summary = append(summary, ReactionSummary{
			ReactionType: reactionType,
			Count:        len(users),
			Users:        users,
		})
	}
	return summary, nil
}

// CurrentUserReaction returns the user's reaction type on a message, or ""
// if they have none.
func (a *ReactionAggregator) CurrentUserReaction(ctx context.Context, messageID, userID int64) (string, error) {
	return a.store.UserReaction(ctx, messageID, userID)
}

// Available lists the supported reaction types in display order.
func (a *ReactionAggregator) Available() []string {
	out := make([]string, len(reactionTypes))
	copy(out, reactionTypes)
	return out
}

func validReaction(reactionType string) bool {
	for _, t := range reactionTypes {
		if t == reactionType {
			return true
		}
	}
	return false
}
