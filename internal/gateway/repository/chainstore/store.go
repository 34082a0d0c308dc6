package chainstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"chainrunner/internal/chain"
)

// Store persists chain definitions.
type Store interface {
	Load(ctx context.Context, id string) (chain.Chain, error)
	Save(ctx context.Context, c chain.Chain) (chain.Chain, error)
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]chain.Summary, error)
	Summary(ctx context.Context, id string) (chain.Summary, error)
}

var (
	ErrNotFound     = errors.New("chain not found")
	ErrInvalidID    = errors.New("invalid chain id")
	ErrInvalidChain = errors.New("invalid chain")
)

// timeLayout matches the millisecond ISO timestamps the mobile client writes.
const timeLayout = "2006-01-02T15:04:05.000Z07:00"

func normalizeID(id string) (string, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return "", fmt.Errorf("%w: id is required", ErrInvalidID)
	}
	if strings.ContainsAny(id, `/\`) || strings.Contains(id, "..") {
		return "", fmt.Errorf("%w: %s", ErrInvalidID, id)
	}
	return id, nil
}

// prepare checks c before a write and stamps its timestamps.
func prepare(c chain.Chain, now time.Time) (chain.Chain, error) {
	id, err := normalizeID(c.ID)
	if err != nil {
		return chain.Chain{}, err
	}
	if strings.TrimSpace(c.Name) == "" {
		return chain.Chain{}, fmt.Errorf("%w: name is required", ErrInvalidChain)
	}
	out := c.Clone()
	out.ID = id
	stamp := now.UTC().Format(timeLayout)
	if strings.TrimSpace(out.CreatedAt) == "" {
		out.CreatedAt = stamp
	}
	out.ModifiedAt = stamp
	return out, nil
}

// sortNewestFirst orders by modifiedAt; chains without one go last.
func sortNewestFirst(list []chain.Summary) {
	sort.SliceStable(list, func(i, j int) bool {
		a, b := parseTime(list[i].ModifiedAt), parseTime(list[j].ModifiedAt)
		if a.Equal(b) {
			return list[i].ID < list[j].ID
		}
		return a.After(b)
	})
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(s))
	if err != nil {
		return time.Time{}
	}
	return t
}
