package issue

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"golang.org/x/sync/errgroup"

	"civicportal/api/internal/store"
)

// Aggregate is an issue with everything hanging off it. List fields are
// ordered by creation time, oldest first.
type Aggregate struct {
	Issue     store.Issue      `json:"issue"`
	Comments  []store.Comment  `json:"comments"`
	Updates   []store.Update   `json:"updates"`
	Solutions []store.Solution `json:"solutions"`
	Personal  *Personal        `json:"personal,omitempty"`
}

// Personal is the viewer's own stake in the issue. It is nil for anonymous
// viewers.
type Personal struct {
	Voted         bool            `json:"voted"`
	Watching      bool            `json:"watching"`
	SolutionVotes map[string]bool `json:"solutionVotes"`
}

// Load reads the issue aggregate in one concurrent batch. Any failing read
// fails the whole load; no partial aggregate is returned.
func Load(ctx context.Context, backend Backend, issueID string, viewer Viewer) (Aggregate, error) {
	issueID = strings.TrimSpace(issueID)
	if issueID == "" {
		return Aggregate{}, ErrMissingIssueID
	}

	var agg Aggregate
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		item, err := backend.GetIssue(gctx, issueID)
		if err != nil {
			return fmt.Errorf("issue: %w", err)
		}
		agg.Issue = item
		return nil
	})
	g.Go(func() error {
		items, err := backend.ListComments(gctx, issueID)
		if err != nil {
			return fmt.Errorf("comments: %w", err)
		}
		agg.Comments = items
		return nil
	})
	g.Go(func() error {
		items, err := backend.ListUpdates(gctx, issueID)
		if err != nil {
			return fmt.Errorf("updates: %w", err)
		}
		agg.Updates = items
		return nil
	})
	g.Go(func() error {
		items, err := backend.ListSolutions(gctx, issueID)
		if err != nil {
			return fmt.Errorf("solutions: %w", err)
		}
		agg.Solutions = items
		return nil
	})

	var personal Personal
	if viewer.Authenticated() {
		g.Go(func() error {
			voted, err := backend.HasVoted(gctx, issueID, viewer.UserID)
			if err != nil {
				return fmt.Errorf("vote flag: %w", err)
			}
			personal.Voted = voted
			return nil
		})
		g.Go(func() error {
			watching, err := backend.IsWatching(gctx, issueID, viewer.UserID)
			if err != nil {
				return fmt.Errorf("watch flag: %w", err)
			}
			personal.Watching = watching
			return nil
		})
		g.Go(func() error {
			votes, err := backend.SolutionVotes(gctx, issueID, viewer.UserID)
			if err != nil {
				return fmt.Errorf("solution votes: %w", err)
			}
			personal.SolutionVotes = votes
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		if store.IsNotFound(err) {
			return Aggregate{}, fmt.Errorf("%w: %w: %w", ErrLoadFailed, ErrNotFound, err)
		}
		return Aggregate{}, fmt.Errorf("%w: %w", ErrLoadFailed, err)
	}

	if viewer.Authenticated() {
		if personal.SolutionVotes == nil {
			personal.SolutionVotes = map[string]bool{}
		}
		agg.Personal = &personal
	}
	agg.normalize()
	return agg, nil
}

func (a *Aggregate) normalize() {
	if a.Comments == nil {
		a.Comments = []store.Comment{}
	}
	if a.Updates == nil {
		a.Updates = []store.Update{}
	}
	if a.Solutions == nil {
		a.Solutions = []store.Solution{}
	}
	slices.SortStableFunc(a.Comments, func(x, y store.Comment) int { return x.CreatedAt.Compare(y.CreatedAt) })
	slices.SortStableFunc(a.Updates, func(x, y store.Update) int { return x.CreatedAt.Compare(y.CreatedAt) })
	slices.SortStableFunc(a.Solutions, func(x, y store.Solution) int { return x.CreatedAt.Compare(y.CreatedAt) })
}

// Clone returns a copy that shares no slices or maps with a.
func (a Aggregate) Clone() Aggregate {
	out := a
	out.Comments = slices.Clone(a.Comments)
	out.Updates = slices.Clone(a.Updates)
	out.Solutions = slices.Clone(a.Solutions)
	if a.Personal != nil {
		p := *a.Personal
		p.SolutionVotes = make(map[string]bool, len(a.Personal.SolutionVotes))
		for k, v := range a.Personal.SolutionVotes {
			p.SolutionVotes[k] = v
		}
		out.Personal = &p
	}
	return out
}
