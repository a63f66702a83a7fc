package export

import (
	"context"
	"fmt"
	"html"
	"time"

	"golang.org/x/sync/errgroup"

	"civicportal/api/internal/store"
)

// DataStore is the read side of the issue aggregate.
type DataStore interface {
	GetIssue(ctx context.Context, issueID string) (store.Issue, error)
	ListComments(ctx context.Context, issueID string) ([]store.Comment, error)
	ListUpdates(ctx context.Context, issueID string) ([]store.Update, error)
	ListSolutions(ctx context.Context, issueID string) ([]store.Solution, error)
	GetDepartment(ctx context.Context, departmentID string) (store.Department, error)
}

// Converter turns rendered HTML into a finished document.
type Converter func(ctx context.Context, html, title string) (*Result, error)

type Service struct {
	store      DataStore
	converters map[Format]Converter
	now        func() time.Time
}

type Option func(*Service)

// WithConverter replaces the converter for one format.
func WithConverter(format Format, c Converter) Option {
	return func(s *Service) { s.converters[format] = c }
}

func NewService(s DataStore, opts ...Option) *Service {
	svc := &Service{
		store: s,
		converters: map[Format]Converter{
			FormatPDF:  exportPDF,
			FormatDOCX: exportDOCX,
		},
		now: time.Now,
	}
	for _, opt := range opts {
		opt(svc)
	}
	return svc
}

// Export renders the issue report and converts it to req.Format.
func (s *Service) Export(ctx context.Context, req Request) (*Result, error) {
	convert, ok := s.converters[req.Format]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, req.Format)
	}
	data, err := s.load(ctx, req)
	if err != nil {
		return nil, err
	}
	doc, err := RenderIssueHTML(data)
	if err != nil {
		return nil, fmt.Errorf("render template: %w", err)
	}
	return convert(ctx, doc, html.UnescapeString(data.Issue.Title))
}

func (s *Service) load(ctx context.Context, req Request) (TemplateData, error) {
	issue, err := s.store.GetIssue(ctx, req.IssueID)
	if err != nil {
		return TemplateData{}, fmt.Errorf("get issue: %w", err)
	}
	data := TemplateData{Issue: issue, GeneratedAt: s.now().UTC()}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		updates, err := s.store.ListUpdates(gctx, issue.ID)
		if err != nil {
			return fmt.Errorf("list updates: %w", err)
		}
		data.Updates = updates
		return nil
	})
	g.Go(func() error {
		solutions, err := s.store.ListSolutions(gctx, issue.ID)
		if err != nil {
			return fmt.Errorf("list solutions: %w", err)
		}
		data.Solutions = solutions
		return nil
	})
	if req.IncludeComments {
		g.Go(func() error {
			comments, err := s.store.ListComments(gctx, issue.ID)
			if err != nil {
				return fmt.Errorf("list comments: %w", err)
			}
			data.Comments = comments
			return nil
		})
	}
	if issue.DepartmentID != nil {
		g.Go(func() error {
			dept, err := s.store.GetDepartment(gctx, *issue.DepartmentID)
			if err != nil {
				if store.IsNotFound(err) {
					return nil
				}
				return fmt.Errorf("get department: %w", err)
			}
			data.Department = dept.Name
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return TemplateData{}, err
	}
	return data, nil
}
