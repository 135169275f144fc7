package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/H1yori233/innoweaver/internal/capability"
	"github.com/H1yori233/innoweaver/internal/logger"
	"github.com/H1yori233/innoweaver/internal/task"
)

const (
	maxRequirementTerms = 4
	unknownTargetUser   = "null"
	keySolutions        = "solutions"
)

func (e *Engine) definitions(drawingDeadline time.Duration) []Definition {
	return []Definition{
		{
			Stage:      StageInitialize,
			Progress:   task.ProgressInitialized,
			FailStatus: "Initialize step failed",
			Run:        e.runInitialize,
		},
		{
			Stage:      StageRAG,
			Requires:   []string{task.KeyQueryAnalysis},
			Progress:   task.ProgressRetrieved,
			FailStatus: "RAG step failed",
			Run:        e.runRAG,
		},
		{
			Stage:      StagePaper,
			Progress:   task.ProgressRetrieved,
			FailStatus: "Paper step failed",
			Run:        e.runPaper,
		},
		{
			Stage:      StageExample,
			Progress:   task.ProgressExamplesAdded,
			FailStatus: "Example step failed",
			Run:        e.runExample,
		},
		{
			Stage:      StageDomain,
			Requires:   []string{task.KeyRAGResults, task.KeyQueryAnalysis},
			Progress:   task.ProgressDomain,
			FailStatus: "Domain step failed",
			Run:        e.runDomain,
		},
		{
			Stage:      StageInterdisciplinary,
			Requires:   []string{task.KeySolution},
			Progress:   task.ProgressInterdisciplinary,
			FailStatus: "Interdisciplinary step failed",
			Run:        e.runInterdisciplinary,
		},
		{
			Stage:      StageEvaluation,
			Requires:   []string{task.KeySolution},
			Progress:   task.ProgressEvaluated,
			FailStatus: "Evaluation step failed",
			Run:        e.runEvaluation,
		},
		{
			Stage:      StageDrawing,
			Requires:   []string{task.KeyFinalSolution},
			Progress:   task.ProgressComplete,
			FailStatus: "Drawing step failed",
			Deadline:   drawingDeadline,
			Run:        e.runDrawing,
		},
		{
			Stage:      StageFinal,
			Progress:   task.ProgressComplete,
			FailStatus: "Final step failed",
			Run:        e.runFinal,
		},
	}
}

func (e *Engine) runInitialize(_ context.Context, sc *StageContext) (*StageOutput, error) {
	if sc.Input.Analysis == nil {
		return nil, fmt.Errorf("%w: data must be a query analysis object", ErrInvalidInput)
	}
	analysis := sc.Input.Analysis.Clone()
	query := analysis.String("Query")

	return &StageOutput{
		Status: "Task started",
		Partial: &task.Result{
			Query:         &query,
			QueryAnalysis: analysis,
		},
	}, nil
}

func (e *Engine) runRAG(ctx context.Context, sc *StageContext) (*StageOutput, error) {
	terms := requirementTerms(sc.Result.QueryAnalysis, sc.Result.QueryText())

	hits, err := e.searcher.Search(ctx, terms)
	if err != nil {
		return nil, fmt.Errorf("search failed: %w", err)
	}

	return &StageOutput{
		Status:  "RAG search completed",
		Partial: &task.Result{RAGResults: &task.RAGResults{Hits: hits}},
	}, nil
}

func (e *Engine) runPaper(ctx context.Context, sc *StageContext) (*StageOutput, error) {
	if len(sc.Input.IDs) == 0 {
		return nil, fmt.Errorf("%w: paper_ids is required", ErrInvalidInput)
	}

	hits, err := e.lookupAll(ctx, sc.Input.IDs, "paper_id", e.papers.LookupPaper)
	if err != nil {
		return nil, err
	}

	return &StageOutput{
		Status:  "Paper processing completed",
		Partial: &task.Result{RAGResults: &task.RAGResults{Hits: hits}},
	}, nil
}

func (e *Engine) runExample(ctx context.Context, sc *StageContext) (*StageOutput, error) {
	hits, err := e.lookupAll(ctx, sc.Input.IDs, "solution_id", e.solutions.LookupSolution)
	if err != nil {
		return nil, err
	}

	return &StageOutput{
		Status: "Example solutions added",
		Extend: func(r *task.Result) {
			if r.RAGResults == nil {
				r.RAGResults = &task.RAGResults{}
			}
			if r.RAGResults.Hits == nil {
				r.RAGResults.Hits = []task.Document{}
			}
			r.RAGResults.Hits = append(r.RAGResults.Hits, hits...)
		},
	}, nil
}

// lookupAll fetches documents in parallel, keeping input order. Missing
// documents are skipped; any other failure fails the whole lookup.
func (e *Engine) lookupAll(ctx context.Context, ids []string, idKey string, lookup func(context.Context, string) (task.Document, error)) ([]task.Document, error) {
	docs := make([]task.Document, len(ids))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.concurrency)
	for i, id := range ids {
		g.Go(func() error {
			doc, err := lookup(gctx, id)
			if errors.Is(err, capability.ErrNotFound) {
				e.logger.Warn("Document not found, skipping", logger.Fields{
					idKey: id,
				})
				return nil
			}
			if err != nil {
				return fmt.Errorf("lookup %s %s: %w", idKey, id, err)
			}
			docs[i] = task.Document{idKey: id, "content": doc}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	hits := make([]task.Document, 0, len(docs))
	for _, d := range docs {
		if d != nil {
			hits = append(hits, d)
		}
	}
	return hits, nil
}

func (e *Engine) runDomain(ctx context.Context, sc *StageContext) (*StageOutput, error) {
	content := fmt.Sprintf("Query Analysis Result: %s\nRAG Results: %s",
		toJSON(sc.Result.QueryAnalysis), toJSON(sc.Result.RAGResults))

	solution, err := e.expert(ctx, sc, PromptDomainExpert, content)
	if err != nil {
		return nil, err
	}

	return &StageOutput{
		Status:  "Domain expert completed",
		Partial: &task.Result{Solution: solution},
		Reply:   solution,
	}, nil
}

func (e *Engine) runInterdisciplinary(ctx context.Context, sc *StageContext) (*StageOutput, error) {
	content := fmt.Sprintf("Query Analysis Result: %s\nSolution: %s",
		toJSON(sc.Result.QueryAnalysis), toJSON(sc.Result.Solution))

	solution, err := e.expert(ctx, sc, PromptInterdisciplinary, content)
	if err != nil {
		return nil, err
	}

	return &StageOutput{
		Status:  "Interdisciplinary expert completed",
		Partial: &task.Result{Solution: solution},
		Reply:   solution,
	}, nil
}

func (e *Engine) runEvaluation(ctx context.Context, sc *StageContext) (*StageOutput, error) {
	content := fmt.Sprintf("Query Analysis Result: %s\nSolution: %s",
		toJSON(sc.Result.QueryAnalysis), toJSON(sc.Result.Solution))

	solution, err := e.expert(ctx, sc, PromptPracticalEvaluate, content)
	if err != nil {
		return nil, err
	}

	return &StageOutput{
		Status: "Evaluation completed",
		Partial: &task.Result{
			Solution:      solution,
			FinalSolution: solution.Clone(),
		},
		Reply: solution,
	}, nil
}

// expert runs one system-prompted completion with the caller's credentials
func (e *Engine) expert(ctx context.Context, sc *StageContext, prompt, content string) (task.Document, error) {
	reply, err := e.llm.Complete(ctx, capability.CompletionRequest{
		Messages: []capability.Message{
			{Role: capability.RoleSystem, Content: e.prompts.Prompt(prompt)},
			{Role: capability.RoleUser, Content: content},
		},
		Credentials: sc.Caller.Credentials,
	})
	if err != nil {
		return nil, fmt.Errorf("completion failed: %w", err)
	}
	return task.ParseLLMContent(reply), nil
}

func (e *Engine) runDrawing(ctx context.Context, sc *StageContext) (*StageOutput, error) {
	final := sc.Result.FinalSolution.Clone()
	solutions, ok := final.Items(keySolutions)
	if !ok {
		return nil, ErrNoSolutions
	}
	targetUser := sc.Result.QueryAnalysis.StringOr("Target User", unknownTargetUser)

	n := len(solutions)
	for i, sol := range solutions {
		status := fmt.Sprintf("Generating image %d/%d...", i+1, n)
		progress := drawingProgress(i, n)
		if err := sc.Report(ctx, status, progress); err != nil {
			return nil, fmt.Errorf("failed to report drawing progress: %w", err)
		}

		prompt := drawingPrompt(sol.String("Technical Method"), targetUser, sol.String("Possible Results"))
		url, name, err := e.drawOne(ctx, prompt)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			e.logger.Warn("Skipping image for solution", logger.Fields{
				"task_id": sc.TaskID,
				"index":   i,
				"error":   err,
			})
			continue
		}
		sol["image_url"] = url
		sol["image_name"] = name
	}
	final[keySolutions] = solutions

	return &StageOutput{
		Status:  "Image generation completed",
		Partial: &task.Result{FinalSolution: final},
		Reply:   final,
	}, nil
}

// drawingProgress spreads n items over the drawing band. Every item moves
// the value while n fits the band; past that, neighbours share a value.
func drawingProgress(i, n int) int {
	band := task.ProgressComplete - task.ProgressDrawingStart
	return task.ProgressDrawingStart + i*band/n
}

func (e *Engine) drawOne(ctx context.Context, prompt string) (string, string, error) {
	tmpURL, err := e.images.Generate(ctx, prompt)
	if err != nil {
		return "", "", fmt.Errorf("generate: %w", err)
	}
	url, name, err := e.uploader.Upload(ctx, tmpURL)
	if err != nil {
		return "", "", fmt.Errorf("upload: %w", err)
	}
	return url, name, nil
}

func (e *Engine) runFinal(_ context.Context, sc *StageContext) (*StageOutput, error) {
	body := task.Document(sc.Result.Fields())

	var solutions any = []any{}
	for _, doc := range []task.Document{sc.Result.FinalSolution, sc.Result.Solution} {
		if v, ok := doc[keySolutions]; ok && v != nil {
			solutions = v
			break
		}
	}
	body[keySolutions] = solutions

	return &StageOutput{
		Status: "Task completed",
		Body:   body,
	}, nil
}

// requirementTerms joins the first requirements of the analysis into a
// search string, falling back to the query
func requirementTerms(analysis task.Document, query string) string {
	switch req := analysis["Requirement"].(type) {
	case string:
		if req != "" {
			return req
		}
	case []any:
		terms := make([]string, 0, maxRequirementTerms)
		for _, it := range req {
			if len(terms) == maxRequirementTerms {
				break
			}
			if s, ok := it.(string); ok && s != "" {
				terms = append(terms, s)
			}
		}
		if len(terms) > 0 {
			return strings.Join(terms, " ")
		}
	}
	return query
}

func toJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(data)
}
