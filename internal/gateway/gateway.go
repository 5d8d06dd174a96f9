// Package gateway is the single dispatch point for model tool calls. It
// exposes a closed set of tools, validates every invocation against the
// safety policy, and sanitizes tool output before it reaches the model.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/felixgeelhaar/bolt/v3"

	"github.com/felixgeelhaar/insight/internal/guard"
	"github.com/felixgeelhaar/insight/internal/memory"
	"github.com/felixgeelhaar/insight/internal/provider"
	"github.com/felixgeelhaar/insight/internal/retrieval"
	"github.com/felixgeelhaar/insight/internal/warehouse"
)

const (
	ToolQuery       = "query"
	ToolRetrieve    = "retrieve"
	ToolLoadContext = "load_context"
	ToolSaveMemory  = "save_memory"
)

// Result is the outcome of one tool invocation. Errors are carried back to
// the model as content rather than aborting the response.
type Result struct {
	Tool    string
	Content string
	Summary string
	IsError bool
}

// Gateway validates and executes tool calls.
type Gateway struct {
	guard     *guard.Guard
	engine    warehouse.Engine
	retriever *retrieval.Retriever
	memories  *memory.Manager
	log       *bolt.Logger
}

// New returns a Gateway over the given backends.
func New(g *guard.Guard, engine warehouse.Engine, retriever *retrieval.Retriever, memories *memory.Manager, log *bolt.Logger) *Gateway {
	return &Gateway{
		guard:     g,
		engine:    engine,
		retriever: retriever,
		memories:  memories,
		log:       log,
	}
}

// Declarations returns the tool schemas advertised to the model.
func (g *Gateway) Declarations() []provider.ToolDecl {
	return []provider.ToolDecl{
		{
			Name:        ToolQuery,
			Description: "Run a read-only SQL query against the analytics warehouse. Use for questions about business data: revenue, orders, customers, usage. Only SELECT statements are accepted.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"sql": map[string]any{
						"type":        "string",
						"description": "A single read-only SQL SELECT statement.",
					},
				},
				"required": []string{"sql"},
			},
		},
		{
			Name:        ToolRetrieve,
			Description: "Search the company knowledge base for definitions, metric methodology, and documentation. Use when a question depends on how a metric or term is defined.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"query": map[string]any{
						"type":        "string",
						"description": "Natural-language search query.",
					},
					"top_k": map[string]any{
						"type":        "integer",
						"description": "How many passages to return.",
					},
				},
				"required": []string{"query"},
			},
		},
		{
			Name:        ToolLoadContext,
			Description: "Load the user's stored memory: their preferences, saved findings, and summaries of recent sessions. Use when the user refers to earlier work or asks what you remember.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"section": map[string]any{
						"type":        "string",
						"description": "Which part of memory to load.",
						"enum":        []string{"all", "preferences", "findings", "sessions"},
					},
				},
			},
		},
		{
			Name:        ToolSaveMemory,
			Description: "Save a durable fact for future sessions: a user preference or an analytical finding worth remembering. Saving under an existing key overwrites it.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"kind": map[string]any{
						"type":        "string",
						"description": "What is being saved.",
						"enum":        []string{"finding", "preference"},
					},
					"key": map[string]any{
						"type":        "string",
						"description": "Short identifier, letters, digits, underscore or hyphen.",
					},
					"value": map[string]any{
						"type":        "string",
						"description": "The fact to remember.",
					},
				},
				"required": []string{"kind", "key", "value"},
			},
		},
	}
}

func errorResult(tool, msg string) Result {
	return Result{Tool: tool, Content: msg, Summary: msg, IsError: true}
}

// Invoke runs one tool call on behalf of a user. Unknown tools and policy
// violations come back as error results for the model to recover from.
func (g *Gateway) Invoke(ctx context.Context, userID string, call provider.ToolCall) Result {
	g.log.Info().Str("tool", call.Name).Str("user", userID).Msg("tool invocation")

	var res Result
	switch call.Name {
	case ToolQuery:
		res = g.invokeQuery(ctx, call.Args)
	case ToolRetrieve:
		res = g.invokeRetrieve(ctx, call.Args)
	case ToolLoadContext:
		res = g.invokeLoadContext(userID, call.Args)
	case ToolSaveMemory:
		res = g.invokeSaveMemory(userID, call.Args)
	default:
		res = errorResult(call.Name, fmt.Sprintf("unknown tool %q", call.Name))
	}

	res.Content = Sanitize(res.Content)
	if res.IsError {
		g.log.Warn().Str("tool", call.Name).Str("error", res.Summary).Msg("tool invocation failed")
	}
	return res
}

type queryArgs struct {
	SQL string `json:"sql"`
}

func (g *Gateway) invokeQuery(ctx context.Context, rawArgs string) Result {
	var args queryArgs
	if err := json.Unmarshal([]byte(rawArgs), &args); err != nil {
		return errorResult(ToolQuery, "invalid query arguments: "+err.Error())
	}

	if v := g.guard.CheckStatement(args.SQL); v != nil {
		return errorResult(ToolQuery, "query rejected: "+v.Message)
	}
	if v := g.guard.CheckTables(args.SQL); v != nil {
		return errorResult(ToolQuery, "query rejected: "+v.Message)
	}

	estimate, err := g.engine.Estimate(args.SQL)
	if err != nil {
		return errorResult(ToolQuery, "query rejected: "+err.Error())
	}
	if v := g.guard.CheckCost(estimate); v != nil {
		return errorResult(ToolQuery, "query rejected: "+v.Message)
	}

	policy := g.guard.Policy()
	rs, err := g.engine.Execute(ctx, args.SQL, warehouse.Options{
		MaxRows: policy.MaxRows,
		Timeout: policy.QueryTimeout,
	})
	if err != nil {
		if ctx.Err() != nil || strings.Contains(err.Error(), "deadline") {
			return errorResult(ToolQuery, "query timed out")
		}
		return errorResult(ToolQuery, "query failed: "+err.Error())
	}

	return Result{
		Tool:    ToolQuery,
		Content: formatResultSet(rs),
		Summary: fmt.Sprintf("%d rows", len(rs.Rows)),
	}
}

func formatResultSet(rs *warehouse.ResultSet) string {
	var b strings.Builder
	b.WriteString(strings.Join(rs.Columns, " | "))
	b.WriteString("\n")
	for _, row := range rs.Rows {
		cells := make([]string, len(row))
		for i, v := range row {
			if v == nil {
				cells[i] = "NULL"
				continue
			}
			cells[i] = fmt.Sprintf("%v", v)
		}
		b.WriteString(strings.Join(cells, " | "))
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "(%d rows", len(rs.Rows))
	if rs.Truncated {
		b.WriteString(", truncated at row cap")
	}
	b.WriteString(")\n[source: warehouse]")
	return b.String()
}

type retrieveArgs struct {
	Query string `json:"query"`
	TopK  int    `json:"top_k"`
}

func (g *Gateway) invokeRetrieve(ctx context.Context, rawArgs string) Result {
	var args retrieveArgs
	if err := json.Unmarshal([]byte(rawArgs), &args); err != nil {
		return errorResult(ToolRetrieve, "invalid retrieve arguments: "+err.Error())
	}
	if strings.TrimSpace(args.Query) == "" {
		return errorResult(ToolRetrieve, "retrieve needs a non-empty query")
	}

	results, err := g.retriever.Search(ctx, args.Query, args.TopK)
	if err != nil {
		return errorResult(ToolRetrieve, "retrieval failed: "+err.Error())
	}
	if len(results) == 0 {
		return Result{
			Tool:    ToolRetrieve,
			Content: "No sufficiently relevant passages found.",
			Summary: "no results",
		}
	}

	var b strings.Builder
	for i, r := range results {
		fmt.Fprintf(&b, "[%d] %s\n[source: %s#%d, relevance %.2f]\n", i+1, r.Content, r.Source, r.Offset, r.Score)
	}
	return Result{
		Tool:    ToolRetrieve,
		Content: strings.TrimSpace(b.String()),
		Summary: fmt.Sprintf("%d passages", len(results)),
	}
}

type loadContextArgs struct {
	Section string `json:"section"`
}

func (g *Gateway) invokeLoadContext(userID, rawArgs string) Result {
	var args loadContextArgs
	if rawArgs != "" {
		if err := json.Unmarshal([]byte(rawArgs), &args); err != nil {
			return errorResult(ToolLoadContext, "invalid load_context arguments: "+err.Error())
		}
	}

	mem, err := g.memories.Get(userID)
	if err != nil {
		return errorResult(ToolLoadContext, "could not load memory: "+err.Error())
	}
	if mem.IsEmpty() {
		return Result{Tool: ToolLoadContext, Content: "No stored memory for this user.", Summary: "empty"}
	}

	var b strings.Builder
	section := args.Section
	if section == "" {
		section = "all"
	}
	if (section == "all" || section == "preferences") && len(mem.Preferences) > 0 {
		b.WriteString("Preferences:\n")
		for _, p := range mem.Preferences {
			fmt.Fprintf(&b, "- %s: %s\n", p.Key, p.Value)
		}
	}
	if (section == "all" || section == "findings") && len(mem.Findings) > 0 {
		b.WriteString("Findings:\n")
		for _, f := range mem.Findings {
			fmt.Fprintf(&b, "- %s: %s\n", f.Key, f.Value)
		}
	}
	if (section == "all" || section == "sessions") && len(mem.RecentSessions) > 0 {
		b.WriteString("Recent sessions:\n")
		for _, s := range mem.RecentSessions {
			fmt.Fprintf(&b, "- %s: %s\n", s.Date.Format("2006-01-02"), strings.Join(s.Topics, ", "))
		}
	}
	content := strings.TrimSpace(b.String())
	if content == "" {
		content = "No stored memory in that section."
	}
	return Result{Tool: ToolLoadContext, Content: content, Summary: "memory loaded"}
}

type saveMemoryArgs struct {
	Kind  string `json:"kind"`
	Key   string `json:"key"`
	Value string `json:"value"`
}

func (g *Gateway) invokeSaveMemory(userID, rawArgs string) Result {
	var args saveMemoryArgs
	if err := json.Unmarshal([]byte(rawArgs), &args); err != nil {
		return errorResult(ToolSaveMemory, "invalid save_memory arguments: "+err.Error())
	}

	if v := g.guard.CheckMemoryKey(args.Key); v != nil {
		return errorResult(ToolSaveMemory, "save rejected: "+v.Message)
	}
	if v := g.guard.CheckMemoryValue(args.Value); v != nil {
		return errorResult(ToolSaveMemory, "save rejected: "+v.Message)
	}

	var err error
	switch args.Kind {
	case "finding":
		err = g.memories.SaveFinding(userID, args.Key, args.Value)
	case "preference":
		err = g.memories.SavePreference(userID, args.Key, args.Value)
	default:
		return errorResult(ToolSaveMemory, fmt.Sprintf("unknown memory kind %q", args.Kind))
	}
	if err != nil {
		return errorResult(ToolSaveMemory, "save failed: "+err.Error())
	}
	return Result{
		Tool:    ToolSaveMemory,
		Content: fmt.Sprintf("Saved %s %q.", args.Kind, args.Key),
		Summary: fmt.Sprintf("saved %s %s", args.Kind, args.Key),
	}
}
