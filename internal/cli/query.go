package cli

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/annometa/internal/attr"
	"github.com/roach88/annometa/internal/fault"
	"github.com/roach88/annometa/internal/queryir"
	"github.com/roach88/annometa/internal/querysql"
)

// QueryOptions holds flags for the query command.
type QueryOptions struct {
	*RootOptions
	Project int64
	Params  string
	Explain bool
	Count   bool
}

// QueryRow is one listed entity.
type QueryRow struct {
	ID         int64          `json:"id"`
	Name       string         `json:"name"`
	SubKind    attr.SubKind   `json:"sub_kind"`
	TypeID     int64          `json:"type"`
	Attributes map[string]any `json:"attributes"`
}

// QueryResult is the output of a run query.
type QueryResult struct {
	Total    int64      `json:"total"`
	Entities []QueryRow `json:"entities,omitempty"`
}

// Explanation is the compiled form of a query.
type Explanation struct {
	Plan json.RawMessage `json:"plan"`
	SQL  string          `json:"sql"`
	Args []any           `json:"args"`
}

// NewQueryCommand creates the query command.
func NewQueryCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &QueryOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "query <kind>",
		Short: "Run or explain a filter query",
		Long: `Compile filter parameters for one entity kind (media, localization,
state or leaf) and run them against the search index.

Example:
  annometa query media --project 1 --params 'attribute_gt=Int Test::400&stop=50'
  annometa query media --project 1 --params 'name=a.mp4&attribute_contains=String Test::asdf' --explain`,
		Args: usage(cobra.ExactArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runQuery(opts, attr.Kind(args[0]), cmd)
		},
	}

	cmd.Flags().Int64Var(&opts.Project, "project", 0, "project id (required)")
	cmd.Flags().StringVar(&opts.Params, "params", "", "URL-encoded filter parameters")
	cmd.Flags().BoolVar(&opts.Explain, "explain", false, "print the compiled plan and SQL instead of running")
	cmd.Flags().BoolVar(&opts.Count, "count", false, "print only the number of matches")
	_ = cmd.MarkFlagRequired("project")

	return cmd
}

func parseParams(raw string) (url.Values, error) {
	values, err := url.ParseQuery(raw)
	if err != nil {
		return nil, fault.BadQuery.New("params: %v", err)
	}
	return values, nil
}

func runQuery(opts *QueryOptions, kind attr.Kind, cmd *cobra.Command) error {
	out := formatter(opts.RootOptions, cmd)
	if !kind.Valid() {
		return out.Fail("query", fault.BadQuery.New("unknown kind %q", kind))
	}
	params, err := parseParams(opts.Params)
	if err != nil {
		return out.Fail("query", err)
	}

	a, err := openApp(cmd.Context(), opts.RootOptions)
	if err != nil {
		return err
	}
	defer a.Close()

	if opts.Explain {
		return explain(out, a, opts.Project, kind, params)
	}
	if opts.Count {
		total, err := a.service.Count(cmd.Context(), opts.Project, kind, params)
		if err != nil {
			return out.Fail("query", err)
		}
		return out.Success(QueryResult{Total: total}, fmt.Sprint(total))
	}

	res, err := a.service.List(cmd.Context(), opts.Project, kind, params)
	if err != nil {
		return out.Fail("query", err)
	}
	result := QueryResult{Total: res.Total, Entities: make([]QueryRow, len(res.Entities))}
	var b strings.Builder
	for i, e := range res.Entities {
		result.Entities[i] = QueryRow{
			ID:         e.ID,
			Name:       e.Name,
			SubKind:    e.SubKind,
			TypeID:     e.TypeID,
			Attributes: e.Attributes.Natives(),
		}
		fmt.Fprintf(&b, "%d\t%s\t%s\n", e.ID, e.SubKind, e.Name)
	}
	fmt.Fprintf(&b, "(%d of %d)", len(res.Entities), res.Total)
	return out.Success(result, b.String())
}

func explain(out *OutputFormatter, a *app, project int64, kind attr.Kind, params url.Values) error {
	plan, err := a.service.Plan(project, kind, params)
	if err != nil {
		return out.Fail("query", err)
	}
	planJSON, err := queryir.MarshalPlan(plan)
	if err != nil {
		return out.Fail("encode plan", err)
	}
	q, err := querysql.NewSQLCompiler().Select(plan)
	if err != nil {
		return out.Fail("compile sql", err)
	}
	ex := Explanation{Plan: planJSON, SQL: q.SQL, Args: q.Args}
	return out.Success(ex, fmt.Sprintf("plan: %s\nsql:  %s\nargs: %v", planJSON, q.SQL, q.Args))
}
