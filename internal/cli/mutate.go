package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/annometa/internal/attr"
	"github.com/roach88/annometa/internal/fault"
	"github.com/roach88/annometa/internal/mutation"
)

// MutateOptions holds flags for the mutate command.
type MutateOptions struct {
	*RootOptions
	TypeID    int64
	Attribute string
	Dtype     string
	Rename    string
}

// MutateResult reports the entity type after a mutation.
type MutateResult struct {
	Type      SchemaType `json:"type"`
	Attribute string     `json:"attribute"`
	Dtype     attr.Dtype `json:"dtype"`
}

// NewMutateCommand creates the mutate command.
func NewMutateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &MutateOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "mutate",
		Short: "Convert an attribute to another dtype or rename it",
		Long: `Convert one attribute of an entity type and every stored value of it.

Allowed conversions: bool, int, float, enum, datetime to string; int to float.
If any live record cannot be converted, nothing changes and the records are
listed (exit code 1).

Example:
  annometa mutate --type 3 --attribute 'Int Test' --dtype float
  annometa mutate --type 3 --attribute 'Bool Test' --dtype string --rename 'Flag'`,
		Args: usage(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMutate(opts, cmd)
		},
	}

	cmd.Flags().Int64Var(&opts.TypeID, "type", 0, "entity type id (required)")
	cmd.Flags().StringVar(&opts.Attribute, "attribute", "", "attribute name (required)")
	cmd.Flags().StringVar(&opts.Dtype, "dtype", "", "target dtype; defaults to the current one")
	cmd.Flags().StringVar(&opts.Rename, "rename", "", "new attribute name")
	_ = cmd.MarkFlagRequired("type")
	_ = cmd.MarkFlagRequired("attribute")

	return cmd
}

func runMutate(opts *MutateOptions, cmd *cobra.Command) error {
	out := formatter(opts.RootOptions, cmd)
	a, err := openApp(cmd.Context(), opts.RootOptions)
	if err != nil {
		return err
	}
	defer a.Close()

	et, err := a.service.EntityType(cmd.Context(), opts.TypeID)
	if err != nil {
		return out.Fail("mutate", err)
	}
	current, ok := et.Lookup(opts.Attribute)
	if !ok {
		return out.Fail("mutate", fault.NotFound.New("entity type %d has no attribute %q", et.ID, opts.Attribute))
	}
	next, err := mutation.Retarget(current, attr.Dtype(opts.Dtype))
	if err != nil {
		return out.Fail("mutate", err)
	}
	if opts.Rename != "" {
		next.Name = opts.Rename
	}

	updated, err := a.service.MutateAttribute(cmd.Context(), mutation.Request{
		TypeID:     et.ID,
		Attribute:  current.Name,
		Definition: next,
		Actor:      opts.Actor,
	})
	if err != nil {
		return out.Fail(fmt.Sprintf("mutate %q", current.Name), err)
	}
	res := MutateResult{Type: summarize(updated), Attribute: next.Name, Dtype: next.Dtype}
	return out.Success(res, fmt.Sprintf("✓ %s v%d: %q is now %s", updated.Name, updated.Version, next.Name, next.Dtype))
}
