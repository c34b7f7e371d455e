package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/nimburion/tenantstore/pkg/document"
	"github.com/nimburion/tenantstore/pkg/observability/logger"
	"github.com/nimburion/tenantstore/pkg/provider"
	"github.com/nimburion/tenantstore/pkg/tenant"
)

var errTargetRequired = errors.New("either an id argument or --filter is required")

type docTarget struct {
	provider   string
	tenant     string
	collection string
}

func newDocCommand(opts Options, open openFunc) *cobra.Command {
	var target docTarget
	docCmd := &cobra.Command{
		Use:   "doc",
		Short: "Tenant-scoped document operations",
		Long: "Run one accessor operation against a configured provider. Documents and filters are\n" +
			"MongoDB extended JSON; results are printed as relaxed extended JSON.",
	}
	flags := docCmd.PersistentFlags()
	flags.StringVarP(&target.provider, "provider", "p", "", "provider name")
	flags.StringVarP(&target.tenant, "tenant", "t", "", "tenant (database) name")
	flags.StringVar(&target.collection, "collection", "", "collection name")
	_ = docCmd.MarkPersistentFlagRequired("provider")
	_ = docCmd.MarkPersistentFlagRequired("tenant")
	_ = docCmd.MarkPersistentFlagRequired("collection")

	run := func(cmd *cobra.Command, fn func(context.Context, *tenant.Accessor) (any, error)) error {
		s, ctx, err := open(cmd)
		if err != nil {
			return err
		}
		defer s.close(ctx)
		ctx = logger.ContextWithTenant(ctx, target.tenant)

		reg, err := configureRegistry(ctx, s, opts.Factories, []string{target.provider})
		if err != nil {
			return err
		}
		defer func() {
			if closeErr := reg.Close(); closeErr != nil {
				s.log.Error("failed to close providers", "error", closeErr)
			}
		}()

		accessor, ok := provider.Lookup[*tenant.Accessor](reg, target.provider)
		if !ok {
			return fmt.Errorf("provider %q does not serve documents", target.provider)
		}
		result, err := fn(ctx, accessor)
		if err != nil {
			return err
		}
		return writeExtJSON(cmd.OutOrStdout(), result)
	}

	var (
		filterJSON     string
		page, limit    int64
		docJSON        string
		setJSON        string
		returnOriginal bool
	)

	findCmd := &cobra.Command{
		Use:   "find",
		Short: "List one page of matching documents, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			filter, err := parseFilter(filterJSON)
			if err != nil {
				return err
			}
			return run(cmd, func(ctx context.Context, a *tenant.Accessor) (any, error) {
				return a.Find(ctx, target.tenant, target.collection, tenant.Query{Filter: filter, Page: page, Limit: limit})
			})
		},
	}
	findCmd.Flags().StringVar(&filterJSON, "filter", "", "filter document")
	findCmd.Flags().Int64Var(&page, "page", tenant.DefaultPage, "page number, starting at 1")
	findCmd.Flags().Int64Var(&limit, "limit", tenant.DefaultLimit, "documents per page")

	getCmd := &cobra.Command{
		Use:   "get <id>",
		Short: "Print the document with the given id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, func(ctx context.Context, a *tenant.Accessor) (any, error) {
				return a.FindByID(ctx, target.tenant, target.collection, args[0])
			})
		},
	}

	insertCmd := &cobra.Command{
		Use:   "insert",
		Short: "Insert a document and print its id",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			doc, err := parseDocument(docJSON)
			if err != nil {
				return err
			}
			return run(cmd, func(ctx context.Context, a *tenant.Accessor) (any, error) {
				return a.Insert(ctx, target.tenant, target.collection, doc)
			})
		},
	}
	insertCmd.Flags().StringVar(&docJSON, "doc", "", "document to insert")
	_ = insertCmd.MarkFlagRequired("doc")

	updateCmd := &cobra.Command{
		Use:   "update [id]",
		Short: "Set fields on the first matching document",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			filter, err := targetFilter(args, filterJSON)
			if err != nil {
				return err
			}
			payload, err := parseDocument(setJSON)
			if err != nil {
				return err
			}
			return run(cmd, func(ctx context.Context, a *tenant.Accessor) (any, error) {
				if len(args) == 1 {
					return a.FindByIDAndUpdate(ctx, target.tenant, target.collection, args[0], payload, returnOriginal)
				}
				return a.Update(ctx, target.tenant, target.collection, filter, payload, returnOriginal)
			})
		},
	}
	updateCmd.Flags().StringVar(&filterJSON, "filter", "", "filter document, instead of an id")
	updateCmd.Flags().StringVar(&setJSON, "set", "", "fields to set")
	updateCmd.Flags().BoolVar(&returnOriginal, "return-original", false, "print the document as it was before the update")
	_ = updateCmd.MarkFlagRequired("set")

	removeCmd := &cobra.Command{
		Use:   "remove [id]",
		Short: "Delete the first matching document and print it",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			filter, err := targetFilter(args, filterJSON)
			if err != nil {
				return err
			}
			return run(cmd, func(ctx context.Context, a *tenant.Accessor) (any, error) {
				if len(args) == 1 {
					return a.FindByIDAndRemove(ctx, target.tenant, target.collection, args[0])
				}
				return a.Remove(ctx, target.tenant, target.collection, filter)
			})
		},
	}
	removeCmd.Flags().StringVar(&filterJSON, "filter", "", "filter document, instead of an id")

	docCmd.AddCommand(findCmd, getCmd, insertCmd, updateCmd, removeCmd)
	return docCmd
}

// targetFilter enforces exactly one of an id argument or a filter.
func targetFilter(args []string, filterJSON string) (document.Filter, error) {
	switch {
	case len(args) == 1 && filterJSON != "":
		return nil, errors.New("an id argument and --filter are mutually exclusive")
	case len(args) == 1:
		return nil, nil
	case filterJSON == "":
		return nil, errTargetRequired
	}
	return parseFilter(filterJSON)
}

func parseFilter(raw string) (document.Filter, error) {
	if raw == "" {
		return document.Filter{}, nil
	}
	m, err := parseExtJSON(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid filter: %w", err)
	}
	return document.Filter(m), nil
}

func parseDocument(raw string) (document.Document, error) {
	m, err := parseExtJSON(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid document: %w", err)
	}
	return document.Document(m), nil
}

func parseExtJSON(raw string) (bson.M, error) {
	var m bson.M
	if err := bson.UnmarshalExtJSON([]byte(raw), false, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// writeExtJSON prints v as indented relaxed extended JSON; absent documents print null.
func writeExtJSON(w io.Writer, v any) error {
	if doc, ok := v.(document.Document); ok && doc == nil {
		_, err := fmt.Fprintln(w, "null")
		return err
	}
	data, err := bson.MarshalExtJSON(v, false, false)
	if err != nil {
		return fmt.Errorf("marshal output: %w", err)
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, data, "", "  "); err != nil {
		return fmt.Errorf("format output: %w", err)
	}
	buf.WriteByte('\n')
	_, err = buf.WriteTo(w)
	return err
}
