package commands

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dotcommander/ciris/internal/memoryservice"
	"github.com/dotcommander/ciris/internal/models"
	"github.com/dotcommander/ciris/internal/output"
)

// NewMemoryCmd groups graph memory verbs.
func NewMemoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "memory",
		Short: "Store, recall, search and forget graph memory",
	}
	cmd.AddCommand(newMemoryStoreCmd())
	cmd.AddCommand(newMemoryRecallCmd())
	cmd.AddCommand(newMemorySearchCmd())
	cmd.AddCommand(newMemoryForgetCmd())
	return cmd
}

func newMemoryStoreCmd() *cobra.Command {
	var (
		nodeID   string
		nodeType string
		scope    string
		attrs    string
	)

	cmd := &cobra.Command{
		Use:   "store",
		Short: "Memorize a graph node",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if nodeID == "" {
				return cmdErr(fmt.Errorf("--id is required"))
			}
			var attributes map[string]any
			if attrs != "" {
				if err := json.Unmarshal([]byte(attrs), &attributes); err != nil {
					return cmdErr(fmt.Errorf("invalid --attrs JSON: %w", err))
				}
			}
			var result models.MemoryOpResult
			if err := withDB(func(db *DB) error {
				svc := memoryservice.New(db, "operator")
				result = svc.Memorize(context.Background(), &models.GraphNode{
					ID:         nodeID,
					Type:       models.NodeType(nodeType),
					Scope:      models.GraphScope(scope),
					Attributes: attributes,
					UpdatedBy:  "operator",
				})
				if result.Status != models.MemoryOpOK {
					return fmt.Errorf("memorize failed: %s", result.Reason)
				}
				return nil
			}); err != nil {
				return err
			}
			return output.PrintSuccess(result)
		},
	}
	cmd.Flags().StringVar(&nodeID, "id", "", "Node ID (required)")
	cmd.Flags().StringVar(&nodeType, "type", string(models.NodeTypeConcept), "Node type")
	cmd.Flags().StringVar(&scope, "scope", string(models.ScopeLocal), "Graph scope")
	cmd.Flags().StringVar(&attrs, "attrs", "", "Attributes JSON object")
	cmd.Annotations = map[string]string{"mutates": "true"}
	return cmd
}

func newMemoryRecallCmd() *cobra.Command {
	var (
		nodeID   string
		nodeType string
		scope    string
		edges    bool
		depth    int
	)

	cmd := &cobra.Command{
		Use:   "recall",
		Short: "Recall nodes by id (\"*\" with --type for wildcard)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if nodeID == "" {
				return cmdErr(fmt.Errorf("--id is required"))
			}
			var nodes []*models.GraphNode
			if err := withDB(func(db *DB) error {
				svc := memoryservice.New(db, "operator")
				var err error
				nodes, err = svc.Recall(context.Background(), models.MemoryQuery{
					NodeID:       nodeID,
					Type:         models.NodeType(nodeType),
					Scope:        models.GraphScope(scope),
					IncludeEdges: edges,
					Depth:        depth,
				})
				return err
			}); err != nil {
				return err
			}
			return output.PrintSuccess(nodes)
		},
	}
	cmd.Flags().StringVar(&nodeID, "id", "", "Node ID or \"*\" (required)")
	cmd.Flags().StringVar(&nodeType, "type", "", "Node type (required for wildcard)")
	cmd.Flags().StringVar(&scope, "scope", string(models.ScopeLocal), "Graph scope")
	cmd.Flags().BoolVar(&edges, "edges", false, "Include connected nodes")
	cmd.Flags().IntVar(&depth, "depth", 1, "Edge traversal depth (1-10)")
	return cmd
}

func newMemorySearchCmd() *cobra.Command {
	var (
		query    string
		nodeType string
		scope    string
	)

	cmd := &cobra.Command{
		Use:   "search",
		Short: "Search nodes by text",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if query == "" {
				return cmdErr(fmt.Errorf("--query is required"))
			}
			var nodes []*models.GraphNode
			if err := withDB(func(db *DB) error {
				svc := memoryservice.New(db, "operator")
				var err error
				nodes, err = svc.Search(context.Background(), query, models.GraphScope(scope), models.NodeType(nodeType))
				return err
			}); err != nil {
				return err
			}
			return output.PrintSuccess(nodes)
		},
	}
	cmd.Flags().StringVar(&query, "query", "", "Search text (required)")
	cmd.Flags().StringVar(&nodeType, "type", "", "Node type filter")
	cmd.Flags().StringVar(&scope, "scope", string(models.ScopeLocal), "Graph scope")
	return cmd
}

func newMemoryForgetCmd() *cobra.Command {
	var (
		nodeID string
		scope  string
		reason string
	)

	cmd := &cobra.Command{
		Use:   "forget",
		Short: "Remove a node (reason required, audited)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if nodeID == "" {
				return cmdErr(fmt.Errorf("--id is required"))
			}
			if reason == "" {
				return cmdErr(fmt.Errorf("--reason is required"))
			}
			var result models.MemoryOpResult
			if err := withDB(func(db *DB) error {
				svc := memoryservice.New(db, "operator")
				result = svc.Forget(context.Background(), nodeID, models.GraphScope(scope), reason)
				if result.Status != models.MemoryOpOK {
					return fmt.Errorf("forget failed: %s", result.Reason)
				}
				return nil
			}); err != nil {
				return err
			}
			return output.PrintSuccess(result)
		},
	}
	cmd.Flags().StringVar(&nodeID, "id", "", "Node ID (required)")
	cmd.Flags().StringVar(&scope, "scope", string(models.ScopeLocal), "Graph scope")
	cmd.Flags().StringVar(&reason, "reason", "", "Auditable reason (required)")
	cmd.Annotations = map[string]string{"mutates": "true"}
	return cmd
}
