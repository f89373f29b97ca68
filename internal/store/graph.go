package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dotcommander/ciris/internal/models"
)

const nodeColumns = `node_id, scope, node_type, attributes_json, version, updated_by, updated_at, created_at`
const edgeColumns = `edge_id, source_node_id, target_node_id, scope, relationship, weight, attributes_json, created_at`

// UpsertNode stores a graph node. Node ids are stable: writing an existing
// (id, scope) pair updates attributes in place and increments version;
// created_at is preserved from the first write.
func UpsertNode(db *sql.DB, node *models.GraphNode) error {
	if node.ID == "" {
		return errors.New("node id is required")
	}
	if node.Scope == "" {
		node.Scope = models.ScopeLocal
	}
	attrs := node.Attributes
	if attrs == nil {
		attrs = map[string]any{}
	}
	attrsJSON, err := json.Marshal(attrs)
	if err != nil {
		return fmt.Errorf("failed to encode node attributes: %w", err)
	}

	now := time.Now().UTC()
	return Transact(db, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(context.Background(), `
			UPDATE graph_nodes
			SET node_type = ?, attributes_json = ?, version = version + 1, updated_by = ?, updated_at = ?
			WHERE node_id = ? AND scope = ?
		`, node.Type, string(attrsJSON), node.UpdatedBy, now, node.ID, node.Scope)
		if err != nil {
			return fmt.Errorf("failed to update node: %w", err)
		}
		ra, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if ra > 0 {
			return tx.QueryRowContext(context.Background(),
				`SELECT version, created_at FROM graph_nodes WHERE node_id = ? AND scope = ?`,
				node.ID, node.Scope).Scan(&node.Version, &node.CreatedAt)
		}

		node.Version = 1
		node.CreatedAt = now
		node.UpdatedAt = now
		if _, err := tx.ExecContext(context.Background(), `
			INSERT INTO graph_nodes (node_id, scope, node_type, attributes_json, version, updated_by, updated_at, created_at)
			VALUES (?, ?, ?, ?, 1, ?, ?, ?)
		`, node.ID, node.Scope, node.Type, string(attrsJSON), node.UpdatedBy, now, now); err != nil {
			return fmt.Errorf("failed to insert node: %w", err)
		}
		return nil
	})
}

// GetNode loads a node by (id, scope). Returns models.ErrNotFound when missing.
func GetNode(db *sql.DB, nodeID string, scope models.GraphScope) (*models.GraphNode, error) {
	var node *models.GraphNode
	err := RetryWithBackoff(func() error {
		row := db.QueryRowContext(context.Background(),
			`SELECT `+nodeColumns+` FROM graph_nodes WHERE node_id = ? AND scope = ?`, nodeID, scope)
		n, scanErr := scanNodeRow(row)
		if scanErr != nil {
			return scanErr
		}
		node = n
		return nil
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("node %s: %w", nodeID, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get node: %w", err)
	}
	return node, nil
}

// NodesByType returns nodes of a type within a scope, newest-first.
func NodesByType(db *sql.DB, nodeType models.NodeType, scope models.GraphScope, limit int) ([]*models.GraphNode, error) {
	if limit <= 0 {
		limit = 100
	}
	var nodes []*models.GraphNode
	err := RetryWithBackoff(func() error {
		rows, err := db.QueryContext(context.Background(),
			`SELECT `+nodeColumns+` FROM graph_nodes WHERE node_type = ? AND scope = ? ORDER BY updated_at DESC LIMIT ?`,
			nodeType, scope, limit)
		if err != nil {
			return err
		}
		defer func() { _ = rows.Close() }()

		nodes = nodes[:0]
		for rows.Next() {
			n, scanErr := scanNodeRow(rows)
			if scanErr != nil {
				return scanErr
			}
			nodes = append(nodes, n)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("nodes by type: %w", err)
	}
	return nodes, nil
}

// SearchNodes matches nodes whose id or attributes contain the query text,
// with optional scope and type filters. Newest-first.
func SearchNodes(db *sql.DB, query string, scope models.GraphScope, nodeType models.NodeType, limit int) ([]*models.GraphNode, error) {
	if limit <= 0 {
		limit = 50
	}
	sqlQuery := `SELECT ` + nodeColumns + ` FROM graph_nodes WHERE (node_id LIKE ? OR attributes_json LIKE ?)`
	pattern := "%" + query + "%"
	args := []any{pattern, pattern}
	if scope != "" {
		sqlQuery += ` AND scope = ?`
		args = append(args, scope)
	}
	if nodeType != "" {
		sqlQuery += ` AND node_type = ?`
		args = append(args, nodeType)
	}
	sqlQuery += ` ORDER BY updated_at DESC LIMIT ?`
	args = append(args, limit)

	var nodes []*models.GraphNode
	err := RetryWithBackoff(func() error {
		rows, err := db.QueryContext(context.Background(), sqlQuery, args...)
		if err != nil {
			return err
		}
		defer func() { _ = rows.Close() }()

		nodes = nodes[:0]
		for rows.Next() {
			n, scanErr := scanNodeRow(rows)
			if scanErr != nil {
				return scanErr
			}
			nodes = append(nodes, n)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("search nodes: %w", err)
	}
	return nodes, nil
}

// DeleteNode removes a node and every edge touching it. Returns true when a
// row was actually deleted.
func DeleteNode(db *sql.DB, nodeID string, scope models.GraphScope) (bool, error) {
	var deleted bool
	err := Transact(db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(context.Background(),
			`DELETE FROM graph_edges WHERE source_node_id = ? OR target_node_id = ?`, nodeID, nodeID); err != nil {
			return fmt.Errorf("failed to delete node edges: %w", err)
		}
		res, err := tx.ExecContext(context.Background(),
			`DELETE FROM graph_nodes WHERE node_id = ? AND scope = ?`, nodeID, scope)
		if err != nil {
			return fmt.Errorf("failed to delete node: %w", err)
		}
		ra, err := res.RowsAffected()
		if err != nil {
			return err
		}
		deleted = ra > 0
		return nil
	})
	return deleted, err
}

// InsertEdgeTx writes an edge inside a transaction. Edge ids are
// deterministic, so INSERT OR IGNORE makes repeated writes duplicate-proof.
func InsertEdgeTx(tx *sql.Tx, edge *models.GraphEdge) error {
	if edge.EdgeID == "" {
		edge.EdgeID = models.EdgeID(edge.Source, edge.Target, edge.Relationship)
	}
	if edge.Scope == "" {
		edge.Scope = models.ScopeLocal
	}
	attrs := edge.Attributes
	if attrs == nil {
		attrs = map[string]any{}
	}
	attrsJSON, err := json.Marshal(attrs)
	if err != nil {
		return fmt.Errorf("failed to encode edge attributes: %w", err)
	}
	if _, err := tx.ExecContext(context.Background(), `
		INSERT OR IGNORE INTO graph_edges (edge_id, source_node_id, target_node_id, scope, relationship, weight, attributes_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, edge.EdgeID, edge.Source, edge.Target, edge.Scope, edge.Relationship, edge.Weight, string(attrsJSON), time.Now().UTC()); err != nil {
		return fmt.Errorf("failed to insert edge: %w", err)
	}
	return nil
}

// InsertEdge writes an edge with retry.
func InsertEdge(db *sql.DB, edge *models.GraphEdge) error {
	return Transact(db, func(tx *sql.Tx) error {
		return InsertEdgeTx(tx, edge)
	})
}

// DeleteEdgeTx removes an edge by id inside a transaction.
func DeleteEdgeTx(tx *sql.Tx, edgeID string) error {
	if _, err := tx.ExecContext(context.Background(),
		`DELETE FROM graph_edges WHERE edge_id = ?`, edgeID); err != nil {
		return fmt.Errorf("failed to delete edge: %w", err)
	}
	return nil
}

// EdgesFrom returns edges whose source is nodeID, optionally filtered by
// relationship.
func EdgesFrom(db *sql.DB, nodeID, relationship string) ([]*models.GraphEdge, error) {
	sqlQuery := `SELECT ` + edgeColumns + ` FROM graph_edges WHERE source_node_id = ?`
	args := []any{nodeID}
	if relationship != "" {
		sqlQuery += ` AND relationship = ?`
		args = append(args, relationship)
	}
	return queryEdges(db, sqlQuery, args...)
}

// EdgesTouching returns all edges where nodeID is source or target.
func EdgesTouching(db *sql.DB, nodeID string) ([]*models.GraphEdge, error) {
	return queryEdges(db,
		`SELECT `+edgeColumns+` FROM graph_edges WHERE source_node_id = ? OR target_node_id = ?`,
		nodeID, nodeID)
}

func queryEdges(db *sql.DB, sqlQuery string, args ...any) ([]*models.GraphEdge, error) {
	var edges []*models.GraphEdge
	err := RetryWithBackoff(func() error {
		rows, err := db.QueryContext(context.Background(), sqlQuery, args...)
		if err != nil {
			return err
		}
		defer func() { _ = rows.Close() }()

		edges = edges[:0]
		for rows.Next() {
			e, scanErr := scanEdgeRow(rows)
			if scanErr != nil {
				return scanErr
			}
			edges = append(edges, e)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("query edges: %w", err)
	}
	return edges, nil
}

// DeleteOrphanEdges removes edges whose source or target node no longer
// exists. Returns the number of edges removed.
func DeleteOrphanEdges(db *sql.DB) (int64, error) {
	var deleted int64
	err := Transact(db, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(context.Background(), `
			DELETE FROM graph_edges
			WHERE source_node_id NOT IN (SELECT node_id FROM graph_nodes)
			   OR target_node_id NOT IN (SELECT node_id FROM graph_nodes)
		`)
		if err != nil {
			return fmt.Errorf("failed to delete orphan edges: %w", err)
		}
		deleted, err = res.RowsAffected()
		return err
	})
	return deleted, err
}
