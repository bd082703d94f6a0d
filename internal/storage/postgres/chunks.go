package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/source-ingest/internal/crawler"
)

func ownerClause(owner crawler.ChunkOwner) (string, string, error) {
	switch {
	case owner.PageID != "" && owner.SourceID == "":
		return "page_id", owner.PageID, nil
	case owner.SourceID != "" && owner.PageID == "":
		return "source_id", owner.SourceID, nil
	default:
		return "", "", fmt.Errorf("chunk owner must name exactly one of page or source")
	}
}

var ownerTables = map[string]string{"page_id": "pages", "source_id": "sources"}

// ReplaceChunks deletes the owner's chunks and inserts the new set in one
// transaction. The owner row is locked first so two writers for the same
// owner run one after the other instead of colliding on chunk_index.
func (s *Store) ReplaceChunks(ctx context.Context, owner crawler.ChunkOwner, chunks []crawler.Chunk) error {
	column, id, err := ownerClause(owner)
	if err != nil {
		return err
	}
	const insert = `
INSERT INTO chunks (id, page_id, source_id, chunk_index, title, content, used_for_generation, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	return s.withTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT 1 FROM `+ownerTables[column]+` WHERE id = $1 FOR UPDATE`, id); err != nil {
			return fmt.Errorf("lock chunk owner: %w", err)
		}
		if _, err := tx.Exec(ctx, `DELETE FROM chunks WHERE `+column+` = $1`, id); err != nil {
			return fmt.Errorf("delete chunks: %w", err)
		}
		for _, c := range chunks {
			if _, err := tx.Exec(ctx, insert,
				c.ID,
				nullIfEmpty(owner.PageID),
				nullIfEmpty(owner.SourceID),
				c.Index,
				c.Title,
				c.Content,
				c.UsedForGeneration,
				c.CreatedAt,
			); err != nil {
				return fmt.Errorf("insert chunk %d: %w", c.Index, err)
			}
		}
		return nil
	})
}

// ListChunks returns the owner's chunks ordered by index.
func (s *Store) ListChunks(ctx context.Context, owner crawler.ChunkOwner) ([]crawler.Chunk, error) {
	column, id, err := ownerClause(owner)
	if err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, `
SELECT id, chunk_index, title, content, used_for_generation, created_at
FROM chunks WHERE `+column+` = $1 ORDER BY chunk_index`, id)
	if err != nil {
		return nil, fmt.Errorf("select chunks: %w", err)
	}
	defer rows.Close()
	var out []crawler.Chunk
	for rows.Next() {
		c := crawler.Chunk{PageID: owner.PageID, SourceID: owner.SourceID}
		if err := rows.Scan(&c.ID, &c.Index, &c.Title, &c.Content, &c.UsedForGeneration, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan chunk: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate chunks: %w", err)
	}
	return out, nil
}
