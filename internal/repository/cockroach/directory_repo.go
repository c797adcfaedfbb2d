package cockroach

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"callsession-backend/internal/domain"
	"callsession-backend/internal/service/call"
	apperrors "callsession-backend/pkg/errors"
)

// DirectoryRepository answers user, group and conversation lookups from the
// tables owned by the user and chat services
type DirectoryRepository struct {
	pool *pgxpool.Pool
}

// NewDirectoryRepository creates a new DirectoryRepository
func NewDirectoryRepository(pool *pgxpool.Pool) *DirectoryRepository {
	return &DirectoryRepository{pool: pool}
}

var _ call.Directory = (*DirectoryRepository)(nil)

// UserExists reports whether a user with the id exists
func (r *DirectoryRepository) UserExists(ctx context.Context, userID int64) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM users WHERE user_id = $1)`, userID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check user: %w", err)
	}
	return exists, nil
}

// GroupMemberIDs returns the members of a group
func (r *DirectoryRepository) GroupMemberIDs(ctx context.Context, groupID int64) ([]int64, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT g.group_id, gm.user_id
		FROM chat_groups g
		LEFT JOIN group_members gm ON gm.group_id = g.group_id
		WHERE g.group_id = $1
		ORDER BY gm.joined_at ASC, gm.user_id ASC
	`, groupID)
	if err != nil {
		return nil, fmt.Errorf("failed to get group members: %w", err)
	}
	defer rows.Close()

	found := false
	var members []int64
	for rows.Next() {
		var gid int64
		var userID *int64
		if err := rows.Scan(&gid, &userID); err != nil {
			return nil, fmt.Errorf("failed to scan group member: %w", err)
		}
		found = true
		if userID != nil {
			members = append(members, *userID)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to get group members: %w", err)
	}
	if !found {
		return nil, apperrors.NotFoundError("Group")
	}
	return members, nil
}

// GetOrCreateConversation returns the direct conversation of the pair,
// creating it on first use. Concurrent callers converge on the same row.
func (r *DirectoryRepository) GetOrCreateConversation(ctx context.Context, key domain.ChannelKey) (int64, error) {
	var id int64
	err := r.pool.QueryRow(ctx, `
		INSERT INTO conversations (user_low, user_high)
		VALUES ($1, $2)
		ON CONFLICT (user_low, user_high) DO UPDATE SET user_low = excluded.user_low
		RETURNING conversation_id
	`, key.Low, key.High).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to get or create conversation: %w", err)
	}
	return id, nil
}
