package postgis

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/propsavant/demalytics/internal/store"
)

func lockKey(id uuid.UUID) string {
	return "study:" + id.String()
}

// LockStudy takes a session advisory lock for the study without waiting. The
// lock lives on one pooled connection which is held until unlock.
func (s *Store) LockStudy(ctx context.Context, id uuid.UUID) (func(), error) {
	sqlDB, err := s.db.DB()
	if err != nil {
		return nil, fmt.Errorf("lock study: %w", err)
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("lock study: acquire connection: %w", err)
	}

	var ok bool
	if err := conn.QueryRowContext(ctx, `SELECT pg_try_advisory_lock(hashtext($1))`, lockKey(id)).Scan(&ok); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("lock study: %w", err)
	}
	if !ok {
		_ = conn.Close()
		return nil, store.ErrStudyBusy
	}

	return func() {
		var released bool
		_ = conn.QueryRowContext(context.Background(), `SELECT pg_advisory_unlock(hashtext($1))`, lockKey(id)).Scan(&released)
		_ = conn.Close()
	}, nil
}
