package repository

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"entgo.io/ent/dialect"
	entsql "entgo.io/ent/dialect/sql"

	"github.com/joseph-ayodele/resume-pipeline/internal/common"
	"github.com/joseph-ayodele/resume-pipeline/internal/entity"
)

const viewsTable = "published_views"

type PublishedViewRepository interface {
	Get(ctx context.Context, ownerID string) (*entity.PublishedView, error)
	Upsert(ctx context.Context, v *entity.PublishedView) error
}

type publishedViewRepo struct {
	db  *DB
	log *slog.Logger
}

func NewPublishedViewRepository(db *DB, log *slog.Logger) PublishedViewRepository {
	if log == nil {
		log = slog.Default()
	}
	return &publishedViewRepo{db: db, log: log}
}

func (r *publishedViewRepo) Get(ctx context.Context, ownerID string) (*entity.PublishedView, error) {
	b := r.db.builder()
	q, args := b.Select("owner_id", "job_id", "content", "updated_at").
		From(b.Table(viewsTable)).
		Where(entsql.EQ("owner_id", ownerID)).
		Query()
	rows := &entsql.Rows{}
	if err := r.db.drv.Query(ctx, q, args, rows); err != nil {
		r.log.Error("published view get failed", "owner_id", ownerID, "err", err)
		return nil, fmt.Errorf("get view: %w", err)
	}
	defer rows.Close()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, common.ErrNotFound
	}
	var (
		v       entity.PublishedView
		content string
	)
	if err := rows.Scan(&v.OwnerID, &v.JobID, &content, &v.UpdatedAt); err != nil {
		return nil, fmt.Errorf("scan view: %w", err)
	}
	v.Content = []byte(content)
	v.UpdatedAt = v.UpdatedAt.UTC()
	return &v, nil
}

func (r *publishedViewRepo) Upsert(ctx context.Context, v *entity.PublishedView) error {
	if err := upsertView(ctx, r.db.drv, r.db, v); err != nil {
		r.log.Error("published view upsert failed", "owner_id", v.OwnerID, "err", err)
		return err
	}
	return nil
}

func upsertView(ctx context.Context, ex dialect.ExecQuerier, db *DB, v *entity.PublishedView) error {
	v.UpdatedAt = db.now()
	q, args := db.builder().Insert(viewsTable).
		Columns("owner_id", "job_id", "content", "updated_at").
		Values(v.OwnerID, v.JobID, string(v.Content), v.UpdatedAt).
		OnConflict(entsql.ConflictColumns("owner_id"), entsql.ResolveWithNewValues()).
		Query()
	var res sql.Result
	if err := ex.Exec(ctx, q, args, &res); err != nil {
		return fmt.Errorf("upsert view %s: %w", v.OwnerID, err)
	}
	return nil
}
