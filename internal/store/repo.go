package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Repo struct {
	db *gorm.DB
}

func OpenPostgres(user, password, dbName, host, port, sslMode string) (*gorm.DB, error) {
	if sslMode == "" {
		sslMode = "disable"
	}
	dsn := fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=%s TimeZone=UTC", host, user, password, dbName, port, sslMode)
	return gorm.Open(postgres.Open(dsn), &gorm.Config{})
}

func New(db *gorm.DB) (*Repo, error) {
	if err := db.AutoMigrate(&ControlHistoryRecord{}); err != nil {
		return nil, err
	}
	return &Repo{db: db}, nil
}

func (r *Repo) Insert(ctx context.Context, rec *ControlHistoryRecord) error {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	return r.db.WithContext(ctx).Create(rec).Error
}

// Filter narrows a history listing. Zero values mean "no constraint".
type Filter struct {
	ControlKey string
	Success    *bool
	From       time.Time
	To         time.Time
}

type Page struct {
	Records    []ControlHistoryRecord `json:"records"`
	NextCursor string                 `json:"next_cursor,omitempty"`
}

// List pages through a greenhouse's history newest-first by default, using a
// (created_at, id) keyset cursor so concurrent appends never shift pages.
func (r *Repo) List(ctx context.Context, greenhouseID string, f Filter, limit int, cursor *Cursor, desc bool) (Page, error) {
	if limit <= 0 {
		limit = 100
	}
	if limit > 1000 {
		limit = 1000
	}

	exprs := []clause.Expression{
		clause.Eq{Column: clause.Column{Name: "greenhouse_id"}, Value: greenhouseID},
	}
	if f.ControlKey != "" {
		exprs = append(exprs, clause.Eq{Column: clause.Column{Name: "control_key"}, Value: f.ControlKey})
	}
	if f.Success != nil {
		exprs = append(exprs, clause.Eq{Column: clause.Column{Name: "success"}, Value: *f.Success})
	}
	if !f.From.IsZero() {
		exprs = append(exprs, clause.Gte{Column: clause.Column{Name: "created_at"}, Value: f.From})
	}
	if !f.To.IsZero() {
		exprs = append(exprs, clause.Lte{Column: clause.Column{Name: "created_at"}, Value: f.To})
	}
	if cursor != nil {
		if desc {
			exprs = append(exprs, clause.Or(
				clause.Lt{Column: clause.Column{Name: "created_at"}, Value: cursor.TS},
				clause.And(
					clause.Eq{Column: clause.Column{Name: "created_at"}, Value: cursor.TS},
					clause.Lt{Column: clause.Column{Name: "id"}, Value: cursor.ID},
				),
			))
		} else {
			exprs = append(exprs, clause.Or(
				clause.Gt{Column: clause.Column{Name: "created_at"}, Value: cursor.TS},
				clause.And(
					clause.Eq{Column: clause.Column{Name: "created_at"}, Value: cursor.TS},
					clause.Gt{Column: clause.Column{Name: "id"}, Value: cursor.ID},
				),
			))
		}
	}

	order := clause.OrderBy{Columns: []clause.OrderByColumn{
		{Column: clause.Column{Name: "created_at"}, Desc: desc},
		{Column: clause.Column{Name: "id"}, Desc: desc},
	}}

	var rows []ControlHistoryRecord
	q := r.db.WithContext(ctx).Clauses(clause.Where{Exprs: exprs}, order).Limit(limit + 1)
	if err := q.Find(&rows).Error; err != nil {
		return Page{}, err
	}

	var next *Cursor
	if len(rows) > limit {
		last := rows[limit-1]
		next = &Cursor{TS: last.CreatedAt, ID: last.ID}
		rows = rows[:limit]
	}

	out := Page{Records: rows}
	if next != nil {
		out.NextCursor = EncodeCursor(*next)
	}
	return out, nil
}
