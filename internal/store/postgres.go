package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

const uniqueViolation = "23505"

// pgTx implements Tx on a pgx transaction.
type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) CalendarHome(ctx context.Context, principalUID string, create bool) (*Home, error) {
	defer observeDB(ctx, "calendar_homes.get")()

	var home Home
	var row pgx.Row
	if create {
		row = t.tx.QueryRow(ctx, `INSERT INTO calendar_homes (principal_uid) VALUES ($1)
ON CONFLICT (principal_uid) DO UPDATE SET principal_uid = EXCLUDED.principal_uid
RETURNING id, principal_uid, created_at`, principalUID)
	} else {
		row = t.tx.QueryRow(ctx, `SELECT id, principal_uid, created_at FROM calendar_homes WHERE principal_uid=$1`, principalUID)
	}
	if err := row.Scan(&home.ID, &home.PrincipalUID, &home.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("load calendar home %s: %w", principalUID, err)
	}
	return &home, nil
}

const collectionColumns = `id, home_id, name, display_name, color, created_at, updated_at`

func (t *pgTx) Collection(ctx context.Context, homeID int64, name string, create bool) (*Collection, error) {
	defer observeDB(ctx, "calendars.get")()

	var row pgx.Row
	if create {
		row = t.tx.QueryRow(ctx, `INSERT INTO calendars (home_id, name) VALUES ($1, $2)
ON CONFLICT (home_id, name) DO UPDATE SET name = EXCLUDED.name
RETURNING `+collectionColumns, homeID, name)
	} else {
		row = t.tx.QueryRow(ctx, `SELECT `+collectionColumns+` FROM calendars WHERE home_id=$1 AND name=$2`, homeID, name)
	}
	var c Collection
	if err := row.Scan(&c.ID, &c.HomeID, &c.Name, &c.DisplayName, &c.Color, &c.CreatedAt, &c.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("load calendar %s: %w", name, err)
	}
	return &c, nil
}

func (t *pgTx) SetCollectionProperties(ctx context.Context, collectionID int64, displayName, color *string) error {
	defer observeDB(ctx, "calendars.set_properties")()

	tag, err := t.tx.Exec(ctx, `UPDATE calendars SET display_name=$2, color=$3, updated_at=NOW() WHERE id=$1`, collectionID, displayName, color)
	if err != nil {
		return fmt.Errorf("update calendar %d: %w", collectionID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

const objectColumns = `id, calendar_id, uid, resource_name, component_type, organizer, sequence, ical, etag, last_modified`

func scanObject(row pgx.Row) (*Object, error) {
	var o Object
	if err := row.Scan(&o.ID, &o.CollectionID, &o.UID, &o.ResourceName, &o.ComponentType, &o.Organizer, &o.Sequence, &o.RawICAL, &o.ETag, &o.LastModified); err != nil {
		return nil, err
	}
	return &o, nil
}

func (t *pgTx) ObjectByUID(ctx context.Context, collectionID int64, uid string) (*Object, error) {
	defer observeDB(ctx, "calendar_objects.get_by_uid")()

	obj, err := scanObject(t.tx.QueryRow(ctx, `SELECT `+objectColumns+` FROM calendar_objects WHERE calendar_id=$1 AND uid=$2`, collectionID, uid))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("load object %s: %w", uid, err)
	}
	return obj, nil
}

func (t *pgTx) FindObject(ctx context.Context, homeID int64, uid string) (*Object, error) {
	defer observeDB(ctx, "calendar_objects.find_in_home")()

	obj, err := scanObject(t.tx.QueryRow(ctx, `SELECT o.id, o.calendar_id, o.uid, o.resource_name, o.component_type, o.organizer, o.sequence, o.ical, o.etag, o.last_modified
FROM calendar_objects o JOIN calendars c ON c.id = o.calendar_id
WHERE c.home_id=$1 AND o.uid=$2
ORDER BY o.id LIMIT 1`, homeID, uid))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("find object %s: %w", uid, err)
	}
	return obj, nil
}

// PutObject runs the insert inside a savepoint so a resource name conflict
// leaves the surrounding transaction usable.
func (t *pgTx) PutObject(ctx context.Context, obj Object) (*Object, bool, error) {
	defer observeDB(ctx, "calendar_objects.put")()

	if obj.ETag == "" {
		obj.ETag = GenerateETag(obj.RawICAL)
	}
	sp, err := t.tx.Begin(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("savepoint: %w", err)
	}
	var created bool
	err = sp.QueryRow(ctx, `INSERT INTO calendar_objects (calendar_id, uid, resource_name, component_type, organizer, sequence, ical, etag)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (calendar_id, uid) DO UPDATE SET
    component_type = EXCLUDED.component_type,
    organizer = EXCLUDED.organizer,
    sequence = EXCLUDED.sequence,
    ical = EXCLUDED.ical,
    etag = EXCLUDED.etag,
    last_modified = NOW()
RETURNING id, resource_name, last_modified, (xmax = 0) AS inserted`,
		obj.CollectionID, obj.UID, obj.ResourceName, obj.ComponentType, obj.Organizer, obj.Sequence, obj.RawICAL, obj.ETag,
	).Scan(&obj.ID, &obj.ResourceName, &obj.LastModified, &created)
	if err != nil {
		if rbErr := sp.Rollback(ctx); rbErr != nil {
			return nil, false, fmt.Errorf("put object %s: %w (rollback to savepoint: %v)", obj.UID, err, rbErr)
		}
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return nil, false, fmt.Errorf("%w: resource %s already holds another object", ErrConflict, obj.ResourceName)
		}
		return nil, false, fmt.Errorf("put object %s: %w", obj.UID, err)
	}
	if err := sp.Commit(ctx); err != nil {
		return nil, false, fmt.Errorf("release savepoint: %w", err)
	}
	return &obj, created, nil
}

func (t *pgTx) ListObjects(ctx context.Context, collectionID int64) ([]Object, error) {
	defer observeDB(ctx, "calendar_objects.list")()

	rows, err := t.tx.Query(ctx, `SELECT `+objectColumns+` FROM calendar_objects WHERE calendar_id=$1 ORDER BY resource_name`, collectionID)
	if err != nil {
		return nil, fmt.Errorf("list objects: %w", err)
	}
	defer rows.Close()

	var out []Object
	for rows.Next() {
		obj, err := scanObject(rows)
		if err != nil {
			return nil, fmt.Errorf("scan object: %w", err)
		}
		out = append(out, *obj)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list objects: %w", err)
	}
	return out, nil
}

func (t *pgTx) CountObjects(ctx context.Context, collectionID int64) (int, error) {
	defer observeDB(ctx, "calendar_objects.count")()

	var n int
	if err := t.tx.QueryRow(ctx, `SELECT COUNT(*) FROM calendar_objects WHERE calendar_id=$1`, collectionID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count objects: %w", err)
	}
	return n, nil
}

func (t *pgTx) Commit(ctx context.Context) error {
	defer observeDB(ctx, "db.commit")()
	if err := t.tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (t *pgTx) Rollback(ctx context.Context) error {
	err := t.tx.Rollback(ctx)
	if err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return fmt.Errorf("rollback: %w", err)
	}
	return nil
}
