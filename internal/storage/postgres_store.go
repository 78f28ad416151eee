package storage

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"sort"
	"time"

	_ "github.com/lib/pq"

	"github.com/example/trip-dispatch/internal/models"
)

//go:embed migrations/*.sql
var migrations embed.FS

// PostgresStore is the append-only event log and the mover table the
// directory is seeded from.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	// quick ping
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

// Migrate applies every embedded migration in file name order. The
// statements are idempotent.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	names, err := fs.Glob(migrations, "migrations/*.sql")
	if err != nil {
		return err
	}
	sort.Strings(names)
	for _, name := range names {
		stmt, err := migrations.ReadFile(name)
		if err != nil {
			return err
		}
		if _, err := p.db.ExecContext(ctx, string(stmt)); err != nil {
			return fmt.Errorf("apply %s: %w", name, err)
		}
	}
	return nil
}

func (p *PostgresStore) AppendLocationEvent(ctx context.Context, ev models.LocationEvent) error {
	s := ev.Sample()
	_, err := p.db.ExecContext(ctx, `INSERT INTO location_events(trip_id, mover_id, lat, lon, accuracy, speed, heading, recorded_at) VALUES($1,$2,$3,$4,$5,$6,$7,$8)`,
		ev.TripID, s.MoverID, s.Lat, s.Lon, s.Accuracy, s.Speed, s.Heading, s.Timestamp)
	return err
}

func (p *PostgresStore) AppendStatusEvent(ctx context.Context, ev models.StatusEvent) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO status_events(trip_id, status, changed_at) VALUES($1,$2,$3)`,
		ev.TripID, ev.Status, ev.Time())
	return err
}

// LoadMovers returns every mover row.
func (p *PostgresStore) LoadMovers(ctx context.Context) ([]models.Mover, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT id, vehicle_class, lat, lon, available, updated_at FROM movers`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.Mover
	for rows.Next() {
		var m models.Mover
		var class string
		if err := rows.Scan(&m.ID, &class, &m.Loc.Lat, &m.Loc.Lon, &m.Available, &m.Updated); err != nil {
			return nil, err
		}
		m.VehicleClass = models.VehicleClass(class)
		out = append(out, m)
	}
	return out, rows.Err()
}

// UpdateMoverPosition moves a known mover. Unknown ids are ignored.
func (p *PostgresStore) UpdateMoverPosition(ctx context.Context, moverID string, c models.Coord, at time.Time) error {
	_, err := p.db.ExecContext(ctx, `UPDATE movers SET lat=$1, lon=$2, updated_at=$3 WHERE id=$4 AND updated_at <= $3`,
		c.Lat, c.Lon, at, moverID)
	return err
}

func (p *PostgresStore) UpsertMover(ctx context.Context, m models.Mover) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO movers(id, vehicle_class, lat, lon, available, updated_at) VALUES($1,$2,$3,$4,$5,$6)
		ON CONFLICT (id) DO UPDATE SET vehicle_class=EXCLUDED.vehicle_class, lat=EXCLUDED.lat, lon=EXCLUDED.lon, available=EXCLUDED.available, updated_at=EXCLUDED.updated_at`,
		m.ID, string(m.VehicleClass), m.Loc.Lat, m.Loc.Lon, m.Available, m.Updated)
	return err
}

func (p *PostgresStore) Close() error { return p.db.Close() }
