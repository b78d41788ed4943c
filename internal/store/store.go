package store

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"

	"github.com/awaistahir/smart-charge/internal/engine"
)

// DefaultProfile is the settings row used when a caller does not name one
const DefaultProfile = "default"

// ErrNotFound is returned when no row matches the lookup
var ErrNotFound = errors.New("not found")

// Store handles persistent storage using SQLite
type Store struct {
	db  *sql.DB
	log logrus.FieldLogger
}

// NewStore creates a new store and initializes the database
func NewStore(dbPath string) (*Store, error) {
	if dir := filepath.Dir(dbPath); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errors.Wrapf(err, "creating database directory %s", dir)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, errors.Wrap(err, "opening database")
	}
	// single writer keeps sqlite from returning SQLITE_BUSY under the refresher
	db.SetMaxOpenConns(1)

	store := &Store{db: db, log: logrus.WithField("component", "store")}
	if err := store.initialize(); err != nil {
		db.Close()
		return nil, err
	}

	return store, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// initialize creates the database schema
func (s *Store) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS vehicle_settings (
		profile TEXT PRIMARY KEY,
		petrol_price_per_liter TEXT NOT NULL,
		fuel_economy_km_per_liter TEXT NOT NULL,
		battery_capacity_kwh TEXT NOT NULL,
		electric_range_km TEXT NOT NULL,
		charge_duration_hours INTEGER NOT NULL,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS price_records (
		price_area TEXT NOT NULL,
		hour_utc TEXT NOT NULL,
		price TEXT NOT NULL,
		fetched_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (price_area, hour_utc)
	);

	CREATE TABLE IF NOT EXISTS refresh_log (
		price_area TEXT PRIMARY KEY,
		refreshed_at TEXT NOT NULL,
		record_count INTEGER NOT NULL
	);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return errors.Wrap(err, "creating schema")
	}
	return nil
}

// SaveVehicleParams saves or replaces the settings for a profile
func (s *Store) SaveVehicleParams(profile string, p engine.VehicleParams) error {
	query := `INSERT OR REPLACE INTO vehicle_settings
		(profile, petrol_price_per_liter, fuel_economy_km_per_liter, battery_capacity_kwh,
		 electric_range_km, charge_duration_hours, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.Exec(query, profile,
		p.PetrolPricePerLiter.String(), p.FuelEconomyKmPerLiter.String(),
		p.BatteryCapacityKwh.String(), p.ElectricRangeKm.String(),
		p.ChargeDurationHours, time.Now().UTC())
	if err != nil {
		return errors.Wrapf(err, "saving settings for %s", profile)
	}

	s.log.WithField("profile", profile).Debug("saved vehicle settings")
	return nil
}

// GetVehicleParams retrieves the settings for a profile
func (s *Store) GetVehicleParams(profile string) (engine.VehicleParams, error) {
	query := `SELECT petrol_price_per_liter, fuel_economy_km_per_liter, battery_capacity_kwh,
		electric_range_km, charge_duration_hours
		FROM vehicle_settings WHERE profile = ?`

	var petrol, economy, battery, rangeKm string
	var p engine.VehicleParams

	err := s.db.QueryRow(query, profile).Scan(&petrol, &economy, &battery, &rangeKm, &p.ChargeDurationHours)
	if errors.Is(err, sql.ErrNoRows) {
		return engine.VehicleParams{}, ErrNotFound
	}
	if err != nil {
		return engine.VehicleParams{}, errors.Wrapf(err, "loading settings for %s", profile)
	}

	fields := []struct {
		raw string
		dst *decimal.Decimal
	}{
		{petrol, &p.PetrolPricePerLiter},
		{economy, &p.FuelEconomyKmPerLiter},
		{battery, &p.BatteryCapacityKwh},
		{rangeKm, &p.ElectricRangeKm},
	}
	for _, f := range fields {
		d, err := decimal.NewFromString(f.raw)
		if err != nil {
			return engine.VehicleParams{}, errors.Wrapf(err, "parsing stored value %q", f.raw)
		}
		*f.dst = d
	}

	return p, nil
}

// SavePrices upserts records for a price area and notes the refresh time
func (s *Store) SavePrices(area string, series engine.PriceSeries, refreshedAt time.Time) (err error) {
	tx, err := s.db.Begin()
	if err != nil {
		return errors.Wrap(err, "beginning transaction")
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil {
				s.log.WithError(rbErr).Warn("rolling back price insert")
			}
		}
	}()

	stmt, err := tx.Prepare(`INSERT OR REPLACE INTO price_records (price_area, hour_utc, price, fetched_at)
		VALUES (?, ?, ?, ?)`)
	if err != nil {
		return errors.Wrap(err, "preparing insert")
	}
	defer stmt.Close()

	for _, r := range series {
		if _, err = stmt.Exec(area, r.Time.UTC().Format(time.RFC3339), r.Price.String(), refreshedAt.UTC()); err != nil {
			return errors.Wrapf(err, "inserting price for %s", r.Time.UTC().Format(time.RFC3339))
		}
	}

	if _, err = tx.Exec(`INSERT OR REPLACE INTO refresh_log (price_area, refreshed_at, record_count) VALUES (?, ?, ?)`,
		area, refreshedAt.UTC().Format(time.RFC3339), len(series)); err != nil {
		return errors.Wrap(err, "recording refresh")
	}

	if err = tx.Commit(); err != nil {
		return errors.Wrap(err, "committing prices")
	}
	return nil
}

// GetPrices returns the cached series for [from, to)
func (s *Store) GetPrices(area string, from, to time.Time) (engine.PriceSeries, error) {
	rows, err := s.db.Query(`SELECT hour_utc, price FROM price_records
		WHERE price_area = ? AND hour_utc >= ? AND hour_utc < ?
		ORDER BY hour_utc`,
		area, from.UTC().Format(time.RFC3339), to.UTC().Format(time.RFC3339))
	if err != nil {
		return nil, errors.Wrap(err, "querying prices")
	}
	defer rows.Close()

	records := []engine.PriceRecord{}
	for rows.Next() {
		var hour, price string
		if err := rows.Scan(&hour, &price); err != nil {
			return nil, errors.Wrap(err, "scanning price row")
		}
		t, err := time.Parse(time.RFC3339, hour)
		if err != nil {
			return nil, errors.Wrapf(err, "parsing stored hour %q", hour)
		}
		d, err := decimal.NewFromString(price)
		if err != nil {
			return nil, errors.Wrapf(err, "parsing stored price %q", price)
		}
		records = append(records, engine.PriceRecord{Time: t, Price: d})
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterating price rows")
	}

	return engine.NewPriceSeries(records), nil
}

// LastRefresh reports when prices for area were last saved and how many records came in
func (s *Store) LastRefresh(area string) (time.Time, int, error) {
	var at string
	var count int
	err := s.db.QueryRow(`SELECT refreshed_at, record_count FROM refresh_log WHERE price_area = ?`, area).Scan(&at, &count)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, 0, ErrNotFound
	}
	if err != nil {
		return time.Time{}, 0, errors.Wrap(err, "loading refresh log")
	}

	t, err := time.Parse(time.RFC3339, at)
	if err != nil {
		return time.Time{}, 0, errors.Wrapf(err, "parsing refresh time %q", at)
	}
	return t, count, nil
}

// PruneBefore deletes cached records older than cutoff and returns how many went
func (s *Store) PruneBefore(area string, cutoff time.Time) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM price_records WHERE price_area = ? AND hour_utc < ?`,
		area, cutoff.UTC().Format(time.RFC3339))
	if err != nil {
		return 0, errors.Wrap(err, "pruning prices")
	}
	return res.RowsAffected()
}
