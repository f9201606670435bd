package fare

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/example/ride-dispatch/internal/models"
)

// PostgresSource reads the active fare configuration row. Multipliers are
// stored as a JSON object keyed by vehicle class.
type PostgresSource struct {
	DB *sql.DB
}

func (p *PostgresSource) Active(ctx context.Context) (Config, error) {
	row := p.DB.QueryRowContext(ctx, `SELECT id, base_fare, per_km_rate, per_minute_rate, fuel_surcharge_pc, min_fare, multipliers
		FROM fare_configs WHERE is_active = true ORDER BY updated_at DESC LIMIT 1`)

	var cfg Config
	var multipliers []byte
	if err := row.Scan(&cfg.ID, &cfg.BaseFare, &cfg.PerKmRate, &cfg.PerMinuteRate, &cfg.FuelSurchargePc, &cfg.MinFare, &multipliers); err != nil {
		if err == sql.ErrNoRows {
			return Config{}, fmt.Errorf("no active fare configuration")
		}
		return Config{}, fmt.Errorf("load fare config: %w", err)
	}

	raw := map[string]float64{}
	if err := json.Unmarshal(multipliers, &raw); err != nil {
		return Config{}, fmt.Errorf("decode fare multipliers: %w", err)
	}
	cfg.Multipliers = make(map[models.VehicleClass]float64, len(raw))
	for k, v := range raw {
		cfg.Multipliers[models.VehicleClass(k)] = v
	}
	return cfg, nil
}
