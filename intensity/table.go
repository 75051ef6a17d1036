package intensity

import (
	"math"
	"time"
)

// Param is a single row of the mapping table.
type Param struct {
	Name      string    `json:"name"`
	Base      float64   `json:"base"`
	Direction Direction `json:"direction"`
	Floor     float64   `json:"floor"`
	// Ceiling of 0 means unbounded.
	Ceiling float64 `json:"ceiling"`
}

// At returns a value of the parameter for the given level.
func (p Param) At(level int) float64 {
	value := Scaled(p.Base, level, p.Direction)

	if value < p.Floor {
		value = p.Floor
	}

	if p.Ceiling > 0 && value > p.Ceiling {
		value = p.Ceiling
	}

	return value
}

// Table is an explicit mapping of every threshold to its base value and
// direction. Time values are in seconds.
type Table struct {
	RequestsPerSecond    Param
	Burst                Param
	MaxConcurrent        Param
	FailureThreshold     Param
	LoadCapacity         Param
	LoadHardLimit        Param
	ChallengeTTL         Param
	TrustedIdle          Param
	SyncGenerationBudget Param
	BanDuration          Param
	Difficulty           Param
}

// Params returns all rows in a stable order.
func (t Table) Params() []Param {
	return []Param{
		t.RequestsPerSecond,
		t.Burst,
		t.MaxConcurrent,
		t.FailureThreshold,
		t.LoadCapacity,
		t.LoadHardLimit,
		t.ChallengeTTL,
		t.TrustedIdle,
		t.SyncGenerationBudget,
		t.BanDuration,
		t.Difficulty,
	}
}

// DefaultTable returns a mapping table with default base values.
func DefaultTable() Table {
	return Table{
		RequestsPerSecond: Param{
			Name: "requests_per_second", Base: 10, Direction: Throughput, Floor: 0.5, //nolint: gomnd
		},
		Burst: Param{
			Name: "burst", Base: 20, Direction: Throughput, Floor: 1, //nolint: gomnd
		},
		MaxConcurrent: Param{
			Name: "max_concurrent", Base: 8, Direction: Throughput, Floor: 1, //nolint: gomnd
		},
		FailureThreshold: Param{
			Name: "failure_threshold", Base: 5, Direction: Throughput, Floor: 1, //nolint: gomnd
		},
		LoadCapacity: Param{
			Name: "load_capacity", Base: 500, Direction: Throughput, Floor: 10, //nolint: gomnd
		},
		LoadHardLimit: Param{
			Name: "load_hard_limit", Base: 1000, Direction: Throughput, Floor: 20, //nolint: gomnd
		},
		ChallengeTTL: Param{
			Name: "challenge_ttl", Base: 300, Direction: Throughput, Floor: 20, //nolint: gomnd
		},
		TrustedIdle: Param{
			Name: "trusted_idle", Base: 600, Direction: Throughput, Floor: 60, //nolint: gomnd
		},
		SyncGenerationBudget: Param{
			Name: "sync_generation_budget", Base: 20, Direction: Throughput, Floor: 1, //nolint: gomnd
		},
		BanDuration: Param{
			Name: "ban_duration", Base: 3600, Direction: Restrictive, Ceiling: 7 * 24 * 3600, //nolint: gomnd
		},
		Difficulty: Param{
			Name: "difficulty", Base: 1.5, Direction: Restrictive, Floor: 1, Ceiling: 4, //nolint: gomnd
		},
	}
}

// Thresholds is a materialised table for one intensity level.
type Thresholds struct {
	Level      int     `json:"level"`
	Multiplier float64 `json:"multiplier"`

	RequestsPerSecond    float64       `json:"requests_per_second"`
	Burst                int           `json:"burst"`
	MaxConcurrent        int           `json:"max_concurrent"`
	FailureThreshold     int           `json:"failure_threshold"`
	LoadCapacity         float64       `json:"load_capacity"`
	LoadHardLimit        float64       `json:"load_hard_limit"`
	ChallengeTTL         time.Duration `json:"challenge_ttl"`
	TrustedIdle          time.Duration `json:"trusted_idle"`
	SyncGenerationBudget float64       `json:"sync_generation_budget"`
	BanDuration          time.Duration `json:"ban_duration"`
	Difficulty           int           `json:"difficulty"`
}

// Compute builds thresholds for the level.
//
// Ban duration is never allowed to drop below twice the trusted idle
// window: a banned identity always stays out longer than a trusted one
// stays in.
func Compute(level int, table Table) Thresholds {
	level = Clamp(level)

	rv := Thresholds{
		Level:                level,
		Multiplier:           Multiplier(level),
		RequestsPerSecond:    table.RequestsPerSecond.At(level),
		Burst:                roundInt(table.Burst.At(level)),
		MaxConcurrent:        roundInt(table.MaxConcurrent.At(level)),
		FailureThreshold:     roundInt(table.FailureThreshold.At(level)),
		LoadCapacity:         table.LoadCapacity.At(level),
		LoadHardLimit:        table.LoadHardLimit.At(level),
		ChallengeTTL:         seconds(table.ChallengeTTL.At(level)),
		TrustedIdle:          seconds(table.TrustedIdle.At(level)),
		SyncGenerationBudget: table.SyncGenerationBudget.At(level),
		BanDuration:          seconds(table.BanDuration.At(level)),
		Difficulty:           roundInt(table.Difficulty.At(level)),
	}

	if minBan := 2 * rv.TrustedIdle; rv.BanDuration < minBan {
		rv.BanDuration = minBan
	}

	if rv.LoadHardLimit < rv.LoadCapacity {
		rv.LoadHardLimit = rv.LoadCapacity
	}

	return rv
}

func roundInt(value float64) int {
	return int(math.Round(value))
}

func seconds(value float64) time.Duration {
	return time.Duration(value * float64(time.Second))
}
