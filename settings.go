package sqlsession

import (
	"errors"
	"fmt"
	"strconv"
	"time"
)

// ErrUnknownSetting is returned for a Settings key the Manager does not recognize.
var ErrUnknownSetting = errors.New("unknown session setting")

// Recognized Settings keys.
const (
	SettingGCProbability = "session.gc_probability"
	SettingGCDivisor     = "session.gc_divisor"
	// SettingGCMaxLifetime takes any ParseLifetime expression: "1440",
	// "24m" or "+2 hours".
	SettingGCMaxLifetime = "session.gc_maxlifetime"
)

const (
	defaultGCProbability = 1
	defaultGCDivisor     = 100
	defaultGCMaxLifetime = 1440 * time.Second
)

// gcSettings decides how often, and how aggressively, expired records are
// swept: a request triggers a sweep with probability probability/divisor.
type gcSettings struct {
	probability int
	divisor     int
	maxLifetime time.Duration
}

func parseSettings(raw map[string]string) (gcSettings, error) {
	gc := gcSettings{
		probability: defaultGCProbability,
		divisor:     defaultGCDivisor,
		maxLifetime: defaultGCMaxLifetime,
	}

	for key, value := range raw {
		switch key {
		case SettingGCProbability, SettingGCDivisor, SettingGCMaxLifetime:
		default:
			return gc, fmt.Errorf("%w: %q", ErrUnknownSetting, key)
		}

		if key == SettingGCMaxLifetime {
			d, err := ParseLifetime(value)
			if err != nil {
				return gc, fmt.Errorf("session setting %s: %w", key, err)
			}
			if d <= 0 {
				return gc, fmt.Errorf("session setting %s must be positive", key)
			}
			gc.maxLifetime = d
			continue
		}

		n, err := strconv.Atoi(value)
		if err != nil {
			return gc, fmt.Errorf("session setting %s: %q is not an integer", key, value)
		}
		switch key {
		case SettingGCProbability:
			if n < 0 {
				return gc, fmt.Errorf("session setting %s must not be negative", key)
			}
			gc.probability = n
		case SettingGCDivisor:
			if n <= 0 {
				return gc, fmt.Errorf("session setting %s must be positive", key)
			}
			gc.divisor = n
		}
	}
	return gc, nil
}
