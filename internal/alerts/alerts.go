package alerts

import (
	"fmt"
	"strconv"

	"sensorhub/internal/models"
)

// Comparison is the direction of a threshold check
type Comparison int

const (
	Above Comparison = iota
	Below
)

// Rule defines a simple threshold-based alert rule over one reading field.
type Rule struct {
	Field     string
	Compare   Comparison
	Threshold float64
	Type      models.AlertType
	Severity  models.Severity
	// Format receives the value already rendered in shortest decimal form
	Format string
}

// DefaultRules is evaluated in declaration order, which fixes the output
// order of Evaluate.
var DefaultRules = []Rule{
	{
		Field:     models.FieldTemperature,
		Compare:   Above,
		Threshold: 35,
		Type:      models.AlertHighTemperature,
		Severity:  models.SeverityWarning,
		Format:    "High temperature detected: %s°C",
	},
	{
		Field:     models.FieldTemperature,
		Compare:   Below,
		Threshold: 0,
		Type:      models.AlertLowTemperature,
		Severity:  models.SeverityWarning,
		Format:    "Low temperature detected: %s°C",
	},
	{
		Field:     models.FieldHumidity,
		Compare:   Above,
		Threshold: 80,
		Type:      models.AlertHighHumidity,
		Severity:  models.SeverityInfo,
		Format:    "High humidity detected: %s%%",
	},
	{
		Field:     models.FieldBatteryLevel,
		Compare:   Below,
		Threshold: 20,
		Type:      models.AlertLowBattery,
		Severity:  models.SeverityError,
		Format:    "Low battery level: %s%%",
	},
}

// Evaluate maps a reading to zero or more alert drafts using DefaultRules.
// It only looks at the single reading; absent fields never fire.
func Evaluate(r *models.Reading) []models.AlertDraft {
	return EvaluateRules(DefaultRules, r)
}

// EvaluateRules is Evaluate over an explicit rule set.
func EvaluateRules(rules []Rule, r *models.Reading) []models.AlertDraft {
	var drafts []models.AlertDraft
	for _, rule := range rules {
		v, ok := fieldValue(r, rule.Field)
		if !ok || !rule.fires(v) {
			continue
		}
		drafts = append(drafts, models.AlertDraft{
			DeviceID: r.DeviceID,
			Type:     rule.Type,
			Severity: rule.Severity,
			Message:  fmt.Sprintf(rule.Format, FormatValue(v)),
		})
	}
	return drafts
}

func (rule Rule) fires(v float64) bool {
	switch rule.Compare {
	case Above:
		return v > rule.Threshold
	case Below:
		return v < rule.Threshold
	default:
		return false
	}
}

// FormatValue renders a number the way it was sent: 40, 36.5, -3.25
func FormatValue(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func fieldValue(r *models.Reading, field string) (float64, bool) {
	var p *float64
	switch field {
	case models.FieldTemperature:
		p = r.Temperature
	case models.FieldHumidity:
		p = r.Humidity
	case models.FieldPressure:
		p = r.Pressure
	case models.FieldBatteryLevel:
		p = r.BatteryLevel
	case models.FieldSignalStrength:
		p = r.SignalStrength
	}
	if p == nil {
		return 0, false
	}
	return *p, true
}
