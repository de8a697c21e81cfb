package tools

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

var datetimeLogger = logrus.WithField("tool", "datetime")

type DateTimeResult struct {
	Time     string `json:"time"`
	Unix     int64  `json:"unix"`
	Timezone string `json:"timezone"`
	Weekday  string `json:"weekday"`
}

type DateTimeTool struct {
	now func() time.Time
}

func NewDateTimeTool() *DateTimeTool {
	datetimeLogger.Debug("Initializing datetime tool")
	return &DateTimeTool{now: time.Now}
}

func (d *DateTimeTool) Description() string {
	return "Current date and time. Arguments: timezone (IANA name such as 'Europe/Paris', optional, default local)."
}

func (d *DateTimeTool) Name() string {
	return "datetime"
}

func (d *DateTimeTool) Schema() []byte {
	return []byte(`{
  "type": "object",
  "properties": {
    "timezone": {"type": "string"}
  }
}`)
}

func (d *DateTimeTool) Invoke(ctx context.Context, args map[string]any) (any, error) {
	zone, _ := stringArg(args, "timezone")
	toolLogger := datetimeLogger.WithField("timezone", zone)
	toolLogger.Info("DateTime tool called")

	loc := time.Local
	if zone != "" {
		var err error
		loc, err = time.LoadLocation(zone)
		if err != nil {
			toolLogger.WithError(err).Warn("Unknown timezone")
			return nil, fmt.Errorf("unknown timezone %q: %w", zone, err)
		}
	}

	now := d.now().In(loc)
	toolLogger.WithFields(logrus.Fields{
		"time": now.Format(time.RFC3339),
	}).Debug("DateTime resolved")

	return DateTimeResult{
		Time:     now.Format(time.RFC3339),
		Unix:     now.Unix(),
		Timezone: loc.String(),
		Weekday:  now.Weekday().String(),
	}, nil
}

var _ Tool = (*DateTimeTool)(nil)
