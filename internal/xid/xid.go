package xid

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

func New(prefix string) string {
	return fmt.Sprintf("%s-%s", prefix, uuid.NewString())
}

// DocumentNumber builds a human readable number such as INV-ST01-20261014-3F9A1C2B.
func DocumentNumber(prefix string, stationID string, at time.Time) string {
	station := strings.ToUpper(strings.TrimSpace(stationID))
	if station == "" {
		station = "NA"
	}
	suffix := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:8])
	return fmt.Sprintf("%s-%s-%s-%s", prefix, station, at.UTC().Format("20060102"), suffix)
}
