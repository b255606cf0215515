package ingest

import (
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/StefanGrimminck/Spoor/internal/geo"
	"github.com/StefanGrimminck/Spoor/internal/store"
	"github.com/araddon/dateparse"
)

// toEvent maps a decoded webhook payload onto the stored event columns.
// Unknown keys are ignored; ports and logtype accept numbers or strings.
func toEvent(data map[string]interface{}) store.Event {
	ev := store.Event{
		DstHost:           str(data["dst_host"]),
		DstPort:           intPtr(data["dst_port"]),
		LocalTime:         str(data["local_time"]),
		LocalTimeAdjusted: str(data["local_time_adjusted"]),
		LogType:           str(data["logtype"]),
		NodeID:            str(data["node_id"]),
		SrcHost:           geo.NormalizeAddr(str(data["src_host"])),
		SrcPort:           intPtr(data["src_port"]),
		UTCTime:           parseTime(str(data["utc_time"])),
	}
	if ld, ok := data["logdata"].(map[string]interface{}); ok {
		ev.Logdata = store.Logdata{
			Hostname:      str(ld["HOSTNAME"]),
			Path:          str(ld["PATH"]),
			UserAgent:     str(ld["USERAGENT"]),
			LocalVersion:  str(ld["LOCALVERSION"]),
			Password:      str(ld["PASSWORD"]),
			RemoteVersion: str(ld["REMOTEVERSION"]),
			Username:      str(ld["USERNAME"]),
			Session:       str(ld["SESSION"]),
		}
	}
	return ev
}

func str(v interface{}) string {
	switch x := v.(type) {
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(x)
	default:
		return ""
	}
}

func intPtr(v interface{}) *int {
	var n int
	switch x := v.(type) {
	case float64:
		if x != math.Trunc(x) || x < math.MinInt32 || x > math.MaxInt32 {
			return nil
		}
		n = int(x)
	case string:
		i, err := strconv.Atoi(strings.TrimSpace(x))
		if err != nil {
			return nil
		}
		n = i
	default:
		return nil
	}
	return &n
}

// parseTime accepts the honeypot's "2006-01-02 15:04:05.000000" as well as
// RFC 3339 and the other layouts dateparse knows. Zone-less values are UTC.
func parseTime(s string) *time.Time {
	if s == "" {
		return nil
	}
	t, err := dateparse.ParseIn(s, time.UTC)
	if err != nil {
		return nil
	}
	t = t.UTC()
	return &t
}
