// Package store persists webhook events and per-source enrichment records.
package store

import (
	"context"
	"time"

	"github.com/StefanGrimminck/Spoor/internal/geo"
)

// Event is one honeypot webhook event as stored in webhook_logs.
type Event struct {
	DstHost           string
	DstPort           *int
	LocalTime         string
	LocalTimeAdjusted string
	LogType           string
	NodeID            string
	SrcHost           string
	SrcPort           *int
	UTCTime           *time.Time
	Logdata           Logdata
}

// Logdata holds the subset of the honeypot's logdata object kept per event.
type Logdata struct {
	Hostname      string
	Path          string
	UserAgent     string
	LocalVersion  string
	Password      string
	RemoteVersion string
	Username      string
	Session       string
}

// LogEntry is one webhook_logs row, flat as the table stores it.
type LogEntry struct {
	ID                   int64      `json:"id" db:"id"`
	ReceivedAt           time.Time  `json:"received_at" db:"received_at"`
	DstHost              *string    `json:"dst_host" db:"dst_host"`
	DstPort              *int       `json:"dst_port" db:"dst_port"`
	LocalTime            *string    `json:"local_time" db:"local_time"`
	LocalTimeAdjusted    *string    `json:"local_time_adjusted" db:"local_time_adjusted"`
	LogType              *string    `json:"logtype" db:"logtype"`
	NodeID               *string    `json:"node_id" db:"node_id"`
	SrcHost              *string    `json:"src_host" db:"src_host"`
	SrcPort              *int       `json:"src_port" db:"src_port"`
	UTCTime              *time.Time `json:"utc_time" db:"utc_time"`
	LogdataHostname      *string    `json:"logdata_hostname" db:"logdata_hostname"`
	LogdataPath          *string    `json:"logdata_path" db:"logdata_path"`
	LogdataUserAgent     *string    `json:"logdata_useragent" db:"logdata_useragent"`
	LogdataLocalVersion  *string    `json:"logdata_localversion" db:"logdata_localversion"`
	LogdataPassword      *string    `json:"logdata_password" db:"logdata_password"`
	LogdataRemoteVersion *string    `json:"logdata_remoteversion" db:"logdata_remoteversion"`
	LogdataUsername      *string    `json:"logdata_username" db:"logdata_username"`
	LogdataSession       *string    `json:"logdata_session" db:"logdata_session"`
}

// SourceActivity summarizes the events logged for one source address.
type SourceActivity struct {
	Address string `json:"src_host" db:"src_host"`
	// LastSeen is the latest utc_time among the events; nil if none carried one.
	LastSeen  *time.Time `json:"last_seen" db:"last_seen"`
	TimesSeen int64      `json:"times_seen" db:"times_seen"`
}

// Observation is one sighting of a source address, with the lookup result if
// the workflow performed a successful one.
type Observation struct {
	Address string
	Seen    time.Time
	Geo     *geo.Result
}

// Source is the enrichment record for one address. Geo columns are nil when
// no lookup ever succeeded for it.
type Source struct {
	FirstSeen   time.Time `json:"first_seen"`
	LastSeen    time.Time `json:"last_seen"`
	TimesSeen   int64     `json:"times_seen"`
	Address     string    `json:"src_host"`
	Country     *string   `json:"src_country"`
	CountryCode *string   `json:"src_isocountrycode"`
	Region      *string   `json:"src_region"`
	RegionName  *string   `json:"src_regionname"`
	City        *string   `json:"src_city"`
	Zip         *string   `json:"src_zip"`
	Latitude    *float64  `json:"src_latitude"`
	Longitude   *float64  `json:"src_longitude"`
	Timezone    *string   `json:"src_timezone"`
	ISP         *string   `json:"src_isp"`
	Org         *string   `json:"src_org"`
	ASNumber    *int64    `json:"src_asnum"`
	ASOrg       *string   `json:"src_asorg"`
	ReverseDNS  *string   `json:"src_reversedns"`
	Mobile      *bool     `json:"src_mobile"`
	Proxy       *bool     `json:"src_proxy"`
	Hosting     *bool     `json:"src_hosting"`
}

// Conn is a storage session held for one enrichment workflow, from the
// existence check through the upsert.
type Conn interface {
	Exists(ctx context.Context, address string) (bool, error)
	// UpsertSource inserts the record on first sight; afterwards it only moves
	// last_seen forward and increments times_seen. Geo columns are write-once.
	UpsertSource(ctx context.Context, obs Observation) error
	Release()
}

// Store is implemented by Postgres and Memory.
type Store interface {
	Acquire(ctx context.Context) (Conn, error)
	InsertEvent(ctx context.Context, ev Event) error
	// GetSource returns nil, nil when the address has no record.
	GetSource(ctx context.Context, address string) (*Source, error)
	// CountryCodes maps each known address to its ISO country code ("" when unknown).
	CountryCodes(ctx context.Context, addresses []string) (map[string]string, error)
	// ListEvents returns every event whose src_host equals src, oldest first.
	ListEvents(ctx context.Context, src string) ([]LogEntry, error)
	// ListSources pages through per-address event summaries, most recently seen first.
	ListSources(ctx context.Context, limit, offset int) ([]SourceActivity, error)
	Ping(ctx context.Context) error
	Close()
}

// newSource builds the row inserted on first sight.
func newSource(obs Observation) *Source {
	s := &Source{
		FirstSeen: obs.Seen,
		LastSeen:  obs.Seen,
		TimesSeen: 1,
		Address:   obs.Address,
	}
	g := obs.Geo
	if g == nil {
		return s
	}
	s.Country = nonEmpty(g.Country)
	s.CountryCode = nonEmpty(g.CountryCode)
	s.Region = nonEmpty(g.Region)
	s.RegionName = nonEmpty(g.RegionName)
	s.City = nonEmpty(g.City)
	s.Zip = nonEmpty(g.Zip)
	lat, lon := g.Latitude, g.Longitude
	s.Latitude = &lat
	s.Longitude = &lon
	s.Timezone = nonEmpty(g.Timezone)
	s.ISP = nonEmpty(g.ISP)
	s.Org = nonEmpty(g.Org)
	if g.ASNumber != nil {
		n := *g.ASNumber
		s.ASNumber = &n
	}
	s.ASOrg = nonEmpty(g.ASOrg)
	s.ReverseDNS = nonEmpty(g.ReverseDNS)
	mobile, proxy, hosting := g.Mobile, g.Proxy, g.Hosting
	s.Mobile = &mobile
	s.Proxy = &proxy
	s.Hosting = &hosting
	return s
}

func newLogEntry(id int64, at time.Time, ev Event) LogEntry {
	return LogEntry{
		ID:                   id,
		ReceivedAt:           at,
		DstHost:              nonEmpty(ev.DstHost),
		DstPort:              ev.DstPort,
		LocalTime:            nonEmpty(ev.LocalTime),
		LocalTimeAdjusted:    nonEmpty(ev.LocalTimeAdjusted),
		LogType:              nonEmpty(ev.LogType),
		NodeID:               nonEmpty(ev.NodeID),
		SrcHost:              nonEmpty(ev.SrcHost),
		SrcPort:              ev.SrcPort,
		UTCTime:              ev.UTCTime,
		LogdataHostname:      nonEmpty(ev.Logdata.Hostname),
		LogdataPath:          nonEmpty(ev.Logdata.Path),
		LogdataUserAgent:     nonEmpty(ev.Logdata.UserAgent),
		LogdataLocalVersion:  nonEmpty(ev.Logdata.LocalVersion),
		LogdataPassword:      nonEmpty(ev.Logdata.Password),
		LogdataRemoteVersion: nonEmpty(ev.Logdata.RemoteVersion),
		LogdataUsername:      nonEmpty(ev.Logdata.Username),
		LogdataSession:       nonEmpty(ev.Logdata.Session),
	}
}

func nonEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
