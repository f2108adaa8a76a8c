package tracepoint

import (
	"log/slog"
	"time"

	"gorm.io/gorm"
)

// DeviceInfo describes the host device; the embedding integration layer
// fills it once at startup from platform APIs.
type DeviceInfo struct {
	OSName       string
	OSVersion    string
	Manufacturer string
	Model        string
	Locale       string
	AppVersion   string
}

// Options configures a Pipeline. APIURL is required; everything else has a
// sensible default.
type Options struct {
	// APIURL is the backend base URL (batches are sent to APIURL/v1/batches,
	// config is fetched from APIURL/v1/config).
	APIURL string

	// APIKey authenticates export and config requests.
	APIKey string

	// StoragePath is the directory for the on-device database and the
	// crash file. Defaults to "tracepoint-data" under the working
	// directory.
	StoragePath string

	// Dialector overrides the storage engine. Defaults to an embedded
	// SQLite database under StoragePath.
	Dialector gorm.Dialector

	// Logger receives the pipeline's diagnostics. Defaults to a discard
	// logger; the pipeline never writes to the host's default logger
	// unasked.
	Logger *slog.Logger

	Device DeviceInfo

	// UserID is the initial user identifier; it can be changed later via
	// Pipeline.SetUserID.
	UserID string

	// SessionSamplingRate overrides the default sampling rate when
	// non-nil. The zero rate (never report non-crashed sessions) is a
	// meaningful value, hence the pointer.
	SessionSamplingRate *float64

	// MaxEventsInBatch and BatchingInterval override their defaults when
	// non-zero. Remote configuration still takes precedence over both.
	MaxEventsInBatch int
	BatchingInterval time.Duration
}
