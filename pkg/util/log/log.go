package log

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	dslog "github.com/grafana/dskit/log"
	jsoniter "github.com/json-iterator/go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Logger is a shared go-kit logger for commands and test helpers.
	// Components take a logger in their constructors instead.
	Logger = log.NewNopLogger()

	plogger *prometheusLogger
)

// InitLogger initialises the global logger according to the allowed log level
// and format, and counts log lines per level in reg.
func InitLogger(lvl dslog.Level, format dslog.Format, reg prometheus.Registerer) log.Logger {
	return InitLoggerWithWriter(lvl, format, reg, os.Stderr)
}

// InitLoggerWithWriter is InitLogger writing to w.
func InitLoggerWithWriter(lvl dslog.Level, format dslog.Format, reg prometheus.Registerer, w io.Writer) log.Logger {
	var base log.Logger
	if format.String() == "json" {
		base = log.NewJSONLogger(log.NewSyncWriter(w))
	} else {
		base = log.NewLogfmtLogger(log.NewSyncWriter(w))
	}

	plogger = newPrometheusLogger(base, lvl, reg)
	Logger = log.With(plogger, "ts", log.DefaultTimestampUTC, "caller", log.Caller(4))
	return Logger
}

// prometheusLogger exposes Prometheus counters for each of go-kit's log levels
// and allows the level to be changed at runtime.
type prometheusLogger struct {
	baseLogger  log.Logger
	logMessages *prometheus.CounterVec

	mtx    sync.RWMutex
	logger log.Logger
}

func newPrometheusLogger(base log.Logger, lvl dslog.Level, reg prometheus.Registerer) *prometheusLogger {
	logMessages := promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
		Namespace: "streamspector",
		Name:      "log_messages_total",
		Help:      "Total number of log messages.",
	}, []string{"level"})
	// Initialise counters for all supported levels.
	for _, l := range []level.Value{level.DebugValue(), level.InfoValue(), level.WarnValue(), level.ErrorValue()} {
		logMessages.WithLabelValues(l.String())
	}

	pl := &prometheusLogger{
		baseLogger:  base,
		logMessages: logMessages,
	}
	pl.setLevel(lvl)
	return pl
}

func (pl *prometheusLogger) setLevel(lvl dslog.Level) {
	pl.mtx.Lock()
	defer pl.mtx.Unlock()
	pl.logger = level.NewFilter(pl.baseLogger, lvl.Option)
}

// Log increments the appropriate Prometheus counter depending on the log level.
func (pl *prometheusLogger) Log(kv ...interface{}) error {
	pl.mtx.RLock()
	logger := pl.logger
	pl.mtx.RUnlock()

	if err := logger.Log(kv...); err != nil {
		return err
	}
	if pl.logMessages == nil {
		return nil
	}
	lvl := "unknown"
	for i := 1; i < len(kv); i += 2 {
		if v, ok := kv[i].(level.Value); ok {
			lvl = v.String()
			break
		}
	}
	pl.logMessages.WithLabelValues(lvl).Inc()
	return nil
}

type levelResponse struct {
	Status  string `json:"status,omitempty"`
	Message string `json:"message"`
}

// LevelHandler reports the current log level on GET and changes it on POST
// using the log_level form value.
func LevelHandler(currentLogLevel *dslog.Level) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			writeLevelResponse(w, http.StatusOK, levelResponse{
				Message: fmt.Sprintf("Current log level is %s", currentLogLevel.String()),
			})
		case http.MethodPost:
			logLevel := r.FormValue("log_level")

			var newLogLevel dslog.Level
			if err := newLogLevel.Set(logLevel); err != nil {
				writeLevelResponse(w, http.StatusBadRequest, levelResponse{
					Status:  "failed",
					Message: err.Error(),
				})
				return
			}

			if plogger != nil {
				plogger.setLevel(newLogLevel)
			}
			if err := currentLogLevel.Set(logLevel); err != nil {
				writeLevelResponse(w, http.StatusInternalServerError, levelResponse{
					Status:  "failed",
					Message: err.Error(),
				})
				return
			}

			writeLevelResponse(w, http.StatusOK, levelResponse{
				Status:  "success",
				Message: fmt.Sprintf("Log level set to %s", logLevel),
			})
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	}
}

func writeLevelResponse(w http.ResponseWriter, code int, resp levelResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = jsoniter.ConfigCompatibleWithStandardLibrary.NewEncoder(w).Encode(resp)
}

// CheckFatal prints an error and exits with error code 1 if err is non-nil.
func CheckFatal(location string, err error) {
	if err == nil {
		return
	}
	logger := level.Error(Logger)
	if location != "" {
		logger = log.With(logger, "msg", "error "+location)
	}
	// %+v gets the stack trace from errors using github.com/pkg/errors
	_ = logger.Log("err", fmt.Sprintf("%+v", err))
	os.Exit(1)
}
